package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/queries"
	"github.com/nextlevelbuilder/loom/internal/registry"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// PeerAskTool routes a question to a teammate (or the whole team)
// through the query router.
type PeerAskTool struct {
	queries *queries.Router
}

func NewPeerAskTool(q *queries.Router) *PeerAskTool {
	return &PeerAskTool{queries: q}
}

func (t *PeerAskTool) Name() string { return "peer_ask_question" }

func (t *PeerAskTool) Description() string {
	return "Ask a teammate a question; the answer arrives later as a query_answer message"
}

func (t *PeerAskTool) Parameters() []Param {
	return []Param{
		{Name: "question", Type: "string", Required: true, Description: "The question to ask"},
		{Name: "target", Type: "string", Description: "Agent name to ask; omit to broadcast to the team"},
		{Name: "team_id", Type: "string", Description: "Your team id; defaults to the current team"},
	}
}

func (t *PeerAskTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	teamID, err := checkTeam(params, tc)
	if err != nil {
		return nil, err
	}
	question, err := RequireStr(params, "question")
	if err != nil {
		return nil, err
	}

	id, err := t.queries.Ask(teamID, tc.AgentName, question, queries.AskOptions{
		Target: Str(params, "target"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"result":   fmt.Sprintf("Question sent (query_id %s). The answer will arrive as a query_answer message.", id),
		"query_id": id,
	}, nil
}

// PeerAnswerTool resolves a pending query; the router delivers the
// answer to whoever asked.
type PeerAnswerTool struct {
	queries *queries.Router
}

func NewPeerAnswerTool(q *queries.Router) *PeerAnswerTool {
	return &PeerAnswerTool{queries: q}
}

func (t *PeerAnswerTool) Name() string { return "peer_answer_question" }

func (t *PeerAnswerTool) Description() string {
	return "Answer a question a teammate asked you, by query id"
}

func (t *PeerAnswerTool) Parameters() []Param {
	return []Param{
		{Name: "query_id", Type: "string", Required: true, Description: "Id from the query message"},
		{Name: "answer", Type: "string", Required: true, Description: "Your answer"},
	}
}

func (t *PeerAnswerTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	id, err := RequireStr(params, "query_id")
	if err != nil {
		return nil, err
	}
	answer, err := RequireStr(params, "answer")
	if err != nil {
		return nil, err
	}
	if err := t.guardTeam(id, tc); err != nil {
		return nil, err
	}
	if err := t.queries.Answer(id, tc.AgentName, answer); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Answer delivered for query %s.", id), nil
}

func (t *PeerAnswerTool) guardTeam(queryID string, tc Context) error {
	q, ok := t.queries.Get(queryID)
	if !ok {
		return queries.ErrQueryNotFound
	}
	if q.TeamID != scopeID(tc) {
		return fmt.Errorf("query %s belongs to another team", queryID)
	}
	return nil
}

// PeerForwardTool passes a query to a better-suited teammate, adding
// what the forwarder knows so far.
type PeerForwardTool struct {
	queries *queries.Router
}

func NewPeerForwardTool(q *queries.Router) *PeerForwardTool {
	return &PeerForwardTool{queries: q}
}

func (t *PeerForwardTool) Name() string { return "peer_forward_question" }

func (t *PeerForwardTool) Description() string {
	return "Forward a question you cannot fully answer to another teammate, optionally adding partial context"
}

func (t *PeerForwardTool) Parameters() []Param {
	return []Param{
		{Name: "query_id", Type: "string", Required: true, Description: "Id from the query message"},
		{Name: "target", Type: "string", Required: true, Description: "Agent name to forward to"},
		{Name: "enrichment", Type: "string", Description: "What you know that might help"},
	}
}

func (t *PeerForwardTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	id, err := RequireStr(params, "query_id")
	if err != nil {
		return nil, err
	}
	target, err := RequireStr(params, "target")
	if err != nil {
		return nil, err
	}
	q, ok := t.queries.Get(id)
	if !ok {
		return nil, queries.ErrQueryNotFound
	}
	if q.TeamID != scopeID(tc) {
		return nil, fmt.Errorf("query %s belongs to another team", id)
	}
	err = t.queries.Forward(id, tc.AgentName, target, Str(params, "enrichment"))
	if errors.Is(err, queries.ErrMaxHopsReached) {
		return "This query has been forwarded too many times. Answer it with what you know using peer_answer_question.", nil
	}
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Query %s forwarded to %s.", id, target), nil
}

// PeerMessageTool sends a direct message to one teammate over the bus.
type PeerMessageTool struct {
	bus      *bus.Bus
	registry *registry.Registry
}

func NewPeerMessageTool(b *bus.Bus, reg *registry.Registry) *PeerMessageTool {
	return &PeerMessageTool{bus: b, registry: reg}
}

func (t *PeerMessageTool) Name() string { return "peer_message" }

func (t *PeerMessageTool) Description() string {
	return "Send a direct message to a teammate; it appears in their conversation as a peer message"
}

func (t *PeerMessageTool) Parameters() []Param {
	return []Param{
		{Name: "target", Type: "string", Required: true, Description: "Agent name to message"},
		{Name: "content", Type: "string", Required: true, Description: "Message text"},
	}
}

func (t *PeerMessageTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	target, err := RequireStr(params, "target")
	if err != nil {
		return nil, err
	}
	content, err := RequireStr(params, "content")
	if err != nil {
		return nil, err
	}
	teamID := scopeID(tc)
	if _, ok := t.registry.Lookup(registry.Key{TeamID: teamID, Name: target}); !ok {
		return nil, fmt.Errorf("agent %q not found in team", target)
	}

	t.bus.Publish(protocol.AgentTopic(teamID, target), bus.Event{
		Name:    protocol.EventPeerMessage,
		From:    tc.AgentName,
		Payload: map[string]any{"content": content},
	})
	return fmt.Sprintf("Message sent to %s.", target), nil
}

// PeerDiscoveryTool lists the live members of the caller's team.
type PeerDiscoveryTool struct {
	registry *registry.Registry
}

func NewPeerDiscoveryTool(reg *registry.Registry) *PeerDiscoveryTool {
	return &PeerDiscoveryTool{registry: reg}
}

func (t *PeerDiscoveryTool) Name() string { return "peer_discovery" }

func (t *PeerDiscoveryTool) Description() string {
	return "List your teammates with their roles and current status"
}

func (t *PeerDiscoveryTool) Parameters() []Param {
	return []Param{
		{Name: "team_id", Type: "string", Description: "Your team id; defaults to the current team"},
	}
}

func (t *PeerDiscoveryTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	teamID, err := checkTeam(params, tc)
	if err != nil {
		return nil, err
	}

	entries := t.registry.Team(teamID)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.Name < entries[j].Key.Name })

	var b strings.Builder
	count := 0
	for _, e := range entries {
		if e.Meta["type"] == "keeper" {
			continue
		}
		count++
		fmt.Fprintf(&b, "- %s", e.Key.Name)
		if role := e.Meta["role"]; role != "" {
			fmt.Fprintf(&b, " (role=%s", role)
			if status := e.Meta["status"]; status != "" {
				fmt.Fprintf(&b, ", status=%s", status)
			}
			if model := e.Meta["model"]; model != "" {
				fmt.Fprintf(&b, ", model=%s", model)
			}
			b.WriteByte(')')
		}
		b.WriteByte('\n')
	}
	if count == 0 {
		return "No teammates registered.", nil
	}
	return fmt.Sprintf("Team members (%d):\n%s", count, strings.TrimRight(b.String(), "\n")), nil
}
