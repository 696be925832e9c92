package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/loom/internal/keeper"
	"github.com/nextlevelbuilder/loom/internal/providers"
)

// checkTeam refuses a cross-team call. An empty team_id parameter means
// the caller's own team.
func checkTeam(params map[string]any, tc Context) (string, error) {
	own := scopeID(tc)
	if requested := Str(params, "team_id"); requested != "" && requested != own {
		return "", fmt.Errorf("team %s is not your team", requested)
	}
	if own == "" {
		return "", fmt.Errorf("no team in scope")
	}
	return own, nil
}

// ContextOffloadTool moves the oldest slice of the calling agent's
// history into a new context keeper. The loop injects the message
// snapshot; the agent trims the offloaded prefix when the call returns.
type ContextOffloadTool struct {
	keepers *keeper.Manager
}

func NewContextOffloadTool(m *keeper.Manager) *ContextOffloadTool {
	return &ContextOffloadTool{keepers: m}
}

func (t *ContextOffloadTool) Name() string { return "context_offload" }

func (t *ContextOffloadTool) Description() string {
	return "Move the oldest part of your conversation into a context keeper to free working memory; the keeper index stays in your system prompt"
}

func (t *ContextOffloadTool) Parameters() []Param {
	return []Param{
		{Name: "team_id", Type: "string", Description: "Your team id; defaults to the current team"},
		{Name: "topic", Type: "string", Required: true, Description: "What the offloaded messages are about"},
		{Name: "message_count", Type: "integer", Description: "How many messages to offload from the start; defaults to half"},
	}
}

func (t *ContextOffloadTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	teamID, err := checkTeam(params, tc)
	if err != nil {
		return nil, err
	}
	topic, err := RequireStr(params, "topic")
	if err != nil {
		return nil, err
	}
	if len(tc.Messages) == 0 {
		return nil, fmt.Errorf("no messages to offload")
	}

	count := Int(params, "message_count")
	if count <= 0 {
		count = len(tc.Messages) / 2
	}
	cut := offloadBoundary(tc.Messages, count)
	if cut == 0 {
		return nil, fmt.Errorf("nothing to offload: history too short")
	}

	offloaded := make([]providers.Message, cut)
	copy(offloaded, tc.Messages[:cut])

	k, err := t.keepers.Spawn(ctx, teamID, topic, tc.AgentName, offloaded, nil)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"result":    fmt.Sprintf("Offloaded %d messages. %s", cut, k.IndexEntry()),
		"keeper_id": k.ID,
		"offloaded": cut,
	}, nil
}

// offloadBoundary clamps the cut index so the most recent message stays
// behind and tool replies are never split from the assistant message
// that requested them.
func offloadBoundary(messages []providers.Message, count int) int {
	cut := count
	if cut >= len(messages) {
		cut = len(messages) - 1
	}
	for cut > 0 && cut < len(messages) && messages[cut].Role == "tool" {
		cut++
	}
	if cut >= len(messages) {
		cut = len(messages) - 1
		for cut > 0 && messages[cut].Role == "tool" {
			cut--
		}
	}
	if cut < 0 {
		cut = 0
	}
	return cut
}

// ContextRetrieveTool reads back offloaded context, raw or through the
// keeper's summarizing model.
type ContextRetrieveTool struct {
	keepers *keeper.Manager
}

func NewContextRetrieveTool(m *keeper.Manager) *ContextRetrieveTool {
	return &ContextRetrieveTool{keepers: m}
}

func (t *ContextRetrieveTool) Name() string { return "context_retrieve" }

func (t *ContextRetrieveTool) Description() string {
	return "Retrieve offloaded context from the team's keepers; ask a question to get a synthesized answer, or fetch raw messages"
}

func (t *ContextRetrieveTool) Parameters() []Param {
	return []Param{
		{Name: "team_id", Type: "string", Description: "Your team id; defaults to the current team"},
		{Name: "query", Type: "string", Required: true, Description: "What to look for"},
		{Name: "keeper_id", Type: "string", Description: "Limit retrieval to one keeper"},
		{Name: "mode", Type: "string", Description: "\"raw\" or \"smart\"; auto-detected from the query when omitted"},
	}
}

func (t *ContextRetrieveTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	teamID, err := checkTeam(params, tc)
	if err != nil {
		return nil, err
	}
	query, err := RequireStr(params, "query")
	if err != nil {
		return nil, err
	}

	text, err := t.keepers.Retrieve(ctx, teamID, query, Str(params, "keeper_id"), Str(params, "mode"))
	if err != nil {
		return nil, err
	}
	if text == "" {
		return "No matching context found.", nil
	}
	return text, nil
}
