package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/loom/internal/graph"
	"github.com/nextlevelbuilder/loom/internal/store"
)

// scopeID is the session the tool call writes under: the team id for
// team agents, the session id in solo mode.
func scopeID(tc Context) string {
	if tc.TeamID != "" {
		return tc.TeamID
	}
	return tc.SessionID
}

// DecisionLogTool appends a node to the shared decision graph,
// optionally superseding an earlier node or linking to a parent.
type DecisionLogTool struct {
	graph *graph.Graph
}

func NewDecisionLogTool(g *graph.Graph) *DecisionLogTool {
	return &DecisionLogTool{graph: g}
}

func (t *DecisionLogTool) Name() string { return "decision_log" }

func (t *DecisionLogTool) Description() string {
	return "Record a goal, decision, option, action, outcome, observation, or revisit in the team decision graph"
}

func (t *DecisionLogTool) Parameters() []Param {
	return []Param{
		{Name: "node_type", Type: "string", Required: true, Description: "One of: goal, decision, option, action, outcome, observation, revisit"},
		{Name: "title", Type: "string", Required: true, Description: "Short statement of the node"},
		{Name: "description", Type: "string", Description: "Longer context for the node"},
		{Name: "confidence", Type: "integer", Description: "Confidence score 1-100; omit when unscored"},
		{Name: "supersedes", Type: "string", Description: "Id of a node this one replaces"},
		{Name: "parent_id", Type: "string", Description: "Id of a node to link from"},
		{Name: "edge_type", Type: "string", Description: "Edge type for the parent link; defaults to leads_to"},
		{Name: "rationale", Type: "string", Description: "Why the replacement or link was made"},
	}
}

func (t *DecisionLogTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	nodeType, err := RequireStr(params, "node_type")
	if err != nil {
		return nil, err
	}
	title, err := RequireStr(params, "title")
	if err != nil {
		return nil, err
	}

	attrs := graph.NodeAttrs{
		NodeType:    nodeType,
		Title:       title,
		Description: Str(params, "description"),
		Confidence:  Int(params, "confidence"),
		SessionID:   scopeID(tc),
		AgentName:   tc.AgentName,
	}

	var node *store.DecisionNode
	if oldID := Str(params, "supersedes"); oldID != "" {
		node, err = t.graph.Supersede(ctx, oldID, attrs, Str(params, "rationale"))
	} else {
		node, err = t.graph.AddNode(ctx, attrs)
	}
	if err != nil {
		return nil, err
	}

	if parentID := Str(params, "parent_id"); parentID != "" {
		edgeType := Str(params, "edge_type")
		if edgeType == "" {
			edgeType = store.EdgeLeadsTo
		}
		if _, err := t.graph.AddEdge(ctx, parentID, node.ID, edgeType, 0, Str(params, "rationale")); err != nil {
			return nil, fmt.Errorf("node %s recorded but parent link failed: %w", node.ID, err)
		}
	}

	return map[string]any{
		"result":  fmt.Sprintf("Recorded %s node %s: %q", node.NodeType, node.ID, node.Title),
		"node_id": node.ID,
	}, nil
}

// DecisionQueryTool reads the decision graph in one of five modes.
type DecisionQueryTool struct {
	graph *graph.Graph
}

func NewDecisionQueryTool(g *graph.Graph) *DecisionQueryTool {
	return &DecisionQueryTool{graph: g}
}

func (t *DecisionQueryTool) Name() string { return "decision_query" }

func (t *DecisionQueryTool) Description() string {
	return "Query the team decision graph: recent decisions, active goals, a health pulse, substring search, or a goal narrative"
}

func (t *DecisionQueryTool) Parameters() []Param {
	return []Param{
		{Name: "mode", Type: "string", Required: true, Description: "One of: recent, goals, pulse, search, narrative"},
		{Name: "query", Type: "string", Description: "Search text for mode=search"},
		{Name: "goal_id", Type: "string", Description: "Goal node id for mode=narrative"},
		{Name: "limit", Type: "integer", Description: "Result cap for recent and search"},
	}
}

func (t *DecisionQueryTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	session := scopeID(tc)
	limit := Int(params, "limit")

	switch mode := Str(params, "mode"); mode {
	case "recent":
		nodes, err := t.graph.RecentDecisions(ctx, session, limit)
		if err != nil {
			return nil, err
		}
		return renderNodes("Recent decisions", nodes), nil
	case "goals":
		nodes, err := t.graph.ActiveGoals(ctx, session)
		if err != nil {
			return nil, err
		}
		return renderNodes("Active goals", nodes), nil
	case "pulse":
		p, err := t.graph.TakePulse(ctx, session, graph.PulseOptions{})
		if err != nil {
			return nil, err
		}
		return renderPulse(p), nil
	case "search":
		query, err := RequireStr(params, "query")
		if err != nil {
			return nil, err
		}
		nodes, err := t.graph.Search(ctx, session, query, limit)
		if err != nil {
			return nil, err
		}
		return renderNodes(fmt.Sprintf("Nodes matching %q", query), nodes), nil
	case "narrative":
		goalID, err := RequireStr(params, "goal_id")
		if err != nil {
			return nil, err
		}
		nodes, err := t.graph.ForGoal(ctx, goalID)
		if err != nil {
			return nil, err
		}
		return renderNodes("Goal narrative", nodes), nil
	default:
		return nil, fmt.Errorf("unknown mode %q (want recent, goals, pulse, search, or narrative)", mode)
	}
}

func renderNodes(heading string, nodes []*store.DecisionNode) string {
	if len(nodes) == 0 {
		return heading + ": none"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d):\n", heading, len(nodes))
	for _, n := range nodes {
		fmt.Fprintf(&b, "- [%s] %s: %s", n.ID, n.NodeType, n.Title)
		if n.Confidence > 0 {
			fmt.Fprintf(&b, " (confidence %d)", n.Confidence)
		}
		if n.AgentName != "" {
			fmt.Fprintf(&b, " by %s", n.AgentName)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderPulse(p *graph.Pulse) string {
	var b strings.Builder
	b.WriteString(p.Summary)
	if len(p.CoverageGaps) > 0 {
		b.WriteString("\nGoals with no action or outcome:")
		for _, n := range p.CoverageGaps {
			fmt.Fprintf(&b, "\n- [%s] %s", n.ID, n.Title)
		}
	}
	if len(p.LowConfidence) > 0 {
		b.WriteString("\nLow-confidence nodes:")
		for _, n := range p.LowConfidence {
			fmt.Fprintf(&b, "\n- [%s] %s (confidence %d)", n.ID, n.Title, n.Confidence)
		}
	}
	if len(p.Stale) > 0 {
		b.WriteString("\nStale nodes:")
		for _, n := range p.Stale {
			fmt.Fprintf(&b, "\n- [%s] %s", n.ID, n.Title)
		}
	}
	return b.String()
}
