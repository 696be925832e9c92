// Package graph layers decision-graph semantics over the store:
// node and edge validation, atomic supersede, pulse analytics, and
// goal narratives.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loom/internal/store"
)

var validNodeTypes = map[string]bool{
	store.NodeGoal:        true,
	store.NodeDecision:    true,
	store.NodeOption:      true,
	store.NodeAction:      true,
	store.NodeOutcome:     true,
	store.NodeObservation: true,
	store.NodeRevisit:     true,
}

var validEdgeTypes = map[string]bool{
	store.EdgeLeadsTo:    true,
	store.EdgeChosen:     true,
	store.EdgeRejected:   true,
	store.EdgeRequires:   true,
	store.EdgeBlocks:     true,
	store.EdgeEnables:    true,
	store.EdgeSupersedes: true,
}

// NodeAttrs are the caller-supplied fields of a new node. Confidence 0
// means unscored.
type NodeAttrs struct {
	NodeType    string
	Title       string
	Description string
	Confidence  int
	Metadata    map[string]string
	SessionID   string
	AgentName   string
}

// Graph is the shared decision graph of a team. All mutations are
// write-through; reads go straight to the store.
type Graph struct {
	store  store.GraphStore
	logger *slog.Logger
}

func New(st store.GraphStore, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{store: st, logger: logger}
}

// AddNode validates attrs, assigns ids, and persists an active node.
func (g *Graph) AddNode(ctx context.Context, attrs NodeAttrs) (*store.DecisionNode, error) {
	if !validNodeTypes[attrs.NodeType] {
		return nil, fmt.Errorf("graph: invalid node type %q", attrs.NodeType)
	}
	if attrs.Title == "" {
		return nil, fmt.Errorf("graph: node title is required")
	}
	if attrs.Confidence < 0 || attrs.Confidence > 100 {
		return nil, fmt.Errorf("graph: confidence %d out of range 0..100", attrs.Confidence)
	}

	now := time.Now().UTC()
	n := &store.DecisionNode{
		ID:          uuid.NewString(),
		ChangeID:    uuid.NewString(),
		NodeType:    attrs.NodeType,
		Title:       attrs.Title,
		Description: attrs.Description,
		Status:      store.NodeStatusActive,
		Confidence:  attrs.Confidence,
		Metadata:    attrs.Metadata,
		SessionID:   attrs.SessionID,
		AgentName:   attrs.AgentName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.InsertNode(ctx, n); err != nil {
		return nil, fmt.Errorf("graph: insert node: %w", err)
	}
	return n, nil
}

// AddEdge links two existing nodes. Weight 0 takes the default of 1.0.
func (g *Graph) AddEdge(ctx context.Context, fromID, toID, edgeType string, weight float64, rationale string) (*store.DecisionEdge, error) {
	if !validEdgeTypes[edgeType] {
		return nil, fmt.Errorf("graph: invalid edge type %q", edgeType)
	}
	if _, err := g.store.GetNode(ctx, fromID); err != nil {
		return nil, fmt.Errorf("graph: from node %s: %w", fromID, err)
	}
	if _, err := g.store.GetNode(ctx, toID); err != nil {
		return nil, fmt.Errorf("graph: to node %s: %w", toID, err)
	}
	if weight == 0 {
		weight = 1.0
	}

	now := time.Now().UTC()
	e := &store.DecisionEdge{
		ID:         uuid.NewString(),
		ChangeID:   uuid.NewString(),
		FromNodeID: fromID,
		ToNodeID:   toID,
		EdgeType:   edgeType,
		Weight:     weight,
		Rationale:  rationale,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.store.InsertEdge(ctx, e); err != nil {
		return nil, fmt.Errorf("graph: insert edge: %w", err)
	}
	return e, nil
}

// GetNode returns one node by id.
func (g *Graph) GetNode(ctx context.Context, id string) (*store.DecisionNode, error) {
	return g.store.GetNode(ctx, id)
}

// ListNodes returns nodes matching the filter, newest first.
func (g *Graph) ListNodes(ctx context.Context, f store.NodeFilter) ([]*store.DecisionNode, error) {
	return g.store.ListNodes(ctx, f)
}

// ListEdges returns edges matching the filter, oldest first.
func (g *Graph) ListEdges(ctx context.Context, f store.EdgeFilter) ([]*store.DecisionEdge, error) {
	return g.store.ListEdges(ctx, f)
}

// Supersede replaces a node: the old one is marked superseded, the
// replacement inserted active, and a supersedes edge new->old records
// the rationale. All three writes land in one transaction. Unset
// NodeType and SessionID are inherited from the old node.
func (g *Graph) Supersede(ctx context.Context, oldID string, attrs NodeAttrs, rationale string) (*store.DecisionNode, error) {
	old, err := g.store.GetNode(ctx, oldID)
	if err != nil {
		return nil, fmt.Errorf("graph: supersede %s: %w", oldID, err)
	}

	if attrs.NodeType == "" {
		attrs.NodeType = old.NodeType
	}
	if attrs.SessionID == "" {
		attrs.SessionID = old.SessionID
	}
	if !validNodeTypes[attrs.NodeType] {
		return nil, fmt.Errorf("graph: invalid node type %q", attrs.NodeType)
	}
	if attrs.Title == "" {
		return nil, fmt.Errorf("graph: node title is required")
	}
	if attrs.Confidence < 0 || attrs.Confidence > 100 {
		return nil, fmt.Errorf("graph: confidence %d out of range 0..100", attrs.Confidence)
	}

	now := time.Now().UTC()
	replacement := &store.DecisionNode{
		ID:          uuid.NewString(),
		ChangeID:    uuid.NewString(),
		NodeType:    attrs.NodeType,
		Title:       attrs.Title,
		Description: attrs.Description,
		Status:      store.NodeStatusActive,
		Confidence:  attrs.Confidence,
		Metadata:    attrs.Metadata,
		SessionID:   attrs.SessionID,
		AgentName:   attrs.AgentName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	edge := &store.DecisionEdge{
		ID:         uuid.NewString(),
		ChangeID:   uuid.NewString(),
		FromNodeID: replacement.ID,
		ToNodeID:   oldID,
		EdgeType:   store.EdgeSupersedes,
		Weight:     1.0,
		Rationale:  rationale,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := g.store.Supersede(ctx, oldID, replacement, edge); err != nil {
		return nil, fmt.Errorf("graph: supersede %s: %w", oldID, err)
	}

	g.logger.Info("graph.node_superseded",
		"old_id", oldID,
		"new_id", replacement.ID,
		"title", replacement.Title)
	return replacement, nil
}

// RecentDecisions returns the newest active decision nodes for a
// session. Limit 0 takes the default of 10.
func (g *Graph) RecentDecisions(ctx context.Context, sessionID string, limit int) ([]*store.DecisionNode, error) {
	if limit <= 0 {
		limit = 10
	}
	return g.store.ListNodes(ctx, store.NodeFilter{
		SessionID: sessionID,
		NodeType:  store.NodeDecision,
		Status:    store.NodeStatusActive,
		Limit:     limit,
	})
}

// ActiveGoals returns all active goal nodes for a session.
func (g *Graph) ActiveGoals(ctx context.Context, sessionID string) ([]*store.DecisionNode, error) {
	return g.store.ListNodes(ctx, store.NodeFilter{
		SessionID: sessionID,
		NodeType:  store.NodeGoal,
		Status:    store.NodeStatusActive,
	})
}

// Search matches query as a substring of title or description within a
// session. Limit 0 takes the default of 20.
func (g *Graph) Search(ctx context.Context, sessionID, query string, limit int) ([]*store.DecisionNode, error) {
	if limit <= 0 {
		limit = 20
	}
	return g.store.SearchNodes(ctx, sessionID, query, limit)
}

// PulseOptions tune the health snapshot. Zero values take the defaults.
type PulseOptions struct {
	ConfidenceThreshold int           // default 50
	StaleAfter          time.Duration // default 7 days
}

// Pulse is a point-in-time health snapshot of a session's graph.
type Pulse struct {
	ActiveGoals     []*store.DecisionNode
	RecentDecisions []*store.DecisionNode
	CoverageGaps    []*store.DecisionNode
	LowConfidence   []*store.DecisionNode
	Stale           []*store.DecisionNode
	Summary         string
}

// TakePulse computes the snapshot: active goals, the ten most recent
// decisions, goals with no action or outcome attached, unconvincing
// nodes, and nodes nobody has touched lately.
func (g *Graph) TakePulse(ctx context.Context, sessionID string, opts PulseOptions) (*Pulse, error) {
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 50
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 7 * 24 * time.Hour
	}

	goals, err := g.ActiveGoals(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("graph: pulse goals: %w", err)
	}
	recent, err := g.RecentDecisions(ctx, sessionID, 10)
	if err != nil {
		return nil, fmt.Errorf("graph: pulse decisions: %w", err)
	}
	active, err := g.store.ListNodes(ctx, store.NodeFilter{
		SessionID: sessionID,
		Status:    store.NodeStatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: pulse nodes: %w", err)
	}

	byID := make(map[string]*store.DecisionNode, len(active))
	for _, n := range active {
		byID[n.ID] = n
	}

	var gaps []*store.DecisionNode
	for _, goal := range goals {
		covered, err := g.goalCovered(ctx, goal.ID, byID)
		if err != nil {
			return nil, fmt.Errorf("graph: pulse coverage: %w", err)
		}
		if !covered {
			gaps = append(gaps, goal)
		}
	}

	var low, stale []*store.DecisionNode
	cutoff := time.Now().UTC().Add(-opts.StaleAfter)
	for _, n := range active {
		// Confidence 0 means unscored, not low.
		if n.Confidence > 0 && n.Confidence < opts.ConfidenceThreshold {
			low = append(low, n)
		}
		if n.UpdatedAt.Before(cutoff) {
			stale = append(stale, n)
		}
	}

	p := &Pulse{
		ActiveGoals:     goals,
		RecentDecisions: recent,
		CoverageGaps:    gaps,
		LowConfidence:   low,
		Stale:           stale,
	}
	p.Summary = fmt.Sprintf("Pulse: %d active goal(s), %d recent decision(s), %d coverage gap(s), %d low-confidence, %d stale",
		len(goals), len(recent), len(gaps), len(low), len(stale))
	return p, nil
}

// goalCovered reports whether any outgoing edge of the goal reaches an
// action or outcome node.
func (g *Graph) goalCovered(ctx context.Context, goalID string, byID map[string]*store.DecisionNode) (bool, error) {
	edges, err := g.store.ListEdges(ctx, store.EdgeFilter{FromNodeID: goalID})
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		target := byID[e.ToNodeID]
		if target == nil {
			target, err = g.store.GetNode(ctx, e.ToNodeID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return false, err
			}
		}
		if target.NodeType == store.NodeAction || target.NodeType == store.NodeOutcome {
			return true, nil
		}
	}
	return false, nil
}

// ForGoal walks outgoing edges breadth-first from a goal and returns
// every reachable node, the goal included, sorted by insertion time.
// The visited set makes accidental cycles safe.
func (g *Graph) ForGoal(ctx context.Context, goalID string) ([]*store.DecisionNode, error) {
	root, err := g.store.GetNode(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("graph: goal %s: %w", goalID, err)
	}

	visited := map[string]bool{goalID: true}
	nodes := []*store.DecisionNode{root}
	queue := []string{goalID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		edges, err := g.store.ListEdges(ctx, store.EdgeFilter{FromNodeID: id})
		if err != nil {
			return nil, fmt.Errorf("graph: narrative edges: %w", err)
		}
		for _, e := range edges {
			if visited[e.ToNodeID] {
				continue
			}
			visited[e.ToNodeID] = true

			n, err := g.store.GetNode(ctx, e.ToNodeID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("graph: narrative node: %w", err)
			}
			nodes = append(nodes, n)
			queue = append(queue, e.ToNodeID)
		}
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
	return nodes, nil
}
