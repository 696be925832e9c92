package store

import (
	"context"
	"time"
)

// Decision node types.
const (
	NodeGoal        = "goal"
	NodeDecision    = "decision"
	NodeOption      = "option"
	NodeAction      = "action"
	NodeOutcome     = "outcome"
	NodeObservation = "observation"
	NodeRevisit     = "revisit"
)

// Decision edge types.
const (
	EdgeLeadsTo    = "leads_to"
	EdgeChosen     = "chosen"
	EdgeRejected   = "rejected"
	EdgeRequires   = "requires"
	EdgeBlocks     = "blocks"
	EdgeEnables    = "enables"
	EdgeSupersedes = "supersedes"
)

// Decision node statuses.
const (
	NodeStatusActive     = "active"
	NodeStatusSuperseded = "superseded"
	NodeStatusAbandoned  = "abandoned"
)

// DecisionNode is one entry in a team's shared decision graph.
// ChangeID deduplicates replayed writes.
type DecisionNode struct {
	ID          string
	ChangeID    string
	NodeType    string
	Title       string
	Description string
	Status      string
	Confidence  int // 0..100
	Metadata    map[string]string
	SessionID   string
	AgentName   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DecisionEdge is a typed connection between two nodes.
type DecisionEdge struct {
	ID         string
	ChangeID   string
	FromNodeID string
	ToNodeID   string
	EdgeType   string
	Weight     float64
	Rationale  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NodeFilter narrows ListNodes. Zero fields match everything.
type NodeFilter struct {
	SessionID string
	NodeType  string
	Status    string
	AgentName string
	Limit     int
}

// EdgeFilter narrows ListEdges. Zero fields match everything.
type EdgeFilter struct {
	FromNodeID string
	ToNodeID   string
	EdgeType   string
	Limit      int
}

// GraphStore persists decision nodes and edges. Mutations are
// transactional; Supersede applies its three writes atomically.
type GraphStore interface {
	InsertNode(ctx context.Context, n *DecisionNode) error
	GetNode(ctx context.Context, id string) (*DecisionNode, error)
	UpdateNodeStatus(ctx context.Context, id, status string) error
	ListNodes(ctx context.Context, f NodeFilter) ([]*DecisionNode, error)

	InsertEdge(ctx context.Context, e *DecisionEdge) error
	ListEdges(ctx context.Context, f EdgeFilter) ([]*DecisionEdge, error)

	// Supersede marks the old node superseded, inserts the replacement
	// as active, and links them with a supersedes edge, all in one
	// transaction.
	Supersede(ctx context.Context, oldID string, replacement *DecisionNode, edge *DecisionEdge) error

	// SearchNodes does a case-insensitive substring match over title and
	// description within a session, capped at limit rows.
	SearchNodes(ctx context.Context, sessionID, query string, limit int) ([]*DecisionNode, error)
}
