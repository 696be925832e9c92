package store

import (
	"context"
	"time"
)

// AgentMetric records one LLM attempt by an agent: which model served
// which kind of task, whether it succeeded, and what it cost.
type AgentMetric struct {
	ID          string
	TeamID      string
	AgentName   string
	Role        string
	Model       string
	TaskType    string
	Success     bool
	CostUSD     float64
	TokensUsed  int64
	DurationMS  int64
	ProjectPath string
	CreatedAt   time.Time
}

// MetricsStore is append-only.
type MetricsStore interface {
	AppendMetric(ctx context.Context, m *AgentMetric) error
	ListMetrics(ctx context.Context, teamID string) ([]*AgentMetric, error)
}
