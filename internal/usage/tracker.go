// Package usage tracks LLM spend in memory: per-agent tallies, a
// capped per-team call history, and escalation events. Durable
// agent_metrics rows go through the MetricsStore alongside.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/store"
)

// DefaultHistoryCap bounds the per-team call history.
const DefaultHistoryCap = 100

// AgentTotals is the running tally for one (team, agent) pair.
type AgentTotals struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Requests     int
	LastModel    string
}

// Call is one entry in a team's call history.
type Call struct {
	Timestamp    time.Time
	CostUSD      float64
	Model        string
	InputTokens  int64
	OutputTokens int64
	TaskID       string
}

// Escalation records one model escalation within a team.
type Escalation struct {
	Agent     string
	FromModel string
	ToModel   string
	Timestamp time.Time
}

// CostTracker is the in-memory spend ledger.
type CostTracker struct {
	mu          sync.Mutex
	agents      map[string]map[string]*AgentTotals
	history     map[string][]Call
	escalations map[string][]Escalation
	historyCap  int

	metrics store.MetricsStore
	logger  *slog.Logger
}

// NewCostTracker creates a tracker. metrics may be nil (no durable
// rows); historyCap 0 takes the default.
func NewCostTracker(metrics store.MetricsStore, historyCap int, logger *slog.Logger) *CostTracker {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CostTracker{
		agents:      make(map[string]map[string]*AgentTotals),
		history:     make(map[string][]Call),
		escalations: make(map[string][]Escalation),
		historyCap:  historyCap,
		metrics:     metrics,
		logger:      logger,
	}
}

// AddCall merges one LLM call into the agent tally and the team call
// history. The oldest history entries fall off past the cap.
func (t *CostTracker) AddCall(team, agent string, u providers.Usage, model, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	agents, ok := t.agents[team]
	if !ok {
		agents = make(map[string]*AgentTotals)
		t.agents[team] = agents
	}
	totals, ok := agents[agent]
	if !ok {
		totals = &AgentTotals{}
		agents[agent] = totals
	}
	totals.InputTokens += u.InputTokens
	totals.OutputTokens += u.OutputTokens
	totals.CostUSD += u.TotalCost
	totals.Requests++
	if model != "" {
		totals.LastModel = model
	}

	hist := append(t.history[team], Call{
		Timestamp:    time.Now(),
		CostUSD:      u.TotalCost,
		Model:        model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TaskID:       taskID,
	})
	if len(hist) > t.historyCap {
		hist = hist[len(hist)-t.historyCap:]
	}
	t.history[team] = hist
}

// RecordEscalation appends an escalation event for the team.
func (t *CostTracker) RecordEscalation(team, agent, fromModel, toModel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.escalations[team] = append(t.escalations[team], Escalation{
		Agent:     agent,
		FromModel: fromModel,
		ToModel:   toModel,
		Timestamp: time.Now(),
	})
}

// RecordAttempt persists one LLM attempt as an agent_metrics row.
// Metric rows are observability, not state: failures are logged, never
// raised.
func (t *CostTracker) RecordAttempt(ctx context.Context, m *store.AgentMetric) {
	if t.metrics == nil {
		return
	}
	if err := t.metrics.AppendMetric(ctx, m); err != nil {
		t.logger.Warn("usage.metric_append_failed",
			"team_id", m.TeamID,
			"agent", m.AgentName,
			"error", err)
	}
}

// AgentTotals returns the tally for one agent.
func (t *CostTracker) AgentTotals(team, agent string) (AgentTotals, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	totals, ok := t.agents[team][agent]
	if !ok {
		return AgentTotals{}, false
	}
	return *totals, true
}

// TeamAgents returns a copy of every agent tally in the team.
func (t *CostTracker) TeamAgents(team string) map[string]AgentTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]AgentTotals, len(t.agents[team]))
	for name, totals := range t.agents[team] {
		out[name] = *totals
	}
	return out
}

// TeamCost sums the team's agent tallies.
func (t *CostTracker) TeamCost(team string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum float64
	for _, totals := range t.agents[team] {
		sum += totals.CostUSD
	}
	return sum
}

// History returns a copy of the team's call history, oldest first.
func (t *CostTracker) History(team string) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.history[team]))
	copy(out, t.history[team])
	return out
}

// Escalations returns a copy of the team's escalation events.
func (t *CostTracker) Escalations(team string) []Escalation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Escalation, len(t.escalations[team]))
	copy(out, t.escalations[team])
	return out
}

// ResetTeam clears the tallies, history, and escalations for a team.
func (t *CostTracker) ResetTeam(team string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, team)
	delete(t.history, team)
	delete(t.escalations, team)
}
