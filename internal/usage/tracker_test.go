package usage

import (
	"context"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/store"
)

func TestAddCallAccumulates(t *testing.T) {
	tr := NewCostTracker(nil, 0, nil)

	tr.AddCall("team-1", "coder", providers.Usage{InputTokens: 100, OutputTokens: 20, TotalCost: 0.01}, "zai:glm-5", "task-1")
	tr.AddCall("team-1", "coder", providers.Usage{InputTokens: 50, OutputTokens: 10, TotalCost: 0.005}, "anthropic:claude-sonnet-4-6", "")
	tr.AddCall("team-1", "reviewer", providers.Usage{InputTokens: 10, OutputTokens: 5, TotalCost: 0.001}, "zai:glm-5", "")

	totals, ok := tr.AgentTotals("team-1", "coder")
	if !ok {
		t.Fatal("coder tally missing")
	}
	if totals.InputTokens != 150 || totals.OutputTokens != 30 || totals.Requests != 2 {
		t.Errorf("got %+v", totals)
	}
	if totals.LastModel != "anthropic:claude-sonnet-4-6" {
		t.Errorf("last model = %q", totals.LastModel)
	}

	if got := tr.TeamCost("team-1"); got < 0.0159 || got > 0.0161 {
		t.Errorf("team cost = %v, want ~0.016", got)
	}
	if agents := tr.TeamAgents("team-1"); len(agents) != 2 {
		t.Errorf("got %d agents, want 2", len(agents))
	}

	hist := tr.History("team-1")
	if len(hist) != 3 {
		t.Fatalf("history has %d entries, want 3", len(hist))
	}
	if hist[0].TaskID != "task-1" {
		t.Errorf("first call task = %q", hist[0].TaskID)
	}
}

func TestHistoryIsCapped(t *testing.T) {
	tr := NewCostTracker(nil, 5, nil)
	for i := 0; i < 12; i++ {
		tr.AddCall("team-1", "coder", providers.Usage{TotalCost: 0.001}, "m", fmt.Sprintf("task-%d", i))
	}

	hist := tr.History("team-1")
	if len(hist) != 5 {
		t.Fatalf("history has %d entries, want cap of 5", len(hist))
	}
	if hist[0].TaskID != "task-7" || hist[4].TaskID != "task-11" {
		t.Errorf("kept wrong window: %q .. %q", hist[0].TaskID, hist[4].TaskID)
	}
}

func TestResetTeamClearsEverything(t *testing.T) {
	tr := NewCostTracker(nil, 0, nil)
	tr.AddCall("team-1", "coder", providers.Usage{TotalCost: 1}, "m", "")
	tr.RecordEscalation("team-1", "coder", "zai:glm-5", "anthropic:claude-sonnet-4-6")
	tr.AddCall("team-2", "coder", providers.Usage{TotalCost: 2}, "m", "")

	tr.ResetTeam("team-1")

	if _, ok := tr.AgentTotals("team-1", "coder"); ok {
		t.Error("tally survived reset")
	}
	if len(tr.History("team-1")) != 0 {
		t.Error("history survived reset")
	}
	if len(tr.Escalations("team-1")) != 0 {
		t.Error("escalations survived reset")
	}
	if got := tr.TeamCost("team-2"); got != 2 {
		t.Errorf("unrelated team affected: cost = %v", got)
	}
}

func TestEscalationsRecorded(t *testing.T) {
	tr := NewCostTracker(nil, 0, nil)
	tr.RecordEscalation("team-1", "coder", "zai:glm-5", "anthropic:claude-sonnet-4-6")
	tr.RecordEscalation("team-1", "coder", "anthropic:claude-sonnet-4-6", "anthropic:claude-opus-4-6")

	events := tr.Escalations("team-1")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].FromModel != "anthropic:claude-sonnet-4-6" || events[1].ToModel != "anthropic:claude-opus-4-6" {
		t.Errorf("got %+v", events[1])
	}
}

type metricsSpy struct {
	rows []*store.AgentMetric
	err  error
}

func (s *metricsSpy) AppendMetric(ctx context.Context, m *store.AgentMetric) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, m)
	return nil
}

func (s *metricsSpy) ListMetrics(ctx context.Context, teamID string) ([]*store.AgentMetric, error) {
	return s.rows, nil
}

func TestRecordAttemptWritesMetricRow(t *testing.T) {
	spy := &metricsSpy{}
	tr := NewCostTracker(spy, 0, nil)

	tr.RecordAttempt(context.Background(), &store.AgentMetric{
		TeamID: "team-1", AgentName: "coder", Model: "zai:glm-5",
		TaskType: "code", Success: true, TokensUsed: 120,
	})

	if len(spy.rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(spy.rows))
	}
	if spy.rows[0].Model != "zai:glm-5" || !spy.rows[0].Success {
		t.Errorf("got %+v", spy.rows[0])
	}
}

func TestRecordAttemptSwallowsStoreErrors(t *testing.T) {
	spy := &metricsSpy{err: fmt.Errorf("disk full")}
	tr := NewCostTracker(spy, 0, nil)

	// Must not panic or propagate.
	tr.RecordAttempt(context.Background(), &store.AgentMetric{TeamID: "team-1", AgentName: "coder", Model: "m"})
}
