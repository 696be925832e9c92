package models

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/loom/internal/config"
)

func testModelConfig() config.ModelConfig {
	return config.ModelConfig{
		Default:   "anthropic:claude-sonnet-4-6",
		Weak:      "anthropic:claude-haiku-4-5",
		Architect: "anthropic:claude-opus-4-6",
		Roles:     map[string]string{"coder": "zai:glm-5"},
		Escalation: config.EscalationConfig{
			Chain: []string{"zai:glm-5", "anthropic:claude-sonnet-4-6", "anthropic:claude-opus-4-6"},
		},
	}
}

func TestSelect(t *testing.T) {
	r := NewRouter(testModelConfig())

	tests := []struct {
		name string
		role string
		hint string
		want string
	}{
		{"hint with colon passes through", "coder", "openai:gpt-5", "openai:gpt-5"},
		{"bare hint resolves tier label", "coder", "weak", "anthropic:claude-haiku-4-5"},
		{"unknown bare hint falls back to role", "coder", "turbo", "zai:glm-5"},
		{"no hint uses role model", "coder", "", "zai:glm-5"},
		{"architect role", "architect", "", "anthropic:claude-opus-4-6"},
		{"unknown role uses global default", "janitor", "", "anthropic:claude-sonnet-4-6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Select(tt.role, tt.hint); got != tt.want {
				t.Errorf("Select(%q, %q) = %q, want %q", tt.role, tt.hint, got, tt.want)
			}
		})
	}
}

func TestFailureTracking(t *testing.T) {
	r := NewRouter(testModelConfig())

	if r.ShouldEscalate("t", "coder", "task-1", 0) {
		t.Fatal("fresh task wants escalation")
	}
	if n := r.RecordFailure("t", "coder", "task-1"); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	if r.ShouldEscalate("t", "coder", "task-1", 0) {
		t.Fatal("escalates below default threshold")
	}
	r.RecordFailure("t", "coder", "task-1")
	if !r.ShouldEscalate("t", "coder", "task-1", 0) {
		t.Fatal("no escalation at threshold 2")
	}

	// Other keys are independent.
	if r.ShouldEscalate("t", "coder", "task-2", 0) {
		t.Error("unrelated task shares failure count")
	}
	if r.ShouldEscalate("t", "reviewer", "task-1", 0) {
		t.Error("unrelated agent shares failure count")
	}

	r.RecordSuccess("t", "coder", "task-1")
	if r.ShouldEscalate("t", "coder", "task-1", 0) {
		t.Error("success did not clear the count")
	}
}

func TestResetTeamClearsFailureCounts(t *testing.T) {
	r := NewRouter(testModelConfig())

	r.RecordFailure("t1", "coder", "task-1")
	r.RecordFailure("t1", "coder", "task-1")
	r.RecordFailure("t2", "coder", "task-9")
	r.RecordFailure("t2", "coder", "task-9")

	r.ResetTeam("t1")

	if r.ShouldEscalate("t1", "coder", "task-1", 0) {
		t.Error("reset team still wants escalation")
	}
	if !r.ShouldEscalate("t2", "coder", "task-9", 0) {
		t.Error("reset leaked into another team")
	}
}

func TestEscalateWalksChain(t *testing.T) {
	r := NewRouter(testModelConfig())

	next, err := r.Escalate("zai:glm-5")
	if err != nil || next != "anthropic:claude-sonnet-4-6" {
		t.Fatalf("got %q, %v", next, err)
	}
	next, err = r.Escalate(next)
	if err != nil || next != "anthropic:claude-opus-4-6" {
		t.Fatalf("got %q, %v", next, err)
	}
	if _, err = r.Escalate(next); !errors.Is(err, ErrMaxReached) {
		t.Fatalf("top of chain: got %v, want ErrMaxReached", err)
	}

	// Models outside the chain escalate to its first entry.
	next, err = r.Escalate("openai:gpt-4o-mini")
	if err != nil || next != "zai:glm-5" {
		t.Fatalf("got %q, %v", next, err)
	}
}

func TestReconfigureKeepsFailureCounts(t *testing.T) {
	r := NewRouter(testModelConfig())
	r.RecordFailure("t", "coder", "task-1")
	r.RecordFailure("t", "coder", "task-1")

	next := testModelConfig()
	next.Default = "openai:gpt-5"
	next.Roles = map[string]string{"coder": "openai:gpt-5-mini"}
	next.Escalation.Chain = []string{"openai:gpt-5-mini", "openai:gpt-5"}
	r.Reconfigure(next)

	if got := r.Select("coder", ""); got != "openai:gpt-5-mini" {
		t.Errorf("Select after reload = %q, want %q", got, "openai:gpt-5-mini")
	}
	if got := r.Select("janitor", ""); got != "openai:gpt-5" {
		t.Errorf("default after reload = %q, want %q", got, "openai:gpt-5")
	}
	if up, err := r.Escalate("openai:gpt-5-mini"); err != nil || up != "openai:gpt-5" {
		t.Errorf("chain after reload: got %q, %v", up, err)
	}
	if !r.ShouldEscalate("t", "coder", "task-1", 0) {
		t.Error("failure counts lost across reload")
	}
}

func TestEscalateDisabledWithoutChain(t *testing.T) {
	cfg := testModelConfig()
	cfg.Escalation.Chain = nil
	r := NewRouter(cfg)

	if _, err := r.Escalate("zai:glm-5"); !errors.Is(err, ErrEscalationDisabled) {
		t.Fatalf("got %v, want ErrEscalationDisabled", err)
	}
}
