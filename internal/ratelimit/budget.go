package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/loom/internal/providers"
)

// warnFraction is the share of the ceiling that triggers the one-shot
// budget warning.
const warnFraction = 0.8

// BudgetExceededError terminates agent loops permanently for the team.
type BudgetExceededError struct {
	Team  string
	Spent float64
	Limit float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for team %s: spent $%.4f of $%.2f", e.Team, e.Spent, e.Limit)
}

// IsBudgetExceeded reports whether err is a budget ceiling violation.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

// Tally receives the per-agent usage tally that the budget delegates.
type Tally interface {
	AddCall(team, agent string, u providers.Usage, model, taskID string)
}

// WarnFunc is invoked once per team when spend crosses the warning
// threshold.
type WarnFunc func(team string, spent, limit float64)

// Budget accumulates per-team spend against a monetary ceiling. A zero
// limit disables the ceiling entirely.
type Budget struct {
	mu       sync.Mutex
	limitUSD float64
	totals   map[string]float64
	warned   map[string]bool

	tally Tally
	warn  WarnFunc
}

// NewBudget creates a budget with the given ceiling. tally and warn may
// be nil.
func NewBudget(limitUSD float64, tally Tally, warn WarnFunc) *Budget {
	return &Budget{
		limitUSD: limitUSD,
		totals:   make(map[string]float64),
		warned:   make(map[string]bool),
		tally:    tally,
		warn:     warn,
	}
}

// RecordUsage adds one call's spend to the team total and delegates the
// per-agent tally. Crossing the warning threshold fires the warn hook
// exactly once per team.
func (b *Budget) RecordUsage(team, agent string, u providers.Usage, model, taskID string) {
	if b.tally != nil {
		b.tally.AddCall(team, agent, u, model, taskID)
	}

	var fire bool
	var spent float64
	b.mu.Lock()
	b.totals[team] += u.TotalCost
	spent = b.totals[team]
	if b.limitUSD > 0 && !b.warned[team] && spent >= b.limitUSD*warnFraction {
		b.warned[team] = true
		fire = true
	}
	b.mu.Unlock()

	if fire && b.warn != nil {
		b.warn(team, spent, b.limitUSD)
	}
}

// SetLimit replaces the ceiling. Teams whose spend drops back under the
// warning threshold may warn again when they re-cross it.
func (b *Budget) SetLimit(limitUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limitUSD = limitUSD
	for team := range b.warned {
		if limitUSD <= 0 || b.totals[team] < limitUSD*warnFraction {
			delete(b.warned, team)
		}
	}
}

// Spend returns the team's accumulated cost.
func (b *Budget) Spend(team string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totals[team]
}

// Exceeded reports whether the team is at or over the ceiling.
func (b *Budget) Exceeded(team string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limitUSD > 0 && b.totals[team] >= b.limitUSD
}

// check returns the ceiling error when the team is over budget.
func (b *Budget) check(team string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limitUSD > 0 && b.totals[team] >= b.limitUSD {
		return &BudgetExceededError{Team: team, Spent: b.totals[team], Limit: b.limitUSD}
	}
	return nil
}

// Guard combines the provider limiter and the team budget into the
// single check agent loops run before each LLM call.
type Guard struct {
	Limiter *Limiter
	Budget  *Budget
}

// AcquireOrBudget returns (0, nil) when the call may proceed, a
// positive wait when rate-limited, or a BudgetExceededError when the
// team's ceiling is spent. The budget is checked first: a team over
// budget never consumes limiter tokens.
func (g *Guard) AcquireOrBudget(team, provider string, cost int) (time.Duration, error) {
	if g.Budget != nil {
		if err := g.Budget.check(team); err != nil {
			return 0, err
		}
	}
	if g.Limiter != nil {
		if wait, ok := g.Limiter.Acquire(provider, cost); !ok {
			return wait, nil
		}
	}
	return 0, nil
}
