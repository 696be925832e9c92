// Package models picks which model serves which work and walks the
// escalation chain when an agent keeps failing.
package models

import (
	"errors"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/loom/internal/config"
)

// DefaultEscalationThreshold is the failure count that triggers
// escalation.
const DefaultEscalationThreshold = 2

var (
	// ErrMaxReached means the current model is already the top of the
	// chain.
	ErrMaxReached = errors.New("models: escalation chain exhausted")

	// ErrEscalationDisabled means no chain is configured.
	ErrEscalationDisabled = errors.New("models: escalation disabled")
)

type failureKey struct {
	team  string
	agent string
	task  string
}

// Router resolves roles and task hints to model strings and tracks
// per-task failure counts.
type Router struct {
	mu         sync.Mutex
	roleModels map[string]string
	tiers      map[string]string
	defaults   string
	chain      []string
	failures   map[failureKey]int
}

// NewRouter builds a router from the model configuration. The tier
// table doubles as the role map: bare hints like "weak" resolve through
// the same names.
func NewRouter(cfg config.ModelConfig) *Router {
	roleMap := cfg.RoleMap()
	return &Router{
		roleModels: roleMap,
		tiers:      roleMap,
		defaults:   cfg.Default,
		chain:      append([]string(nil), cfg.Escalation.Chain...),
		failures:   make(map[failureKey]int),
	}
}

// Select resolves the model for a role and an optional task hint. A
// hint containing a colon is a full model string and passes through
// verbatim; a bare hint is a tier label. Unresolvable hints fall back
// to the role's model, then the global default.
func (r *Router) Select(role, modelHint string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if modelHint != "" {
		if strings.Contains(modelHint, ":") {
			return modelHint
		}
		if m, ok := r.tiers[modelHint]; ok && m != "" {
			return m
		}
	}
	if m := r.roleModels[role]; m != "" {
		return m
	}
	return r.defaults
}

// RecordFailure increments the failure count for (team, agent, task)
// and returns the new count.
func (r *Router) RecordFailure(team, agent, task string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := failureKey{team, agent, task}
	r.failures[key]++
	return r.failures[key]
}

// RecordSuccess clears the failure count for (team, agent, task).
func (r *Router) RecordSuccess(team, agent, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, failureKey{team, agent, task})
}

// ShouldEscalate reports whether the failure count has reached the
// threshold. A non-positive threshold takes the default.
func (r *Router) ShouldEscalate(team, agent, task string, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultEscalationThreshold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[failureKey{team, agent, task}] >= threshold
}

// Escalate returns the chain entry after current. A model outside the
// chain escalates to the chain's first entry.
func (r *Router) Escalate(current string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.chain) == 0 {
		return "", ErrEscalationDisabled
	}
	for i, m := range r.chain {
		if m == current {
			if i == len(r.chain)-1 {
				return "", ErrMaxReached
			}
			return r.chain[i+1], nil
		}
	}
	return r.chain[0], nil
}

// Reconfigure swaps the role map, tier table, default, and escalation
// chain. Failure counts survive a reload.
func (r *Router) Reconfigure(cfg config.ModelConfig) {
	roleMap := cfg.RoleMap()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roleModels = roleMap
	r.tiers = roleMap
	r.defaults = cfg.Default
	r.chain = append([]string(nil), cfg.Escalation.Chain...)
}

// ResetTeam clears every failure count for a team. Agent restarts do
// not call this; a crash-looping agent keeps its counts and still
// escalates.
func (r *Router) ResetTeam(team string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.failures {
		if key.team == team {
			delete(r.failures, key)
		}
	}
}

// Chain returns a copy of the escalation chain.
func (r *Router) Chain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chain...)
}
