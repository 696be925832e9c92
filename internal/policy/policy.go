// Package policy decides whether a tool call may run. A check is
// three-valued: allowed outright, denied, or ask (held for interactive
// approval). Allow-always answers become persisted grants.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionAsk     Decision = "ask"
	DecisionDenied  Decision = "denied"
)

// ScopeAny matches every path.
const ScopeAny = "*"

// Engine answers permission checks from the auto-approve list and the
// session's persisted grants.
type Engine struct {
	grants      store.PermissionStore
	autoApprove map[string]bool
	logger      *slog.Logger
}

// NewEngine builds an engine over the grant store. autoApprove lists
// tool names that never need approval.
func NewEngine(grants store.PermissionStore, autoApprove []string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	approve := make(map[string]bool, len(autoApprove))
	for _, tool := range autoApprove {
		approve[tool] = true
	}
	return &Engine{
		grants:      grants,
		autoApprove: approve,
		logger:      logger,
	}
}

// Check resolves a tool call against the auto-approve list, then the
// session's grants. Anything not covered comes back as ask; the engine
// itself never denies, denial is an interactive answer.
func (e *Engine) Check(ctx context.Context, sessionID, tool, path string) (Decision, error) {
	if e.autoApprove[tool] {
		return DecisionAllowed, nil
	}

	grants, err := e.grants.Grants(ctx, sessionID)
	if err != nil {
		return DecisionAsk, fmt.Errorf("policy: load grants: %w", err)
	}
	for _, g := range grants {
		if g.Tool == tool && ScopeMatches(g.Scope, path) {
			return DecisionAllowed, nil
		}
	}
	return DecisionAsk, nil
}

// Grant persists an allow-always decision. Idempotent on
// (session, tool, scope).
func (e *Engine) Grant(ctx context.Context, sessionID, tool, scope string) error {
	if scope == "" {
		scope = ScopeAny
	}
	g := &store.PermissionGrant{
		SessionID: sessionID,
		Tool:      tool,
		Scope:     scope,
		GrantedAt: time.Now().UTC(),
	}
	if err := e.grants.InsertGrant(ctx, g); err != nil {
		return fmt.Errorf("policy: insert grant: %w", err)
	}
	e.logger.Info("policy.grant_added",
		"session_id", sessionID,
		"tool", tool,
		"scope", scope)
	return nil
}

// ScopeMatches reports whether a grant scope covers a path. Scopes are
// either the * wildcard or a literal path.
func ScopeMatches(scope, path string) bool {
	if scope == ScopeAny {
		return true
	}
	return scope == path
}
