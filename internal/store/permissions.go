package store

import (
	"context"
	"time"
)

// PermissionGrant is a persisted allow-always decision: the session may
// run the tool against paths matching scope.
type PermissionGrant struct {
	ID        string
	SessionID string
	Tool      string
	Scope     string
	GrantedAt time.Time
}

// PermissionStore persists allow-always grants. InsertGrant is
// idempotent on (session, tool, scope).
type PermissionStore interface {
	InsertGrant(ctx context.Context, g *PermissionGrant) error
	Grants(ctx context.Context, sessionID string) ([]*PermissionGrant, error)
}
