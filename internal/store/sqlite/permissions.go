package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// PermissionStore implements store.PermissionStore on sqlite.
type PermissionStore struct {
	db *sql.DB
}

func (s *PermissionStore) InsertGrant(ctx context.Context, g *store.PermissionGrant) error {
	if g.ID == "" {
		g.ID = store.NewID()
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_grants (id, session_id, tool, scope, granted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, tool, scope) DO NOTHING`,
		g.ID, g.SessionID, g.Tool, g.Scope, g.GrantedAt,
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (s *PermissionStore) Grants(ctx context.Context, sessionID string) ([]*store.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, tool, scope, granted_at
		 FROM permission_grants WHERE session_id = ? ORDER BY granted_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.PermissionGrant
	for rows.Next() {
		var g store.PermissionGrant
		if err := rows.Scan(&g.ID, &g.SessionID, &g.Tool, &g.Scope, &g.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}
