package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/store"
)

// KeeperStore implements store.KeeperStore on Postgres.
type KeeperStore struct {
	db *sql.DB
}

func (s *KeeperStore) SaveKeeper(ctx context.Context, k *store.KeeperSnapshot) error {
	if k.ID == "" {
		k.ID = store.NewID()
	}
	if k.Status == "" {
		k.Status = store.KeeperActive
	}
	now := time.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now

	msgs, err := json.Marshal(k.Messages)
	if err != nil {
		return fmt.Errorf("encode keeper messages: %w", err)
	}
	meta, err := encodeMeta(k.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO context_keepers (id, team_id, topic, source_agent, messages, token_count, metadata, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     topic = EXCLUDED.topic,
		     source_agent = EXCLUDED.source_agent,
		     messages = EXCLUDED.messages,
		     token_count = EXCLUDED.token_count,
		     metadata = EXCLUDED.metadata,
		     status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at`,
		k.ID, k.TeamID, k.Topic, k.SourceAgent, msgs, k.TokenCount, meta,
		k.Status, k.CreatedAt, k.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save keeper: %w", err)
	}
	return nil
}

func (s *KeeperStore) GetKeeper(ctx context.Context, id string) (*store.KeeperSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, team_id, topic, source_agent, messages, token_count, metadata, status, created_at, updated_at
		 FROM context_keepers WHERE id = $1`, id)
	return scanKeeper(row)
}

func (s *KeeperStore) ListKeepers(ctx context.Context, teamID string) ([]*store.KeeperSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, team_id, topic, source_agent, messages, token_count, metadata, status, created_at, updated_at
		 FROM context_keepers WHERE team_id = $1 ORDER BY created_at, id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.KeeperSnapshot
	for rows.Next() {
		k, err := scanKeeper(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanKeeper(row rowScanner) (*store.KeeperSnapshot, error) {
	var k store.KeeperSnapshot
	var msgs, meta []byte
	err := row.Scan(&k.ID, &k.TeamID, &k.Topic, &k.SourceAgent, &msgs, &k.TokenCount,
		&meta, &k.Status, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		if err := json.Unmarshal(msgs, &k.Messages); err != nil {
			return nil, fmt.Errorf("decode keeper messages: %w", err)
		}
	}
	if k.Messages == nil {
		k.Messages = []providers.Message{}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &k.Metadata); err != nil {
			return nil, fmt.Errorf("decode keeper metadata: %w", err)
		}
	}
	return &k, nil
}
