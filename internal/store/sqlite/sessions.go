package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// SessionStore implements store.SessionStore on sqlite.
type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) CreateSession(ctx context.Context, sess *store.Session) error {
	if sess.ID == "" {
		sess.ID = store.NewID()
	}
	if sess.Status == "" {
		sess.Status = store.SessionActive
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, model, project_path, status, prompt_tokens, completion_tokens, cost_usd, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Model, sess.ProjectPath, sess.Status,
		sess.PromptTokens, sess.CompletionTokens, sess.CostUSD, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, project_path, status, prompt_tokens, completion_tokens, cost_usd, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SessionStore) ListSessions(ctx context.Context) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, model, project_path, status, prompt_tokens, completion_tokens, cost_usd, created_at, updated_at
		 FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) SetSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *SessionStore) AccumulateUsage(ctx context.Context, id string, promptTokens, completionTokens int64, costUSD float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET prompt_tokens = prompt_tokens + ?,
		     completion_tokens = completion_tokens + ?,
		     cost_usd = cost_usd + ?,
		     updated_at = ?
		 WHERE id = ?`,
		promptTokens, completionTokens, costUSD, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *SessionStore) AppendMessage(ctx context.Context, m *store.Message) error {
	if m.ID == "" {
		m.ID = store.NewID()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	var toolCalls []byte
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = b
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, token_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, toolCalls, m.ToolCallID, m.TokenCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SessionStore) Messages(ctx context.Context, sessionID string) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, tool_call_id, token_count, created_at, updated_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var m store.Message
		var toolCalls []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls,
			&m.ToolCallID, &m.TokenCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for message %s: %w", m.ID, err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.ProjectPath, &sess.Status,
		&sess.PromptTokens, &sess.CompletionTokens, &sess.CostUSD, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// oneRow converts a zero-row UPDATE into ErrNotFound.
func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
