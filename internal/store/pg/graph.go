package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// GraphStore implements store.GraphStore on Postgres.
type GraphStore struct {
	db *sql.DB
}

const nodeColumns = `id, change_id, node_type, title, description, status, confidence, metadata, session_id, agent_name, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *GraphStore) InsertNode(ctx context.Context, n *store.DecisionNode) error {
	prepareNode(n)
	return insertNodeExec(ctx, s.db, n)
}

func insertNodeExec(ctx context.Context, ex execer, n *store.DecisionNode) error {
	meta, err := encodeMeta(n.Metadata)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO decision_nodes (`+nodeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (change_id) DO NOTHING`,
		n.ID, n.ChangeID, n.NodeType, n.Title, n.Description, n.Status,
		n.Confidence, meta, n.SessionID, n.AgentName, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision node: %w", err)
	}
	return nil
}

func prepareNode(n *store.DecisionNode) {
	if n.ID == "" {
		n.ID = store.NewID()
	}
	if n.ChangeID == "" {
		n.ChangeID = store.NewID()
	}
	if n.Status == "" {
		n.Status = store.NodeStatusActive
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
}

func (s *GraphStore) GetNode(ctx context.Context, id string) (*store.DecisionNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM decision_nodes WHERE id = $1`, id)
	return scanNode(row)
}

func (s *GraphStore) UpdateNodeStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decision_nodes SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *GraphStore) ListNodes(ctx context.Context, f store.NodeFilter) ([]*store.DecisionNode, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = "+arg(f.SessionID))
	}
	if f.NodeType != "" {
		where = append(where, "node_type = "+arg(f.NodeType))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.AgentName != "" {
		where = append(where, "agent_name = "+arg(f.AgentName))
	}

	q := `SELECT ` + nodeColumns + ` FROM decision_nodes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *GraphStore) InsertEdge(ctx context.Context, e *store.DecisionEdge) error {
	prepareEdge(e)
	return insertEdgeExec(ctx, s.db, e)
}

func insertEdgeExec(ctx context.Context, ex execer, e *store.DecisionEdge) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO decision_edges (id, change_id, from_node_id, to_node_id, edge_type, weight, rationale, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (change_id) DO NOTHING`,
		e.ID, e.ChangeID, e.FromNodeID, e.ToNodeID, e.EdgeType, e.Weight,
		e.Rationale, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision edge: %w", err)
	}
	return nil
}

func prepareEdge(e *store.DecisionEdge) {
	if e.ID == "" {
		e.ID = store.NewID()
	}
	if e.ChangeID == "" {
		e.ChangeID = store.NewID()
	}
	if e.Weight == 0 {
		e.Weight = 1.0
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}

func (s *GraphStore) ListEdges(ctx context.Context, f store.EdgeFilter) ([]*store.DecisionEdge, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.FromNodeID != "" {
		where = append(where, "from_node_id = "+arg(f.FromNodeID))
	}
	if f.ToNodeID != "" {
		where = append(where, "to_node_id = "+arg(f.ToNodeID))
	}
	if f.EdgeType != "" {
		where = append(where, "edge_type = "+arg(f.EdgeType))
	}

	q := `SELECT id, change_id, from_node_id, to_node_id, edge_type, weight, rationale, created_at, updated_at FROM decision_edges`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.DecisionEdge
	for rows.Next() {
		var e store.DecisionEdge
		if err := rows.Scan(&e.ID, &e.ChangeID, &e.FromNodeID, &e.ToNodeID, &e.EdgeType,
			&e.Weight, &e.Rationale, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *GraphStore) Supersede(ctx context.Context, oldID string, replacement *store.DecisionNode, edge *store.DecisionEdge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE decision_nodes SET status = $1, updated_at = $2 WHERE id = $3`,
		store.NodeStatusSuperseded, time.Now().UTC(), oldID)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	if err := oneRow(res); err != nil {
		return err
	}

	prepareNode(replacement)
	replacement.Status = store.NodeStatusActive
	if err := insertNodeExec(ctx, tx, replacement); err != nil {
		return err
	}

	edge.FromNodeID = replacement.ID
	edge.ToNodeID = oldID
	edge.EdgeType = store.EdgeSupersedes
	prepareEdge(edge)
	if err := insertEdgeExec(ctx, tx, edge); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *GraphStore) SearchNodes(ctx context.Context, sessionID, query string, limit int) ([]*store.DecisionNode, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM decision_nodes
		 WHERE session_id = $1 AND (title ILIKE $2 OR description ILIKE $2)
		 ORDER BY created_at DESC LIMIT $3`,
		sessionID, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNode(row rowScanner) (*store.DecisionNode, error) {
	var n store.DecisionNode
	var meta []byte
	err := row.Scan(&n.ID, &n.ChangeID, &n.NodeType, &n.Title, &n.Description, &n.Status,
		&n.Confidence, &meta, &n.SessionID, &n.AgentName, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode node metadata: %w", err)
		}
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*store.DecisionNode, error) {
	var out []*store.DecisionNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func encodeMeta(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}
