package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// MetricsStore implements store.MetricsStore on Postgres.
type MetricsStore struct {
	db *sql.DB
}

func (s *MetricsStore) AppendMetric(ctx context.Context, m *store.AgentMetric) error {
	if m.ID == "" {
		m.ID = store.NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_metrics (id, team_id, agent_name, role, model, task_type, success, cost_usd, tokens_used, duration_ms, project_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.TeamID, m.AgentName, m.Role, m.Model, m.TaskType, m.Success,
		m.CostUSD, m.TokensUsed, m.DurationMS, m.ProjectPath, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append metric: %w", err)
	}
	return nil
}

func (s *MetricsStore) ListMetrics(ctx context.Context, teamID string) ([]*store.AgentMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, team_id, agent_name, role, model, task_type, success, cost_usd, tokens_used, duration_ms, project_path, created_at
		 FROM agent_metrics WHERE team_id = $1 ORDER BY created_at, id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.AgentMetric
	for rows.Next() {
		var m store.AgentMetric
		if err := rows.Scan(&m.ID, &m.TeamID, &m.AgentName, &m.Role, &m.Model, &m.TaskType,
			&m.Success, &m.CostUSD, &m.TokensUsed, &m.DurationMS, &m.ProjectPath, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
