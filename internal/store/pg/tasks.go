package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/loom/internal/store"
)

// TaskStore implements store.TaskStore on Postgres.
type TaskStore struct {
	db *sql.DB
}

const taskColumns = `id, team_id, title, description, status, owner, priority, model_hint, result, cost_usd, tokens_used, created_at, updated_at`

var taskUpdatable = map[string]bool{
	"title":       true,
	"description": true,
	"status":      true,
	"owner":       true,
	"priority":    true,
	"model_hint":  true,
	"result":      true,
}

func (s *TaskStore) CreateTask(ctx context.Context, t *store.Task) error {
	if t.ID == "" {
		t.ID = store.NewID()
	}
	if t.Status == "" {
		t.Status = store.TaskPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.TeamID, t.Title, t.Description, t.Status, t.Owner,
		t.Priority, t.ModelHint, t.Result, t.CostUSD, t.TokensUsed, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM team_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *TaskStore) UpdateTask(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	set := make([]string, 0, len(updates)+1)
	args := make([]any, 0, len(updates)+2)
	for col, v := range updates {
		if !taskUpdatable[col] {
			return fmt.Errorf("task column %q is not updatable", col)
		}
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, time.Now().UTC())
	set = append(set, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE team_tasks SET %s WHERE id = $%d`, strings.Join(set, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return oneRow(res)
}

func (s *TaskStore) ListTasks(ctx context.Context, teamID string) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM team_tasks
		 WHERE team_id = $1 ORDER BY priority, created_at, id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) AccumulateTaskUsage(ctx context.Context, id string, tokens int64, costUSD float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE team_tasks
		 SET tokens_used = tokens_used + $1, cost_usd = cost_usd + $2, updated_at = $3
		 WHERE id = $4`,
		tokens, costUSD, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *TaskStore) AddTaskDep(ctx context.Context, d *store.TaskDep) error {
	if d.ID == "" {
		d.ID = store.NewID()
	}
	if d.DepType == "" {
		d.DepType = store.DepBlocks
	}
	d.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_task_deps (id, task_id, depends_on_id, dep_type, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.TaskID, d.DependsOnID, d.DepType, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task dependency: %w", err)
	}
	return nil
}

func (s *TaskStore) TaskDeps(ctx context.Context, taskID string) ([]*store.TaskDep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, depends_on_id, dep_type, created_at
		 FROM team_task_deps WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeps(rows)
}

func (s *TaskStore) DepsForTasks(ctx context.Context, taskIDs []string) ([]*store.TaskDep, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, depends_on_id, dep_type, created_at
		 FROM team_task_deps WHERE task_id = ANY($1) ORDER BY created_at, id`,
		pq.Array(taskIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeps(rows)
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	err := row.Scan(&t.ID, &t.TeamID, &t.Title, &t.Description, &t.Status, &t.Owner,
		&t.Priority, &t.ModelHint, &t.Result, &t.CostUSD, &t.TokensUsed, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanDeps(rows *sql.Rows) ([]*store.TaskDep, error) {
	var out []*store.TaskDep
	for rows.Next() {
		var d store.TaskDep
		if err := rows.Scan(&d.ID, &d.TaskID, &d.DependsOnID, &d.DepType, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
