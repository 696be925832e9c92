package store

import (
	"context"
	"time"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskFailed     = "failed"
)

// Task dependency kinds.
const (
	DepBlocks   = "blocks"
	DepRequires = "requires"
)

// Task is one unit of team work.
type Task struct {
	ID          string
	TeamID      string
	Title       string
	Description string
	Status      string
	Owner       string
	Priority    int
	ModelHint   string
	Result      string
	CostUSD     float64
	TokensUsed  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskDep links a task to one it depends on.
type TaskDep struct {
	ID          string
	TaskID      string
	DependsOnID string
	DepType     string
	CreatedAt   time.Time
}

// TaskStore persists team tasks and their dependency graph.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTask applies the given column updates. Allowed keys: title,
	// description, status, owner, priority, model_hint, result.
	// Numeric usage counters go through AccumulateTaskUsage.
	UpdateTask(ctx context.Context, id string, updates map[string]any) error

	// ListTasks returns a team's tasks ordered by priority ascending,
	// then insertion order.
	ListTasks(ctx context.Context, teamID string) ([]*Task, error)

	AccumulateTaskUsage(ctx context.Context, id string, tokens int64, costUSD float64) error

	AddTaskDep(ctx context.Context, d *TaskDep) error
	TaskDeps(ctx context.Context, taskID string) ([]*TaskDep, error)

	// DepsForTasks batch-loads the dependencies of many tasks at once,
	// for list views.
	DepsForTasks(ctx context.Context, taskIDs []string) ([]*TaskDep, error)
}
