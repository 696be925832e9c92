// Package tasks manages a team's work queue: creation, assignment,
// status transitions, and the dependency graph between tasks.
package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

var validDepTypes = map[string]bool{
	store.DepBlocks:   true,
	store.DepRequires: true,
}

// Manager owns the task rows of every team and announces lifecycle
// changes on the bus.
type Manager struct {
	store  store.TaskStore
	bus    *bus.Bus
	logger *slog.Logger
}

func NewManager(st store.TaskStore, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, bus: b, logger: logger}
}

// Create validates and persists a new pending task. Priority 0 takes
// the default of 3; valid priorities run 1 (highest) to 5.
func (m *Manager) Create(ctx context.Context, t *store.Task) (*store.Task, error) {
	if t.TeamID == "" {
		return nil, fmt.Errorf("tasks: team id is required")
	}
	if t.Title == "" {
		return nil, fmt.Errorf("tasks: title is required")
	}
	if t.Priority == 0 {
		t.Priority = 3
	}
	if t.Priority < 1 || t.Priority > 5 {
		return nil, fmt.Errorf("tasks: priority %d out of range 1..5", t.Priority)
	}
	t.Status = store.TaskPending

	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("tasks: create: %w", err)
	}

	m.mirror(t.TeamID, protocol.EventTaskCreated, map[string]any{
		"task_id":  t.ID,
		"title":    t.Title,
		"priority": t.Priority,
	})
	m.logger.Info("tasks.created",
		"task_id", t.ID,
		"team_id", t.TeamID,
		"title", t.Title)
	return t, nil
}

// Get returns one task by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Task, error) {
	return m.store.GetTask(ctx, id)
}

// Update applies column updates to a task and mirrors a task_updated
// event. Allowed keys follow the store contract.
func (m *Manager) Update(ctx context.Context, id string, updates map[string]any) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("tasks: update %s: %w", id, err)
	}
	if err := m.store.UpdateTask(ctx, id, updates); err != nil {
		return fmt.Errorf("tasks: update %s: %w", id, err)
	}
	m.mirror(t.TeamID, protocol.EventTaskUpdated, map[string]any{
		"task_id": id,
		"updates": updates,
	})
	return nil
}

// Assign hands a task to an agent: owner set, status assigned, and a
// task_assigned event on the team's task topic for the agent to pick
// up.
func (m *Manager) Assign(ctx context.Context, id, agentName string) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("tasks: assign %s: %w", id, err)
	}

	err = m.store.UpdateTask(ctx, id, map[string]any{
		"owner":  agentName,
		"status": store.TaskAssigned,
	})
	if err != nil {
		return fmt.Errorf("tasks: assign %s: %w", id, err)
	}

	if m.bus != nil {
		m.bus.Publish(protocol.TasksTopic(t.TeamID), bus.Event{
			Name: protocol.EventTaskAssigned,
			Payload: map[string]any{
				"task_id":    id,
				"agent_name": agentName,
			},
		})
	}
	m.logger.Info("tasks.assigned",
		"task_id", id,
		"team_id", t.TeamID,
		"agent", agentName)
	return nil
}

// Begin marks an assigned task in progress.
func (m *Manager) Begin(ctx context.Context, id string) error {
	return m.Update(ctx, id, map[string]any{"status": store.TaskInProgress})
}

// Complete finishes a task with its result text and accumulated usage.
// failed selects the failed status instead of done.
func (m *Manager) Complete(ctx context.Context, id, result string, tokens int64, costUSD float64, failed bool) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("tasks: complete %s: %w", id, err)
	}

	status := store.TaskDone
	if failed {
		status = store.TaskFailed
	}
	err = m.store.UpdateTask(ctx, id, map[string]any{
		"status": status,
		"result": result,
	})
	if err != nil {
		return fmt.Errorf("tasks: complete %s: %w", id, err)
	}
	if tokens > 0 || costUSD > 0 {
		if err := m.store.AccumulateTaskUsage(ctx, id, tokens, costUSD); err != nil {
			return fmt.Errorf("tasks: complete %s: %w", id, err)
		}
	}

	m.mirror(t.TeamID, protocol.EventTaskCompleted, map[string]any{
		"task_id": id,
		"status":  status,
		"cost":    costUSD,
	})
	return nil
}

// ListAll returns a team's tasks ordered by priority ascending, then
// insertion order.
func (m *Manager) ListAll(ctx context.Context, teamID string) ([]*store.Task, error) {
	return m.store.ListTasks(ctx, teamID)
}

// ListWithDeps returns a team's tasks plus their dependencies, batch
// loaded in one query.
func (m *Manager) ListWithDeps(ctx context.Context, teamID string) ([]*store.Task, map[string][]*store.TaskDep, error) {
	list, err := m.store.ListTasks(ctx, teamID)
	if err != nil {
		return nil, nil, fmt.Errorf("tasks: list %s: %w", teamID, err)
	}
	ids := make([]string, len(list))
	for i, t := range list {
		ids[i] = t.ID
	}

	deps, err := m.store.DepsForTasks(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("tasks: deps %s: %w", teamID, err)
	}
	byTask := make(map[string][]*store.TaskDep)
	for _, d := range deps {
		byTask[d.TaskID] = append(byTask[d.TaskID], d)
	}
	return list, byTask, nil
}

// AddDependency links task -> dependsOn with a blocks or requires edge.
// Both tasks must exist.
func (m *Manager) AddDependency(ctx context.Context, taskID, dependsOnID, depType string) error {
	if !validDepTypes[depType] {
		return fmt.Errorf("tasks: invalid dependency type %q", depType)
	}
	if taskID == dependsOnID {
		return fmt.Errorf("tasks: task cannot depend on itself")
	}
	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return fmt.Errorf("tasks: dependency task %s: %w", taskID, err)
	}
	if _, err := m.store.GetTask(ctx, dependsOnID); err != nil {
		return fmt.Errorf("tasks: dependency target %s: %w", dependsOnID, err)
	}

	d := &store.TaskDep{
		TaskID:      taskID,
		DependsOnID: dependsOnID,
		DepType:     depType,
	}
	if err := m.store.AddTaskDep(ctx, d); err != nil {
		return fmt.Errorf("tasks: add dependency: %w", err)
	}
	return nil
}

// Dependencies returns the direct dependencies of one task.
func (m *Manager) Dependencies(ctx context.Context, taskID string) ([]*store.TaskDep, error) {
	return m.store.TaskDeps(ctx, taskID)
}

// mirror publishes a task lifecycle event to the team's telemetry
// topic and the firehose.
func (m *Manager) mirror(teamID, name string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	ev := bus.Event{Name: name, Payload: payload}
	m.bus.Publish(protocol.TelemetryTopic(teamID), ev)
	m.bus.Publish(protocol.TopicTelemetryUpdates, ev)
}
