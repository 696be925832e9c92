package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/tasks"
)

// Spawner starts new agents on a team. Implemented by the team manager.
type Spawner interface {
	SpawnAgent(ctx context.Context, teamID, name, role string) error
}

// RoleChanger switches a live agent to another role. Implemented by the
// team manager.
type RoleChanger interface {
	ChangeRole(ctx context.Context, teamID, agentName, newRole string) error
}

// TeamSpawnTool adds a teammate with a given role.
type TeamSpawnTool struct {
	spawner Spawner
}

func NewTeamSpawnTool(s Spawner) *TeamSpawnTool {
	return &TeamSpawnTool{spawner: s}
}

func (t *TeamSpawnTool) Name() string { return "team_spawn" }

func (t *TeamSpawnTool) Description() string {
	return "Spawn a new agent onto your team with a configured role"
}

func (t *TeamSpawnTool) Parameters() []Param {
	return []Param{
		{Name: "name", Type: "string", Required: true, Description: "Unique agent name within the team"},
		{Name: "role", Type: "string", Required: true, Description: "Configured role name, e.g. coder or reviewer"},
	}
}

func (t *TeamSpawnTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	name, err := RequireStr(params, "name")
	if err != nil {
		return nil, err
	}
	role, err := RequireStr(params, "role")
	if err != nil {
		return nil, err
	}
	if err := t.spawner.SpawnAgent(ctx, scopeID(tc), name, role); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Agent %s spawned with role %s.", name, role), nil
}

// TeamAssignTool hands a task to a teammate.
type TeamAssignTool struct {
	tasks *tasks.Manager
}

func NewTeamAssignTool(m *tasks.Manager) *TeamAssignTool {
	return &TeamAssignTool{tasks: m}
}

func (t *TeamAssignTool) Name() string { return "team_assign" }

func (t *TeamAssignTool) Description() string {
	return "Assign a task to a teammate; they receive it as a task_assigned message"
}

func (t *TeamAssignTool) Parameters() []Param {
	return []Param{
		{Name: "task_id", Type: "string", Required: true, Description: "Id of the task to assign"},
		{Name: "agent_name", Type: "string", Required: true, Description: "Teammate to assign it to"},
	}
}

func (t *TeamAssignTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	taskID, err := RequireStr(params, "task_id")
	if err != nil {
		return nil, err
	}
	agentName, err := RequireStr(params, "agent_name")
	if err != nil {
		return nil, err
	}
	task, err := t.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.TeamID != scopeID(tc) {
		return nil, fmt.Errorf("task %s belongs to another team", taskID)
	}
	if err := t.tasks.Assign(ctx, taskID, agentName); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Task %s assigned to %s.", taskID, agentName), nil
}

// TeamProgressTool reports the team's task board.
type TeamProgressTool struct {
	tasks *tasks.Manager
}

func NewTeamProgressTool(m *tasks.Manager) *TeamProgressTool {
	return &TeamProgressTool{tasks: m}
}

func (t *TeamProgressTool) Name() string { return "team_progress" }

func (t *TeamProgressTool) Description() string {
	return "List the team's tasks with status, owner, and dependencies"
}

func (t *TeamProgressTool) Parameters() []Param {
	return []Param{
		{Name: "team_id", Type: "string", Description: "Your team id; defaults to the current team"},
	}
}

func (t *TeamProgressTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	teamID, err := checkTeam(params, tc)
	if err != nil {
		return nil, err
	}
	list, deps, err := t.tasks.ListWithDeps(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return "No tasks yet.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tasks (%d):\n", len(list))
	for _, task := range list {
		fmt.Fprintf(&b, "- [%s] %s (p%d, %s", task.ID, task.Title, task.Priority, task.Status)
		if task.Owner != "" {
			fmt.Fprintf(&b, ", owner=%s", task.Owner)
		}
		b.WriteByte(')')
		if ds := deps[task.ID]; len(ds) > 0 {
			ids := make([]string, len(ds))
			for i, d := range ds {
				ids[i] = fmt.Sprintf("%s %s", d.DepType, d.DependsOnID)
			}
			fmt.Fprintf(&b, " deps: %s", strings.Join(ids, ", "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// PeerCreateTaskTool files a new task on the team board.
type PeerCreateTaskTool struct {
	tasks *tasks.Manager
}

func NewPeerCreateTaskTool(m *tasks.Manager) *PeerCreateTaskTool {
	return &PeerCreateTaskTool{tasks: m}
}

func (t *PeerCreateTaskTool) Name() string { return "peer_create_task" }

func (t *PeerCreateTaskTool) Description() string {
	return "Create a task on the team board, optionally assigned to a teammate right away"
}

func (t *PeerCreateTaskTool) Parameters() []Param {
	return []Param{
		{Name: "title", Type: "string", Required: true, Description: "Short task title"},
		{Name: "description", Type: "string", Description: "Longer task description"},
		{Name: "priority", Type: "integer", Description: "1 (highest) to 5 (lowest); defaults to 3"},
		{Name: "assignee", Type: "string", Description: "Teammate to assign immediately"},
		{Name: "model_hint", Type: "string", Description: "Model to suggest for executing the task"},
		{Name: "depends_on", Type: "string", Description: "Task id this one requires"},
	}
}

func (t *PeerCreateTaskTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	title, err := RequireStr(params, "title")
	if err != nil {
		return nil, err
	}

	task, err := t.tasks.Create(ctx, &store.Task{
		TeamID:      scopeID(tc),
		Title:       title,
		Description: Str(params, "description"),
		Priority:    Int(params, "priority"),
		ModelHint:   Str(params, "model_hint"),
	})
	if err != nil {
		return nil, err
	}

	if dep := Str(params, "depends_on"); dep != "" {
		if err := t.tasks.AddDependency(ctx, task.ID, dep, store.DepRequires); err != nil {
			return nil, fmt.Errorf("task %s created but dependency failed: %w", task.ID, err)
		}
	}
	if assignee := Str(params, "assignee"); assignee != "" {
		if err := t.tasks.Assign(ctx, task.ID, assignee); err != nil {
			return nil, fmt.Errorf("task %s created but assignment failed: %w", task.ID, err)
		}
		return map[string]any{
			"result":  fmt.Sprintf("Task %s created and assigned to %s.", task.ID, assignee),
			"task_id": task.ID,
		}, nil
	}
	return map[string]any{
		"result":  fmt.Sprintf("Task %s created.", task.ID),
		"task_id": task.ID,
	}, nil
}

// PeerChangeRoleTool switches a teammate (or the caller) to another
// configured role.
type PeerChangeRoleTool struct {
	changer RoleChanger
}

func NewPeerChangeRoleTool(c RoleChanger) *PeerChangeRoleTool {
	return &PeerChangeRoleTool{changer: c}
}

func (t *PeerChangeRoleTool) Name() string { return "peer_change_role" }

func (t *PeerChangeRoleTool) Description() string {
	return "Change an agent's role; their tools and system prompt switch to the new role's configuration"
}

func (t *PeerChangeRoleTool) Parameters() []Param {
	return []Param{
		{Name: "agent_name", Type: "string", Description: "Teammate to change; defaults to yourself"},
		{Name: "role", Type: "string", Required: true, Description: "New role name"},
	}
}

func (t *PeerChangeRoleTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	role, err := RequireStr(params, "role")
	if err != nil {
		return nil, err
	}
	agentName := Str(params, "agent_name")
	if agentName == "" {
		agentName = tc.AgentName
	}
	if err := t.changer.ChangeRole(ctx, scopeID(tc), agentName, role); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Agent %s now has role %s.", agentName, role), nil
}
