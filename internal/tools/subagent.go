package tools

import (
	"context"
	"fmt"
)

// SubAgentRunner executes a one-shot sub-agent and returns its final
// answer. Implemented by the team manager.
type SubAgentRunner interface {
	RunSubAgent(ctx context.Context, teamID, role, task, modelHint string) (string, error)
}

// SubAgentTool runs a focused task on a throwaway agent and returns the
// result inline. The sub-agent gets the role's tools but cannot spawn
// further sub-agents.
type SubAgentTool struct {
	runner SubAgentRunner
}

func NewSubAgentTool(r SubAgentRunner) *SubAgentTool {
	return &SubAgentTool{runner: r}
}

func (t *SubAgentTool) Name() string { return "sub_agent" }

func (t *SubAgentTool) Description() string {
	return "Delegate a focused task to a one-shot sub-agent and get its answer back inline"
}

func (t *SubAgentTool) Parameters() []Param {
	return []Param{
		{Name: "task", Type: "string", Required: true, Description: "What the sub-agent should do, with all context it needs"},
		{Name: "role", Type: "string", Description: "Role for the sub-agent; defaults to the caller's role"},
		{Name: "model", Type: "string", Description: "Model override, e.g. provider:model_id"},
	}
}

func (t *SubAgentTool) Execute(ctx context.Context, params map[string]any, tc Context) (any, error) {
	task, err := RequireStr(params, "task")
	if err != nil {
		return nil, err
	}
	result, err := t.runner.RunSubAgent(ctx, scopeID(tc), Str(params, "role"), task, Str(params, "model"))
	if err != nil {
		return nil, fmt.Errorf("sub-agent failed: %w", err)
	}
	return result, nil
}
