package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/loom/internal/agent"
	"github.com/nextlevelbuilder/loom/internal/providers"
)

const architectPlanPrompt = `You are a software architect. Produce an implementation plan for the ` +
	`user's request as a JSON array and nothing else. Each element has the shape ` +
	`{"file": "<path>", "action": "create|modify|delete", "description": "<one line>", ` +
	`"details": "<what the implementer needs to know>"}. Order the steps so each ` +
	`builds on the previous ones.`

const architectExecutePrompt = `You are implementing a reviewed plan one step at a time. ` +
	`Use the available tools to apply the step exactly as described, then report ` +
	`briefly what you changed.`

// PlanItem is one step of an architect plan.
type PlanItem struct {
	File        string `json:"file"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Details     string `json:"details,omitempty"`
}

// StepResult pairs a plan item with the executor's report for it.
type StepResult struct {
	Item   PlanItem `json:"item"`
	Result string   `json:"result"`
}

// ArchitectResult carries the plan and what happened to each step.
type ArchitectResult struct {
	Plan  []PlanItem   `json:"plan"`
	Steps []StepResult `json:"steps"`
}

// Architect runs the two-phase plan-then-execute mode: the architect
// model writes a JSON plan, then the editor model applies it step by
// step. Permission suspensions block in-process until the user answers
// through HandlePermissionResponse.
func (s *Session) Architect(ctx context.Context, request string) (*ArchitectResult, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrPermissionPending
	}
	s.messages = append(s.messages, providers.Message{Role: "user", Content: request})
	snapshot := append([]providers.Message(nil), s.messages...)
	s.mu.Unlock()
	s.persistNew(ctx)

	planModel := s.architectModel()
	editModel := s.editorModel()

	// Phase 1: plan. No tools, the answer must be pure JSON.
	planReq := s.request(planModel, snapshot)
	planReq.SystemPrompt = architectPlanPrompt
	planReq.Tools = nil
	res, err := s.runResolving(ctx, planReq)
	if res != nil {
		s.adopt(res.Messages)
		s.persistNew(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("architect plan: %w", err)
	}
	plan, err := ParsePlan(res.Text)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session.architect_plan", "model", planModel, "steps", len(plan))

	// Phase 2: execute each step on the editor model, carrying the
	// conversation forward so later steps see earlier work.
	out := &ArchitectResult{Plan: plan}
	current := res.Messages
	for i, item := range plan {
		prompt := stepPrompt(i+1, len(plan), item)
		current = append(current, providers.Message{Role: "user", Content: prompt})

		req := s.request(editModel, current)
		req.SystemPrompt = architectExecutePrompt
		res, err = s.runResolving(ctx, req)
		if res != nil {
			s.adopt(res.Messages)
			s.persistNew(ctx)
			current = res.Messages
		}
		if err != nil {
			return out, fmt.Errorf("architect step %d (%s): %w", i+1, item.File, err)
		}
		out.Steps = append(out.Steps, StepResult{Item: item, Result: res.Text})
		s.logger.Info("session.architect_step_done", "step", i+1, "file", item.File)
	}
	return out, nil
}

// runResolving drives one loop invocation to completion, blocking on
// each permission suspension until HandlePermissionResponse delivers
// the user's answer.
func (s *Session) runResolving(ctx context.Context, req agent.Request) (*agent.Result, error) {
	res, err := s.deps.Loop.Run(ctx, req)
	for {
		if res != nil {
			s.account(ctx, res.Usage)
		}
		if err != nil || res == nil || res.Pending == nil {
			return res, err
		}

		req.Messages = res.Messages
		waiter := make(chan string, 1)
		s.hold(req, res.Pending, waiter)

		select {
		case action := <-waiter:
			text := s.resolve(ctx, res.Pending.Call, action)
			res, err = s.deps.Loop.Resume(ctx, req, res.Pending, text)
		case <-ctx.Done():
			s.mu.Lock()
			s.pending = nil
			s.mu.Unlock()
			return res, ctx.Err()
		}
	}
}

// ParsePlan extracts the JSON plan from a model answer, tolerating
// prose around the array.
func ParsePlan(text string) ([]PlanItem, error) {
	raw := text
	if start := strings.Index(raw, "["); start >= 0 {
		if end := strings.LastIndex(raw, "]"); end > start {
			raw = raw[start : end+1]
		}
	}

	var plan []PlanItem
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("architect: plan is not a JSON array: %w", err)
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("architect: plan is empty")
	}
	return plan, nil
}

func stepPrompt(n, total int, item PlanItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Apply step %d of %d.\n", n, total)
	fmt.Fprintf(&b, "File: %s\nAction: %s\nGoal: %s\n", item.File, item.Action, item.Description)
	if item.Details != "" {
		fmt.Fprintf(&b, "Details: %s\n", item.Details)
	}
	return b.String()
}

func (s *Session) architectModel() string {
	if m := s.deps.Config.Model.Architect; m != "" {
		return m
	}
	return s.deps.Config.Model.Default
}

func (s *Session) editorModel() string {
	if m := s.deps.Config.Model.Editor; m != "" {
		return m
	}
	return s.deps.Config.Model.Default
}
