// Package session runs the solo, team-of-one orchestrator. A session
// drives the same loop team agents use, but tool calls that are not
// covered by the policy engine suspend the run and wait for the user:
// the session broadcasts a permission_request on its topic and resumes
// once HandlePermissionResponse delivers the answer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loom/internal/agent"
	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/policy"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/ratelimit"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/tools"
	"github.com/nextlevelbuilder/loom/internal/usage"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

const (
	defaultSystemPrompt = "You are a capable software agent working directly with a user on their project."

	// denialText is what the model sees when the user denies a tool.
	denialText = "Error: permission denied by the user"

	toolTimeout = 60 * time.Second
)

// ErrPermissionPending rejects a new message while an earlier run is
// still suspended on an unanswered permission request.
var ErrPermissionPending = errors.New("session: a permission request is awaiting an answer")

// Deps wires a session to the runtime.
type Deps struct {
	Loop     *agent.Loop
	Bus      *bus.Bus
	Sessions store.SessionStore
	Tools    *tools.Registry
	Policy   *policy.Engine
	Guard    *ratelimit.Guard
	Tracker  *usage.CostTracker
	Config   *config.Config
	Logger   *slog.Logger
}

// PermissionRequest describes one tool call waiting for the user.
type PermissionRequest struct {
	ID   string         `json:"id"`
	Tool string         `json:"tool"`
	Path string         `json:"path"`
	Args map[string]any `json:"args,omitempty"`
}

// Reply is the outcome of one exchange. When Pending is set the run is
// suspended and the caller must answer through HandlePermissionResponse.
type Reply struct {
	Text    string
	Pending *PermissionRequest
}

// pendingRun is a suspended loop waiting for a permission answer. When
// waiter is set a run is blocked in-process on the answer (architect
// mode); otherwise HandlePermissionResponse resumes the loop itself.
type pendingRun struct {
	id     string
	handle *agent.Handle
	req    agent.Request
	waiter chan string
}

// Session is the solo orchestrator bound to one session row.
type Session struct {
	id     string
	deps   Deps
	logger *slog.Logger

	// sendMu serializes runs; mu guards the fields below.
	sendMu sync.Mutex
	mu     sync.Mutex

	model     string
	project   string
	messages  []providers.Message
	persisted int
	pending   *pendingRun
}

// Open loads an existing session or creates a new one when id is empty
// or unknown. History is reloaded from the store.
func Open(ctx context.Context, id string, d Deps) (*Session, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	model := d.Config.Model.Default

	var row *store.Session
	if id != "" {
		existing, err := d.Sessions.GetSession(ctx, id)
		switch {
		case err == nil:
			row = existing
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
	}
	if row == nil {
		row = &store.Session{ID: id, Title: "solo session", Model: model}
		if err := d.Sessions.CreateSession(ctx, row); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	if row.Model != "" {
		model = row.Model
	}

	s := &Session{
		id:      row.ID,
		deps:    d,
		logger:  d.Logger.With("session", row.ID),
		model:   model,
		project: row.ProjectPath,
	}

	history, err := d.Sessions.Messages(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	for _, m := range history {
		s.messages = append(s.messages, providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	s.persisted = len(s.messages)

	s.logger.Info("session.opened", "model", model, "history", len(s.messages))
	return s, nil
}

// ID returns the stable session identifier.
func (s *Session) ID() string { return s.id }

// Model returns the model the next run will use.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Messages returns a copy of the working history.
func (s *Session) Messages() []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]providers.Message(nil), s.messages...)
}

// SendMessage runs one exchange. A nil Pending on the reply means the
// model answered; otherwise the run is suspended on a tool approval.
func (s *Session) SendMessage(ctx context.Context, content string) (*Reply, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrPermissionPending
	}
	s.messages = append(s.messages, providers.Message{Role: "user", Content: content})
	snapshot := append([]providers.Message(nil), s.messages...)
	model := s.model
	s.mu.Unlock()

	s.persistNew(ctx)

	req := s.request(model, snapshot)
	res, err := s.deps.Loop.Run(ctx, req)
	return s.settle(ctx, req, res, err)
}

// HandlePermissionResponse answers the pending permission request.
// For a detached suspension it executes or denies the tool and resumes
// the loop, returning the next reply. When the answer feeds a run that
// is blocked in-process (architect mode) the reply is nil and the
// outcome arrives from that run instead.
func (s *Session) HandlePermissionResponse(ctx context.Context, requestID, action string) (*Reply, error) {
	switch action {
	case protocol.ActionAllowOnce, protocol.ActionAllowAlways, protocol.ActionDeny:
	default:
		return nil, fmt.Errorf("unknown permission action %q", action)
	}

	s.mu.Lock()
	p := s.pending
	if p == nil || p.id != requestID {
		s.mu.Unlock()
		return nil, fmt.Errorf("no pending permission request %q", requestID)
	}
	s.pending = nil
	s.mu.Unlock()

	s.deps.Bus.Publish(protocol.SessionTopic(s.id), bus.Event{
		Name:    protocol.EventPermissionResponse,
		From:    s.id,
		Payload: map[string]any{"request_id": requestID, "action": action},
	})

	if p.waiter != nil {
		p.waiter <- action
		return nil, nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	text := s.resolve(ctx, p.handle.Call, action)
	res, err := s.deps.Loop.Resume(ctx, p.req, p.handle, text)
	return s.settle(ctx, p.req, res, err)
}

// resolve turns a permission answer into the tool result text the model
// will see.
func (s *Session) resolve(ctx context.Context, call providers.ToolCall, action string) string {
	if action == protocol.ActionDeny {
		return denialText
	}
	if action == protocol.ActionAllowAlways {
		scope := policy.ScopeAny
		if p := callPath(call.Arguments); p != "" {
			scope = p
		}
		if err := s.deps.Policy.Grant(ctx, s.id, call.Name, scope); err != nil {
			s.logger.Warn("session.grant_failed", "tool", call.Name, "error", err)
		}
	}
	return s.execute(ctx, call)
}

// execute runs an approved tool outside the loop.
func (s *Session) execute(ctx context.Context, call providers.ToolCall) string {
	tc := tools.Context{
		ProjectPath: s.project,
		SessionID:   s.id,
		AgentName:   "session",
	}
	cctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	out, err := s.deps.Tools.Execute(cctx, call.Name, call.Arguments, tc)
	if err != nil {
		s.logger.Warn("session.tool_failed", "tool", call.Name, "error", err)
	}
	return agent.FormatResult(out, err)
}

// settle adopts a run's messages, accounts usage, and shapes the reply.
func (s *Session) settle(ctx context.Context, req agent.Request, res *agent.Result, err error) (*Reply, error) {
	if res == nil {
		return nil, err
	}
	s.adopt(res.Messages)
	s.persistNew(ctx)
	s.account(ctx, res.Usage)
	if err != nil {
		return nil, err
	}

	if res.Pending == nil {
		return &Reply{Text: res.Text}, nil
	}

	req.Messages = res.Messages
	pr := s.hold(req, res.Pending, nil)
	return &Reply{Pending: pr}, nil
}

// hold parks a suspended run and broadcasts the permission request.
func (s *Session) hold(req agent.Request, h *agent.Handle, waiter chan string) *PermissionRequest {
	p := &pendingRun{
		id:     uuid.NewString(),
		handle: h,
		req:    req,
		waiter: waiter,
	}
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()

	pr := &PermissionRequest{
		ID:   p.id,
		Tool: h.Call.Name,
		Path: callPath(h.Call.Arguments),
		Args: h.Call.Arguments,
	}
	s.deps.Bus.Publish(protocol.SessionTopic(s.id), bus.Event{
		Name: protocol.EventPermissionRequest,
		From: s.id,
		Payload: map[string]any{
			"request_id": pr.ID,
			"tool":       pr.Tool,
			"path":       pr.Path,
			"args":       pr.Args,
		},
	})
	s.logger.Info("session.permission_request", "request_id", pr.ID, "tool", pr.Tool, "path", pr.Path)
	return pr
}

// request builds the loop request for one run.
func (s *Session) request(model string, messages []providers.Message) agent.Request {
	maxIterations := 0
	if s.deps.Config != nil {
		maxIterations = s.deps.Config.Agent.MaxIterations
	}
	return agent.Request{
		SessionID:     s.id,
		AgentName:     "session",
		Model:         model,
		SystemPrompt:  s.systemPrompt(),
		Messages:      messages,
		Tools:         s.deps.Tools,
		ProjectPath:   s.project,
		MaxIterations: maxIterations,
		OnEvent:       s.rebroadcast,
		Permission:    s.permission,
		RateLimit:     s.acquire,
	}
}

func (s *Session) systemPrompt() string {
	if s.deps.Config != nil {
		if role, ok := s.deps.Config.Roles["solo"]; ok && role.SystemPrompt != "" {
			return role.SystemPrompt
		}
	}
	return defaultSystemPrompt
}

// permission consults the policy engine. Anything it does not cover
// suspends the run for the user.
func (s *Session) permission(ctx context.Context, tool, path string) (agent.PermissionDecision, map[string]any, error) {
	if s.deps.Policy == nil {
		return agent.PermissionAllowed, nil, nil
	}
	decision, err := s.deps.Policy.Check(ctx, s.id, tool, path)
	if err != nil {
		return agent.PermissionPending, nil, err
	}
	if decision == policy.DecisionAllowed {
		return agent.PermissionAllowed, nil, nil
	}
	return agent.PermissionPending, map[string]any{"path": path}, nil
}

func (s *Session) acquire(provider string) (time.Duration, error) {
	if s.deps.Guard == nil {
		return 0, nil
	}
	return s.deps.Guard.AcquireOrBudget(s.id, provider, 1)
}

func (s *Session) rebroadcast(name string, payload map[string]any) {
	s.deps.Bus.Publish(protocol.SessionTopic(s.id), bus.Event{
		Name:    name,
		From:    s.id,
		Payload: payload,
	})
}

// adopt replaces the working history with a run's result.
func (s *Session) adopt(result []providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages[:0:0], result...)
	if s.persisted > len(s.messages) {
		s.persisted = len(s.messages)
	}
}

// persistNew appends unpersisted working messages to the store.
func (s *Session) persistNew(ctx context.Context) {
	s.mu.Lock()
	pending := make([]providers.Message, 0, len(s.messages)-s.persisted)
	for i := s.persisted; i < len(s.messages); i++ {
		pending = append(pending, s.messages[i])
	}
	from := s.persisted
	s.mu.Unlock()

	done := 0
	for _, m := range pending {
		err := s.deps.Sessions.AppendMessage(ctx, &store.Message{
			SessionID:  s.id,
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
		if err != nil {
			s.logger.Warn("session.persist_failed", "error", err)
			break
		}
		done++
	}

	s.mu.Lock()
	if s.persisted == from {
		s.persisted += done
	}
	s.mu.Unlock()
}

func (s *Session) account(ctx context.Context, u providers.Usage) {
	if u == (providers.Usage{}) {
		return
	}
	s.mu.Lock()
	model := s.model
	s.mu.Unlock()

	// The budget delegates the per-agent tally to the tracker, so a
	// wired budget is the single entry point.
	if s.deps.Guard != nil && s.deps.Guard.Budget != nil {
		s.deps.Guard.Budget.RecordUsage(s.id, "session", u, model, "")
	} else if s.deps.Tracker != nil {
		s.deps.Tracker.AddCall(s.id, "session", u, model, "")
	}
	if err := s.deps.Sessions.AccumulateUsage(ctx, s.id, u.InputTokens, u.OutputTokens, u.TotalCost); err != nil {
		s.logger.Warn("session.usage_persist_failed", "error", err)
	}
}

// callPath mirrors the loop's permission path derivation.
func callPath(args map[string]any) string {
	for _, key := range []string{"file_path", "path", "command"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
