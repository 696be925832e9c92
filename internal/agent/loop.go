// Package agent runs the reason-act loop that drives every agent: build
// a context window, call the model, execute requested tools, feed the
// results back, repeat until the model produces a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/telemetry"
	"github.com/nextlevelbuilder/loom/internal/tokens"
	"github.com/nextlevelbuilder/loom/internal/tools"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// DefaultMaxIterations bounds one Run before the loop gives up.
const DefaultMaxIterations = 25

// defaultToolTimeout bounds a single tool execution.
const defaultToolTimeout = 60 * time.Second

// maxRateLimitWait caps how long one iteration blocks on the limiter
// before re-acquiring once and giving up.
const maxRateLimitWait = 5 * time.Second

var (
	// ErrMaxIterations is returned when the model never produced a
	// final answer within the iteration budget.
	ErrMaxIterations = errors.New("max iterations reached")

	// ErrRateLimited is returned when the provider limiter still has
	// no capacity after the capped wait.
	ErrRateLimited = errors.New("rate limited")
)

// PermissionDecision is the outcome of a permission check.
type PermissionDecision string

const (
	// PermissionAllowed lets the tool run immediately.
	PermissionAllowed PermissionDecision = "allowed"

	// PermissionPending suspends the run until an external decision
	// arrives; the loop returns a resumable Handle.
	PermissionPending PermissionDecision = "pending"
)

// PermissionFunc decides whether a tool call may run. The payload of a
// pending decision is carried inside the Handle so the caller can
// identify the suspended call later.
type PermissionFunc func(ctx context.Context, tool, path string) (PermissionDecision, map[string]any, error)

// RateLimitFunc reports how long the caller must wait before the next
// call to the given provider. An error aborts the run (budget
// exhaustion surfaces here).
type RateLimitFunc func(provider string) (time.Duration, error)

// EventFunc observes loop progress. Payload maps are owned by the
// receiver once emitted.
type EventFunc func(name string, payload map[string]any)

// ExecuteFunc overrides tool execution. Callers use it to wrap the
// registry with bookkeeping; it must still honor ctx cancellation.
type ExecuteFunc func(ctx context.Context, name string, args map[string]any, tc tools.Context) (any, error)

// Request is everything one Run needs. Messages is the full prior
// history including the triggering user message; the loop never
// mutates the caller's slice.
type Request struct {
	SessionID string
	TeamID    string
	AgentName string

	// Model is a "<provider>:<model_id>" string.
	Model        string
	SystemPrompt string
	Messages     []providers.Message
	Tools        *tools.Registry

	// ProjectPath roots file tools. Empty means the working directory.
	ProjectPath string

	// MaxIterations overrides DefaultMaxIterations when positive.
	MaxIterations int

	// DecisionContext and RepoMap are injected into the system prompt
	// by the window builder, each under its own token cap.
	DecisionContext string
	RepoMap         string

	OnEvent    EventFunc
	OnExecute  ExecuteFunc
	Permission PermissionFunc
	RateLimit  RateLimitFunc
}

// Result is the outcome of one Run or Resume. When Pending is set the
// run is suspended, not finished: Messages holds everything produced so
// far and must be handed back to Resume unchanged.
type Result struct {
	Text       string
	Messages   []providers.Message
	Usage      providers.Usage
	Iterations int
	Pending    *Handle
}

// Handle captures a suspended tool batch. It is JSON-serializable so a
// pending run survives a process restart.
type Handle struct {
	Call      providers.ToolCall   `json:"call"`
	Remaining []providers.ToolCall `json:"remaining,omitempty"`
	Response  string               `json:"response,omitempty"`
	Iteration int                  `json:"iteration"`
	Payload   map[string]any       `json:"payload,omitempty"`
}

// Loop executes requests against a provider registry.
type Loop struct {
	providers *providers.Registry
	logger    *slog.Logger
}

// New creates a loop. A nil logger falls back to slog.Default.
func New(reg *providers.Registry, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{providers: reg, logger: logger}
}

// Run drives the loop until the model answers, an error occurs, or a
// tool call suspends on a pending permission. On error the returned
// Result still carries the messages produced so far.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	messages := make([]providers.Message, len(req.Messages))
	copy(messages, req.Messages)
	return l.run(ctx, req, messages, 0, nil)
}

// Resume continues a run suspended by a pending permission. The tool
// result text is appended for the suspended call, the rest of its
// batch executes, and the loop picks up where it left off. Messages in
// req must be the ones the suspending Result returned.
func (l *Loop) Resume(ctx context.Context, req Request, h *Handle, toolResult string) (*Result, error) {
	if h == nil {
		return nil, errors.New("agent: resume without a handle")
	}
	messages := make([]providers.Message, len(req.Messages))
	copy(messages, req.Messages)

	messages = append(messages, providers.Message{
		Role:       "tool",
		Content:    toolResult,
		ToolCallID: h.Call.ID,
	})
	l.emit(req, protocol.LoopEventToolComplete, map[string]any{
		"tool":    h.Call.Name,
		"call_id": h.Call.ID,
		"resumed": true,
	})
	l.emit(req, protocol.LoopEventNewMessage, map[string]any{
		"role":    "tool",
		"content": toolResult,
	})
	return l.run(ctx, req, messages, h.Iteration, h.Remaining)
}

// run is the shared loop body. pending holds tool calls carried over
// from a suspended batch; they execute before the next model call.
func (l *Loop) run(ctx context.Context, req Request, messages []providers.Message, iteration int, pending []providers.ToolCall) (*Result, error) {
	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	var usage providers.Usage

	fail := func(err error) (*Result, error) {
		return &Result{Messages: messages, Usage: usage, Iterations: iteration}, err
	}

	var defs []providers.ToolDefinition
	if req.Tools != nil {
		defs = req.Tools.Definitions()
	}
	defTokens := 0
	for _, d := range defs {
		defTokens += tokens.EstimateText(d.Name + d.Description)
	}

	// Finish a batch interrupted by a permission suspension before
	// calling the model again.
	if len(pending) > 0 {
		res, err := l.execBatch(ctx, req, &messages, pending, "", iteration)
		if err != nil {
			return fail(err)
		}
		if res != nil {
			res.Usage = usage
			res.Iterations = iteration
			return res, nil
		}
	}

	for {
		if iteration >= maxIterations {
			l.logger.Warn("agent.max_iterations",
				"agent", req.AgentName,
				"session", req.SessionID,
				"iterations", iteration)
			return fail(fmt.Errorf("agent %s after %d iterations: %w", req.AgentName, iteration, ErrMaxIterations))
		}
		iteration++

		// 1. Assemble the window: system prompt plus the history tail
		// that fits the model's budget.
		window := tokens.BuildMessages(messages, req.SystemPrompt, tokens.WindowOptions{
			Model:              req.Model,
			DecisionContext:    req.DecisionContext,
			DecisionContextMax: 2000,
			RepoMap:            req.RepoMap,
			RepoMapMax:         1500,
			ToolDefTokens:      defTokens,
		})

		client, modelID, err := l.providers.ForModel(req.Model)
		if err != nil {
			return fail(err)
		}

		// 2. Hold at the rate limiter before spending tokens.
		if err := l.waitForCapacity(ctx, req, client.Name()); err != nil {
			return fail(err)
		}

		l.logger.Debug("agent.iteration",
			"agent", req.AgentName,
			"iteration", iteration,
			"messages", len(window))

		// 3. Call the model.
		llmCtx, span := telemetry.StartLLMSpan(ctx, client.Name(), modelID)
		resp, err := client.GenerateText(llmCtx, modelID, window, providers.Options{Tools: defs})
		if err != nil {
			telemetry.EndLLMSpan(span, providers.Usage{}, err)
			return fail(fmt.Errorf("llm call (%s): %w", req.Model, err))
		}
		telemetry.EndLLMSpan(span, resp.Usage, nil)
		usage.Add(resp.Usage)

		// 4. Final answer: record it and stop.
		if resp.Kind() == providers.KindFinalAnswer {
			messages = append(messages, providers.Message{Role: "assistant", Content: resp.Text})
			l.emit(req, protocol.LoopEventNewMessage, map[string]any{
				"role":    "assistant",
				"content": resp.Text,
			})
			l.emitUsage(req, usage, iteration)
			return &Result{
				Text:       resp.Text,
				Messages:   messages,
				Usage:      usage,
				Iterations: iteration,
			}, nil
		}

		// 5. Tool calls: record the assistant turn, then execute.
		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		names := make([]string, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			names[i] = tc.Name
		}
		l.emit(req, protocol.LoopEventToolCallsReceived, map[string]any{
			"tools": names,
			"count": len(resp.ToolCalls),
		})

		res, err := l.execBatch(ctx, req, &messages, resp.ToolCalls, resp.Text, iteration)
		if err != nil {
			return fail(err)
		}
		if res != nil {
			res.Usage = usage
			res.Iterations = iteration
			return res, nil
		}

		// 6. Results are in the history; let the model read them.
		l.emitUsage(req, usage, iteration)
	}
}

// waitForCapacity blocks on the provider limiter. Waits are capped;
// after one capped sleep the limiter is consulted once more, and a
// second refusal aborts the run.
func (l *Loop) waitForCapacity(ctx context.Context, req Request, provider string) error {
	if req.RateLimit == nil {
		return nil
	}
	wait, err := req.RateLimit(provider)
	if err != nil {
		return err
	}
	if wait <= 0 {
		return nil
	}
	if wait > maxRateLimitWait {
		wait = maxRateLimitWait
	}
	l.logger.Debug("agent.rate_limit_wait", "agent", req.AgentName, "provider", provider, "wait", wait)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	wait, err = req.RateLimit(provider)
	if err != nil {
		return err
	}
	if wait > 0 {
		return fmt.Errorf("provider %s has no capacity: %w", provider, ErrRateLimited)
	}
	return nil
}

// indexedResult carries one tool outcome back from a parallel batch.
type indexedResult struct {
	idx  int
	call providers.ToolCall
	text string
}

// execBatch runs a batch of tool calls. Permissions are checked in
// call order first; the first pending call suspends the run with the
// unchecked tail captured in the Handle, after the already-approved
// calls have executed. A single approved call runs inline, several run
// in parallel with results appended in call order. (nil, nil) means
// the batch completed and the loop should continue.
func (l *Loop) execBatch(ctx context.Context, req Request, messages *[]providers.Message, calls []providers.ToolCall, responseText string, iteration int) (*Result, error) {
	tc := tools.Context{
		ProjectPath: req.ProjectPath,
		SessionID:   req.SessionID,
		TeamID:      req.TeamID,
		AgentName:   req.AgentName,
		Messages:    *messages,
	}

	allowed := make([]providers.ToolCall, 0, len(calls))
	var suspended *Handle
	for i, call := range calls {
		// Unknown tools stay in the batch; execution feeds the
		// not-found error back to the model so it can recover.
		if !l.known(req, call.Name) {
			l.logger.Warn("agent.unknown_tool", "agent", req.AgentName, "tool", call.Name)
			allowed = append(allowed, call)
			continue
		}
		decision, payload, err := l.checkPermission(ctx, req, call)
		if err != nil {
			return nil, err
		}
		if decision == PermissionPending {
			suspended = &Handle{
				Call:      call,
				Remaining: append([]providers.ToolCall(nil), calls[i+1:]...),
				Response:  responseText,
				Iteration: iteration,
				Payload:   payload,
			}
			break
		}
		allowed = append(allowed, call)
	}

	switch len(allowed) {
	case 0:
	case 1:
		text := l.execOne(ctx, req, tc, allowed[0])
		l.appendToolResult(req, messages, allowed[0], text)
	default:
		l.execParallel(ctx, req, messages, tc, allowed)
	}

	if suspended != nil {
		return &Result{Text: responseText, Messages: *messages, Pending: suspended}, nil
	}
	return nil, nil
}

// execParallel fans a batch out and appends results in call order.
func (l *Loop) execParallel(ctx context.Context, req Request, messages *[]providers.Message, tc tools.Context, calls []providers.ToolCall) {
	resultCh := make(chan indexedResult, len(calls))
	for i, call := range calls {
		go func(idx int, call providers.ToolCall) {
			resultCh <- indexedResult{idx: idx, call: call, text: l.execOne(ctx, req, tc, call)}
		}(i, call)
	}

	results := make([]indexedResult, 0, len(calls))
	for range calls {
		results = append(results, <-resultCh)
	}
	sort.Slice(results, func(a, b int) bool { return results[a].idx < results[b].idx })

	for _, r := range results {
		l.appendToolResult(req, messages, r.call, r.text)
	}
}

// known reports whether the request's registry can execute the tool.
func (l *Loop) known(req Request, name string) bool {
	if req.Tools == nil {
		return false
	}
	_, ok := req.Tools.Get(name)
	return ok
}

// execOne runs a single tool call under the tool timeout and formats
// the outcome for the model.
func (l *Loop) execOne(ctx context.Context, req Request, tc tools.Context, call providers.ToolCall) string {
	if !l.known(req, call.Name) {
		return fmt.Sprintf("Error: Tool '%s' not found", call.Name)
	}

	l.emit(req, protocol.LoopEventToolExecuting, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
	})
	l.logger.Info("agent.tool_call",
		"agent", req.AgentName,
		"tool", call.Name,
		"args", len(call.Arguments))

	execCtx, cancel := context.WithTimeout(ctx, defaultToolTimeout)
	defer cancel()

	execCtx, span := telemetry.StartToolSpan(execCtx, call.Name)
	start := time.Now()

	var (
		out any
		err error
	)
	if req.OnExecute != nil {
		out, err = req.OnExecute(execCtx, call.Name, call.Arguments, tc)
	} else {
		out, err = req.Tools.Execute(execCtx, call.Name, call.Arguments, tc)
	}
	if err == nil && execCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("tool %s timed out after %s", call.Name, defaultToolTimeout)
	}
	telemetry.EndToolSpan(span, err)

	text := FormatResult(out, err)
	if err != nil {
		preview := text
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		l.logger.Warn("agent.tool_failed",
			"agent", req.AgentName,
			"tool", call.Name,
			"error", preview)
	}
	l.logger.Debug("agent.tool_done",
		"agent", req.AgentName,
		"tool", call.Name,
		"duration", time.Since(start),
		"result_len", len(text))
	return text
}

// appendToolResult records one tool outcome in the history and emits
// the matching loop events.
func (l *Loop) appendToolResult(req Request, messages *[]providers.Message, call providers.ToolCall, text string) {
	*messages = append(*messages, providers.Message{
		Role:       "tool",
		Content:    text,
		ToolCallID: call.ID,
	})
	l.emit(req, protocol.LoopEventToolComplete, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
	})
	l.emit(req, protocol.LoopEventNewMessage, map[string]any{
		"role":    "tool",
		"content": text,
	})
}

// checkPermission consults the permission callback with the tool name
// and the path-like argument it targets.
func (l *Loop) checkPermission(ctx context.Context, req Request, call providers.ToolCall) (PermissionDecision, map[string]any, error) {
	if req.Permission == nil {
		return PermissionAllowed, nil, nil
	}
	return req.Permission(ctx, call.Name, callPath(call.Arguments))
}

// callPath extracts the path-like argument a permission scope matches
// against. Tools without one use the wildcard scope.
func callPath(args map[string]any) string {
	for _, key := range []string{"file_path", "path", "command"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return "*"
}

func (l *Loop) emit(req Request, name string, payload map[string]any) {
	if req.OnEvent == nil {
		return
	}
	req.OnEvent(name, payload)
}

func (l *Loop) emitUsage(req Request, usage providers.Usage, iteration int) {
	l.emit(req, protocol.LoopEventUsage, map[string]any{
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"cost_usd":      usage.TotalCost,
		"iteration":     iteration,
	})
}
