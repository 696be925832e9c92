package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/graph"
	"github.com/nextlevelbuilder/loom/internal/keeper"
	"github.com/nextlevelbuilder/loom/internal/models"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/ratelimit"
	"github.com/nextlevelbuilder/loom/internal/registry"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/tasks"
	"github.com/nextlevelbuilder/loom/internal/tools"
	"github.com/nextlevelbuilder/loom/internal/usage"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// Agent statuses, visible through the registry and agent_status events.
const (
	StatusIdle    = "idle"
	StatusWorking = "working"
	StatusBlocked = "blocked"
	StatusError   = "error"
)

// ErrPermissionNotSupported is returned when a run suspends on a
// permission request inside a team agent. Team agents auto-approve;
// only solo sessions take interactive decisions.
var ErrPermissionNotSupported = errors.New("interactive permission not supported for team agents")

// keeperIndexToken marks where the keeper index lands in a role's
// system prompt. Prompts without it get the index appended under a
// fixed heading.
const keeperIndexToken = "{keeper_index}"

// Deps bundles the shared runtime collaborators an agent works with.
// Bus, Registry, Sessions, Loop and Config are required; the rest
// degrade to no-ops when nil.
type Deps struct {
	Loop     *Loop
	Bus      *bus.Bus
	Registry *registry.Registry
	Sessions store.SessionStore
	Tools    *tools.Registry
	Keepers  *keeper.Manager
	Graph    *graph.Graph
	Tasks    *tasks.Manager
	Router   *models.Router
	Guard    *ratelimit.Guard
	Tracker  *usage.CostTracker
	Config   *config.Config

	ProjectPath string
	Logger      *slog.Logger
}

// Agent is one team member: a bus-driven worker wrapping the loop with
// role config, model escalation, and message persistence.
type Agent struct {
	teamID string
	name   string

	deps   Deps
	logger *slog.Logger

	// sendMu serializes message sends; mu guards the mutable state
	// below, which bus handlers touch concurrently.
	sendMu sync.Mutex
	mu     sync.Mutex

	role        string
	roleCfg     config.RoleConfig
	model       string
	status      string
	currentTask string
	failures    int

	messages  []providers.Message
	queued    []providers.Message
	persisted int
	trimRun   int

	peerContext map[string]any
	tools       *tools.Registry

	done      chan struct{}
	crashed   chan struct{}
	crashOnce sync.Once
	stopOnce  sync.Once
}

// NewAgent builds an agent for a configured role. The role must exist
// in the configuration.
func NewAgent(teamID, name, role string, d Deps) (*Agent, error) {
	rc, ok := d.Config.Role(role)
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		teamID:      teamID,
		name:        name,
		deps:        d,
		logger:      logger.With("team", teamID, "agent", name),
		role:        role,
		roleCfg:     rc,
		status:      StatusIdle,
		peerContext: make(map[string]any),
		done:        make(chan struct{}),
		crashed:     make(chan struct{}),
	}
	if d.Router != nil {
		a.model = d.Router.Select(role, "")
	}
	if a.model == "" {
		a.model = d.Config.Model.Default
	}
	a.tools = a.subsetTools(rc)
	return a, nil
}

// Start loads persisted state, registers the agent, and subscribes to
// its team and agent topics.
func (a *Agent) Start(ctx context.Context) error {
	if _, err := a.deps.Sessions.GetSession(ctx, a.sessionID()); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load agent session: %w", err)
		}
		sess := &store.Session{
			ID:          a.sessionID(),
			Title:       fmt.Sprintf("%s (%s)", a.name, a.role),
			Model:       a.model,
			ProjectPath: a.deps.ProjectPath,
		}
		if err := a.deps.Sessions.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("create agent session: %w", err)
		}
	}

	stored, err := a.deps.Sessions.Messages(ctx, a.sessionID())
	if err != nil {
		return fmt.Errorf("load agent messages: %w", err)
	}
	a.mu.Lock()
	a.messages = a.messages[:0]
	for _, m := range stored {
		a.messages = append(a.messages, providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	a.persisted = len(a.messages)
	a.mu.Unlock()

	meta := map[string]string{
		"role":   a.role,
		"status": StatusIdle,
		"model":  a.model,
	}
	if err := a.deps.Registry.Register(a.key(), a, meta, a.done); err != nil {
		return err
	}
	a.deps.Bus.SubscribeMany(
		[]string{protocol.TeamTopic(a.teamID), protocol.AgentTopic(a.teamID, a.name)},
		a.busID(),
		a.handleEvent,
	)
	a.logger.Info("agent.started", "role", a.role, "model", a.model, "history", len(stored))
	return nil
}

// Stop unsubscribes and unregisters the agent. Safe to call twice.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.deps.Bus.UnsubscribeAll(a.busID())
		close(a.done)
		a.logger.Info("agent.stopped")
	})
}

// Crashed is closed after a panic in one of the agent's goroutines.
// Supervisors replace the agent with a fresh instance, which reloads
// its history from the store.
func (a *Agent) Crashed() <-chan struct{} {
	return a.crashed
}

// crash records a recovered panic and signals the supervisor.
func (a *Agent) crash(v any) {
	a.crashOnce.Do(func() {
		a.logger.Error("agent.panic", "panic", v)
		a.mu.Lock()
		a.status = StatusError
		a.mu.Unlock()
		a.deps.Registry.UpdateMeta(a.key(), func(m map[string]string) { m["status"] = StatusError })
		close(a.crashed)
	})
}

func (a *Agent) key() registry.Key { return registry.Key{TeamID: a.teamID, Name: a.name} }
func (a *Agent) busID() string     { return "agent:" + a.teamID + ":" + a.name }
func (a *Agent) sessionID() string { return a.teamID + ":" + a.name }
func (a *Agent) Name() string      { return a.name }
func (a *Agent) TeamID() string    { return a.teamID }

// Role returns the agent's current role name.
func (a *Agent) Role() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

// Model returns the model the next run will use.
func (a *Agent) Model() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

// SetModelHint re-selects the model with a task hint. Bare tier labels
// and full "<provider>:<model>" strings both work.
func (a *Agent) SetModelHint(hint string) {
	if hint == "" || a.deps.Router == nil {
		return
	}
	a.mu.Lock()
	a.model = a.deps.Router.Select(a.role, hint)
	model := a.model
	a.mu.Unlock()
	a.deps.Registry.UpdateMeta(a.key(), func(m map[string]string) { m["model"] = model })
}

// Status returns the agent's current status.
func (a *Agent) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// PeerContext returns the opaque payload a peer last shared, if any.
func (a *Agent) PeerContext(peer string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.peerContext[peer]
	return v, ok
}

// Messages returns a snapshot of the agent's working history.
func (a *Agent) Messages() []providers.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]providers.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// SendMessage runs one synchronous exchange and returns the final
// answer text.
func (a *Agent) SendMessage(ctx context.Context, content string) (string, error) {
	res, err := a.send(ctx, content)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// send is the full send-message cycle: status broadcast, loop run,
// one-shot escalation on failure, usage accounting, persistence.
func (a *Agent) send(ctx context.Context, content string) (*Result, error) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	a.setStatus(StatusWorking)
	defer a.setStatus(StatusIdle)

	a.mu.Lock()
	a.drainQueuedLocked()
	a.messages = append(a.messages, providers.Message{Role: "user", Content: content})
	snapshot := make([]providers.Message, len(a.messages))
	copy(snapshot, a.messages)
	snapLen := len(snapshot)
	model := a.model
	task := a.currentTask
	rc := a.roleCfg
	a.trimRun = 0
	a.mu.Unlock()

	a.persistNew(ctx)

	res, err := a.run(ctx, snapshot, model, task, rc)

	if err != nil && a.escalatable(task) {
		next, eerr := a.deps.Router.Escalate(model)
		if eerr == nil {
			a.mu.Lock()
			a.failures++
			a.mu.Unlock()
			a.logger.Info("agent.escalating", "from", model, "to", next, "task", task)
			if a.deps.Tracker != nil {
				a.deps.Tracker.RecordEscalation(a.teamID, a.name, model, next)
			}
			esc := bus.Event{
				Name: protocol.EventEscalation,
				From: a.name,
				Payload: map[string]any{
					"from_model": model,
					"to_model":   next,
					"task_id":    task,
				},
			}
			a.deps.Bus.Publish(protocol.TeamTopic(a.teamID), esc)
			a.mirror(esc)
			res2, err2 := a.run(ctx, snapshot, next, task, rc)
			if res2 != nil {
				res = res2
			}
			if err2 == nil {
				a.mu.Lock()
				a.model = next
				a.failures = 0
				a.mu.Unlock()
				a.deps.Registry.UpdateMeta(a.key(), func(m map[string]string) { m["model"] = next })
				err = nil
			} else {
				err = err2
			}
		} else if !errors.Is(eerr, models.ErrEscalationDisabled) && !errors.Is(eerr, models.ErrMaxReached) {
			a.logger.Warn("agent.escalation_failed", "error", eerr)
		}
	}

	if res != nil {
		a.adopt(res.Messages, snapLen)
		a.persistNew(ctx)
		a.account(ctx, res.Usage)
	}

	if err != nil {
		return res, err
	}
	if res.Pending != nil {
		return res, ErrPermissionNotSupported
	}

	a.mu.Lock()
	a.failures = 0
	a.mu.Unlock()
	if task != "" && a.deps.Router != nil {
		a.deps.Router.RecordSuccess(a.teamID, a.name, task)
	}
	return res, nil
}

// escalatable reports whether this failure should trigger the single
// escalation attempt: the task's failure count has reached the router
// threshold and the agent has not escalated since its last success.
// The failure counter marks attempted escalations; a success resets it.
func (a *Agent) escalatable(task string) bool {
	if a.deps.Router == nil || task == "" {
		return false
	}
	a.deps.Router.RecordFailure(a.teamID, a.name, task)
	if !a.deps.Router.ShouldEscalate(a.teamID, a.name, task, models.DefaultEscalationThreshold) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures < 1
}

// run executes one loop attempt and records its metric.
func (a *Agent) run(ctx context.Context, msgs []providers.Message, model, task string, rc config.RoleConfig) (*Result, error) {
	maxIterations := rc.MaxIterations
	if maxIterations <= 0 {
		maxIterations = a.deps.Config.Agent.MaxIterations
	}

	start := time.Now()
	res, err := a.deps.Loop.Run(ctx, Request{
		SessionID:       a.sessionID(),
		TeamID:          a.teamID,
		AgentName:       a.name,
		Model:           model,
		SystemPrompt:    a.systemPrompt(rc),
		Messages:        msgs,
		Tools:           a.currentTools(),
		ProjectPath:     a.deps.ProjectPath,
		MaxIterations:   maxIterations,
		DecisionContext: a.decisionContext(ctx),
		OnEvent:         a.rebroadcast,
		OnExecute:       a.execTool,
		RateLimit:       a.acquire,
	})

	if a.deps.Tracker != nil {
		metric := &store.AgentMetric{
			TeamID:      a.teamID,
			AgentName:   a.name,
			Role:        a.role,
			Model:       model,
			TaskType:    task,
			Success:     err == nil,
			DurationMS:  time.Since(start).Milliseconds(),
			ProjectPath: a.deps.ProjectPath,
		}
		if res != nil {
			metric.CostUSD = res.Usage.TotalCost
			metric.TokensUsed = res.Usage.InputTokens + res.Usage.OutputTokens
		}
		a.deps.Tracker.RecordAttempt(ctx, metric)
	}
	return res, err
}

// adopt replaces the working history with the loop's result, applying
// any offload trim recorded during the run. snapLen is the history
// length the run started from; everything past it is new and
// unpersisted.
func (a *Agent) adopt(result []providers.Message, snapLen int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	trim := a.trimRun
	a.trimRun = 0
	if trim > len(result) {
		trim = len(result)
	}
	a.messages = append(a.messages[:0:0], result[trim:]...)
	a.persisted = snapLen - trim
	if a.persisted < 0 {
		a.persisted = 0
	}
}

// account records usage against the budget, the cost tracker, and the
// agent's session row.
func (a *Agent) account(ctx context.Context, u providers.Usage) {
	if u == (providers.Usage{}) {
		return
	}
	a.mu.Lock()
	model := a.model
	task := a.currentTask
	a.mu.Unlock()

	// The budget delegates the per-agent tally to the tracker, so a
	// wired budget is the single entry point.
	if a.deps.Guard != nil && a.deps.Guard.Budget != nil {
		a.deps.Guard.Budget.RecordUsage(a.teamID, a.name, u, model, task)
	} else if a.deps.Tracker != nil {
		a.deps.Tracker.AddCall(a.teamID, a.name, u, model, task)
	}
	if err := a.deps.Sessions.AccumulateUsage(ctx, a.sessionID(), u.InputTokens, u.OutputTokens, u.TotalCost); err != nil {
		a.logger.Warn("agent.usage_persist_failed", "error", err)
	}
}

// persistNew appends unpersisted working messages to the store.
func (a *Agent) persistNew(ctx context.Context) {
	a.mu.Lock()
	pending := make([]providers.Message, 0, len(a.messages)-a.persisted)
	for i := a.persisted; i < len(a.messages); i++ {
		pending = append(pending, a.messages[i])
	}
	from := a.persisted
	a.mu.Unlock()

	done := 0
	for _, m := range pending {
		err := a.deps.Sessions.AppendMessage(ctx, &store.Message{
			SessionID:  a.sessionID(),
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
		if err != nil {
			a.logger.Warn("agent.persist_failed", "error", err)
			break
		}
		done++
	}

	a.mu.Lock()
	if a.persisted == from {
		a.persisted += done
	}
	a.mu.Unlock()
}

// setStatus updates local state, registry metadata, and broadcasts.
func (a *Agent) setStatus(status string) {
	a.mu.Lock()
	a.status = status
	model := a.model
	a.mu.Unlock()

	a.deps.Registry.UpdateMeta(a.key(), func(m map[string]string) {
		m["status"] = status
		m["model"] = model
	})
	ev := bus.Event{
		Name:    protocol.EventAgentStatus,
		From:    a.name,
		Payload: map[string]any{"status": status},
	}
	a.deps.Bus.Publish(protocol.TeamTopic(a.teamID), ev)
	a.mirror(ev)
}

// mirror copies an event onto the team's telemetry topic and the
// firehose so observers need no team subscription.
func (a *Agent) mirror(ev bus.Event) {
	a.deps.Bus.Publish(protocol.TelemetryTopic(a.teamID), ev)
	a.deps.Bus.Publish(protocol.TopicTelemetryUpdates, ev)
}

// systemPrompt assembles the role prompt with the keeper index either
// substituted at its token or appended under a fixed heading.
func (a *Agent) systemPrompt(rc config.RoleConfig) string {
	prompt := rc.SystemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf("You are %s, the team's %s.", a.name, a.role)
	}

	var index string
	if a.deps.Keepers != nil {
		index = strings.Join(a.deps.Keepers.Index(a.teamID), "\n")
	}
	if strings.Contains(prompt, keeperIndexToken) {
		return strings.ReplaceAll(prompt, keeperIndexToken, index)
	}
	if index == "" {
		return prompt
	}
	return prompt + "\n\n## Stored context\n" + index
}

// decisionContext renders recent team decisions for the window builder.
func (a *Agent) decisionContext(ctx context.Context) string {
	if a.deps.Graph == nil {
		return ""
	}
	nodes, err := a.deps.Graph.RecentDecisions(ctx, a.teamID, 5)
	if err != nil || len(nodes) == 0 {
		return ""
	}
	lines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		lines = append(lines, fmt.Sprintf("- %s [%s]", n.Title, n.ID))
	}
	return strings.Join(lines, "\n")
}

// currentTools returns the live tool subset under the role config.
func (a *Agent) currentTools() *tools.Registry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tools
}

func (a *Agent) subsetTools(rc config.RoleConfig) *tools.Registry {
	if a.deps.Tools == nil {
		return nil
	}
	if len(rc.Tools) == 0 {
		return a.deps.Tools
	}
	return a.deps.Tools.Subset(rc.Tools)
}

// rebroadcast forwards loop events to the team topic so observers see
// tool activity live.
func (a *Agent) rebroadcast(name string, payload map[string]any) {
	a.deps.Bus.Publish(protocol.TeamTopic(a.teamID), bus.Event{
		Name:    name,
		From:    a.name,
		Payload: payload,
	})
}

// execTool runs a tool through the agent's registry. The offload tool
// additionally gets the agent's full working history, and a successful
// offload trims that prefix from the working set once the run adopts
// its result.
func (a *Agent) execTool(ctx context.Context, name string, args map[string]any, tc tools.Context) (any, error) {
	if name == "context_offload" {
		a.mu.Lock()
		tc.Messages = append([]providers.Message(nil), a.messages...)
		a.mu.Unlock()
	}
	out, err := a.currentTools().Execute(ctx, name, args, tc)
	if name == "context_offload" && err == nil {
		if m, ok := out.(map[string]any); ok {
			if n, ok := m["offloaded"].(int); ok && n > 0 {
				a.mu.Lock()
				a.trimRun += n
				a.mu.Unlock()
			}
		}
	}
	return out, err
}

// acquire is the loop's rate-limit callback.
func (a *Agent) acquire(provider string) (time.Duration, error) {
	if a.deps.Guard == nil {
		return 0, nil
	}
	return a.deps.Guard.AcquireOrBudget(a.teamID, provider, 1)
}

// enqueue buffers a message for the next run. Messages arriving during
// an active run must not race the loop's snapshot.
func (a *Agent) enqueue(m providers.Message) {
	a.mu.Lock()
	a.queued = append(a.queued, m)
	a.mu.Unlock()
}

func (a *Agent) drainQueuedLocked() {
	if len(a.queued) == 0 {
		return
	}
	a.messages = append(a.messages, a.queued...)
	a.queued = a.queued[:0]
}

// ChangeRole reloads the role config, records an observation node, and
// broadcasts the change.
func (a *Agent) ChangeRole(ctx context.Context, newRole string) error {
	rc, ok := a.deps.Config.Role(newRole)
	if !ok {
		return fmt.Errorf("unknown role %q", newRole)
	}

	a.mu.Lock()
	old := a.role
	a.role = newRole
	a.roleCfg = rc
	if a.deps.Router != nil {
		a.model = a.deps.Router.Select(newRole, "")
	}
	a.tools = a.subsetTools(rc)
	model := a.model
	a.mu.Unlock()

	a.deps.Registry.UpdateMeta(a.key(), func(m map[string]string) {
		m["role"] = newRole
		m["model"] = model
	})

	if a.deps.Graph != nil {
		_, err := a.deps.Graph.AddNode(ctx, graph.NodeAttrs{
			NodeType:  store.NodeObservation,
			Title:     fmt.Sprintf("Role change: %s %s -> %s", a.name, old, newRole),
			SessionID: a.teamID,
			AgentName: a.name,
		})
		if err != nil {
			a.logger.Warn("agent.role_node_failed", "error", err)
		}
	}

	a.deps.Bus.Publish(protocol.TeamTopic(a.teamID), bus.Event{
		Name: protocol.EventRoleChanged,
		From: a.name,
		Payload: map[string]any{
			"agent":    a.name,
			"old_role": old,
			"new_role": newRole,
		},
	})
	a.logger.Info("agent.role_changed", "old", old, "new", newRole)
	return nil
}

// handleEvent dispatches one bus event. Panics in handlers and tool
// plumbing surface as a crash signal instead of taking the process
// down.
func (a *Agent) handleEvent(ev bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.crash(r)
		}
	}()

	switch ev.Name {
	case protocol.EventContextUpdate:
		if ev.From == a.name {
			return
		}
		a.mu.Lock()
		a.peerContext[ev.From] = ev.Payload
		a.mu.Unlock()

	case protocol.EventPeerMessage:
		if ev.From == a.name {
			return
		}
		content, _ := ev.Payload["content"].(string)
		a.enqueue(providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("[Peer %s]: %s", ev.From, content),
		})

	case protocol.EventTaskAssigned:
		a.handleTaskAssigned(ev)

	case protocol.EventQuery:
		if ev.From == a.name {
			return
		}
		a.handleQuery(ev)

	case protocol.EventQueryAnswer:
		a.handleQueryAnswer(ev)

	case protocol.EventKeeperCreated:
		a.handleKeeperCreated(ev)

	case protocol.EventRoleChangeRequest, protocol.EventRoleChanged:
		a.logger.Debug("agent.role_event", "event", ev.Name, "from", ev.From)
	}
}

func (a *Agent) handleTaskAssigned(ev bus.Event) {
	name, _ := ev.Payload["agent_name"].(string)
	if name != a.name {
		return
	}
	taskID, _ := ev.Payload["task_id"].(string)
	if taskID == "" || a.deps.Tasks == nil {
		return
	}
	ctx := context.Background()

	t, err := a.deps.Tasks.Get(ctx, taskID)
	if err != nil {
		a.logger.Warn("agent.task_load_failed", "task", taskID, "error", err)
		return
	}

	model := a.model
	if a.deps.Router != nil {
		model = a.deps.Router.Select(a.role, t.ModelHint)
	}
	a.mu.Lock()
	a.currentTask = taskID
	a.model = model
	a.mu.Unlock()
	a.deps.Registry.UpdateMeta(a.key(), func(m map[string]string) {
		m["model"] = model
		m["task"] = taskID
	})

	if a.deps.Keepers != nil {
		if text, err := a.deps.Keepers.Retrieve(ctx, a.teamID, t.Title, "", keeper.ModeRaw); err == nil && text != "" {
			a.enqueue(providers.Message{
				Role:    "system",
				Content: "Stored context relevant to your task:\n" + text,
			})
		}
	}
	a.logger.Info("agent.task_assigned", "task", taskID, "model", model)

	go a.workTask(taskID, t)
}

// workTask drives an assigned task to completion: in_progress, one
// send, then done or failed with the run's cost attached.
func (a *Agent) workTask(taskID string, t *store.Task) {
	defer func() {
		if r := recover(); r != nil {
			a.crash(r)
		}
	}()
	ctx := context.Background()
	if err := a.deps.Tasks.Begin(ctx, taskID); err != nil {
		a.logger.Warn("agent.task_begin_failed", "task", taskID, "error", err)
		return
	}

	prompt := fmt.Sprintf("You have been assigned task %s: %s", taskID, t.Title)
	if t.Description != "" {
		prompt += "\n\n" + t.Description
	}

	res, err := a.send(ctx, prompt)

	var (
		result     string
		tokensUsed int64
		costUSD    float64
		failed     bool
	)
	if res != nil {
		tokensUsed = res.Usage.InputTokens + res.Usage.OutputTokens
		costUSD = res.Usage.TotalCost
	}
	if err != nil {
		failed = true
		result = "Error: " + err.Error()
		a.logger.Warn("agent.task_failed", "task", taskID, "error", err)
	} else {
		result = res.Text
	}

	if cerr := a.deps.Tasks.Complete(ctx, taskID, result, tokensUsed, costUSD, failed); cerr != nil {
		a.logger.Warn("agent.task_complete_failed", "task", taskID, "error", cerr)
	}

	a.mu.Lock()
	a.currentTask = ""
	a.mu.Unlock()
	a.deps.Registry.UpdateMeta(a.key(), func(m map[string]string) { delete(m, "task") })
}

func (a *Agent) handleQuery(ev bus.Event) {
	queryID, _ := ev.Payload["query_id"].(string)
	question, _ := ev.Payload["question"].(string)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[Question from %s] %s\n", ev.From, question)
	if enr, ok := ev.Payload["enrichments"].([]string); ok && len(enr) > 0 {
		sb.WriteString("Context gathered so far:\n")
		for _, e := range enr {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
	}
	fmt.Fprintf(&sb, "Answer with peer_answer_question or pass it on with peer_forward_question (query_id %s).", queryID)

	a.enqueue(providers.Message{Role: "user", Content: sb.String()})
}

func (a *Agent) handleQueryAnswer(ev bus.Event) {
	queryID, _ := ev.Payload["query_id"].(string)
	answer, _ := ev.Payload["answer"].(string)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[Answer from %s to query %s] %s", ev.From, queryID, answer)
	if enr, ok := ev.Payload["enrichments"].([]string); ok && len(enr) > 0 {
		sb.WriteString("\nGathered along the way:\n")
		for _, e := range enr {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
	}
	a.enqueue(providers.Message{Role: "user", Content: sb.String()})
}

func (a *Agent) handleKeeperCreated(ev bus.Event) {
	source, _ := ev.Payload["source_agent"].(string)
	if source == a.name {
		return
	}
	keeperID, _ := ev.Payload["keeper_id"].(string)
	topic, _ := ev.Payload["topic"].(string)
	a.enqueue(providers.Message{
		Role:    "system",
		Content: fmt.Sprintf("Teammate %s stored context in keeper %s (topic %q). Use context_retrieve to read it.", source, keeperID, topic),
	})
}
