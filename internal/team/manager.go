// Package team creates teams, spawns supervised agents into them, and
// tears sub-teams down when their work is done.
package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/loom/internal/agent"
	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/registry"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// restartDelay spaces restart attempts after an agent crash.
const restartDelay = 250 * time.Millisecond

// maxRestartAttempts bounds how often a respawn retries registration
// while the crashed instance's registry slot frees up.
const maxRestartAttempts = 20

// Manager owns team lifecycles. It hands every agent the same
// collaborator bundle and supervises their goroutines.
type Manager struct {
	deps   agent.Deps
	logger *slog.Logger

	mu      sync.Mutex
	members map[registry.Key]*member
	parents map[string]string
}

// member pairs a live agent with its supervision channels. The agent
// pointer is swapped on restart.
type member struct {
	mu    sync.Mutex
	agent *agent.Agent

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (mem *member) current() *agent.Agent {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.agent
}

// halt signals the supervisor and waits for the agent to stop.
func (mem *member) halt(ctx context.Context) error {
	mem.once.Do(func() { close(mem.stop) })
	select {
	case <-mem.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewManager creates a team manager. A nil logger falls back to
// slog.Default.
func NewManager(deps agent.Deps, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:    deps,
		logger:  logger,
		members: make(map[registry.Key]*member),
		parents: make(map[string]string),
	}
}

// CreateTeam inserts the team's session row and returns its id.
func (m *Manager) CreateTeam(ctx context.Context, name, projectPath string) (string, error) {
	sess := &store.Session{
		Title:       name,
		Model:       m.deps.Config.Model.Default,
		ProjectPath: projectPath,
	}
	if err := m.deps.Sessions.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("create team session: %w", err)
	}
	m.logger.Info("team.created", "team", sess.ID, "name", name)
	return sess.ID, nil
}

// CreateSubTeam creates a team owned by a parent team. Dissolving it
// notifies the parent's topic.
func (m *Manager) CreateSubTeam(ctx context.Context, parentID, name string) (string, error) {
	id, err := m.CreateTeam(ctx, name, m.deps.ProjectPath)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.parents[id] = parentID
	m.mu.Unlock()
	return id, nil
}

// SpawnAgent starts a supervised agent in a team. The role must exist
// in the configuration.
func (m *Manager) SpawnAgent(ctx context.Context, teamID, name, role string) error {
	if _, ok := m.deps.Config.Role(role); !ok {
		return fmt.Errorf("unknown role %q", role)
	}

	a, err := agent.NewAgent(teamID, name, role, m.deps)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("spawn agent %s: %w", name, err)
	}

	key := registry.Key{TeamID: teamID, Name: name}
	mem := &member{
		agent: a,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	m.mu.Lock()
	if _, exists := m.members[key]; exists {
		m.mu.Unlock()
		a.Stop()
		return fmt.Errorf("agent %q already exists in team %s", name, teamID)
	}
	m.members[key] = mem
	m.mu.Unlock()

	go m.supervise(key, mem)
	m.logger.Info("team.agent_spawned", "team", teamID, "agent", name, "role", role)
	return nil
}

// SpawnFromTemplate expands a configured team template into agents.
func (m *Manager) SpawnFromTemplate(ctx context.Context, teamID, template string) error {
	tpl, ok := m.deps.Config.Template(template)
	if !ok {
		return fmt.Errorf("unknown team template %q", template)
	}
	for _, a := range tpl.Agents {
		if err := m.SpawnAgent(ctx, teamID, a.Name, a.Role); err != nil {
			return err
		}
	}
	return nil
}

// Agent returns the live agent for a team member.
func (m *Manager) Agent(teamID, name string) (*agent.Agent, bool) {
	m.mu.Lock()
	mem, ok := m.members[registry.Key{TeamID: teamID, Name: name}]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return mem.current(), true
}

// ChangeRole switches a member to another configured role.
func (m *Manager) ChangeRole(ctx context.Context, teamID, agentName, newRole string) error {
	a, ok := m.Agent(teamID, agentName)
	if !ok {
		return fmt.Errorf("agent %q not found in team %s", agentName, teamID)
	}
	return a.ChangeRole(ctx, newRole)
}

// RunSubAgent spins up a one-agent sub-team, runs a single task on it,
// and dissolves the sub-team afterwards. The answer text is returned
// to the caller.
func (m *Manager) RunSubAgent(ctx context.Context, teamID, role, task, modelHint string) (string, error) {
	subID, err := m.CreateSubTeam(ctx, teamID, "sub:"+role)
	if err != nil {
		return "", err
	}
	defer func() {
		if derr := m.DissolveSubTeam(context.Background(), subID); derr != nil {
			m.logger.Warn("team.sub_team_dissolve_failed", "team", subID, "error", derr)
		}
	}()

	if err := m.SpawnAgent(ctx, subID, role, role); err != nil {
		return "", err
	}
	a, ok := m.Agent(subID, role)
	if !ok {
		return "", fmt.Errorf("sub-agent %s did not start", role)
	}
	a.SetModelHint(modelHint)
	return a.SendMessage(ctx, task)
}

// DissolveSubTeam stops every member of a team, flushes its keepers,
// archives its session, and notifies the parent team when one exists.
func (m *Manager) DissolveSubTeam(ctx context.Context, teamID string) error {
	m.mu.Lock()
	mems := make([]*member, 0)
	for k, mem := range m.members {
		if k.TeamID == teamID {
			mems = append(mems, mem)
			delete(m.members, k)
		}
	}
	parent := m.parents[teamID]
	delete(m.parents, teamID)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, mem := range mems {
		g.Go(func() error { return mem.halt(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stop team %s: %w", teamID, err)
	}

	if m.deps.Keepers != nil {
		if err := m.deps.Keepers.CloseTeam(ctx, teamID); err != nil {
			m.logger.Warn("team.keeper_close_failed", "team", teamID, "error", err)
		}
	}
	if err := m.deps.Sessions.SetSessionStatus(ctx, teamID, store.SessionArchived); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("team.archive_failed", "team", teamID, "error", err)
	}

	if parent != "" {
		m.deps.Bus.Publish(protocol.TeamTopic(parent), bus.Event{
			Name:    protocol.EventSubTeamCompleted,
			From:    teamID,
			Payload: map[string]any{"team_id": teamID},
		})
	}
	m.logger.Info("team.dissolved", "team", teamID, "agents", len(mems))
	return nil
}

// Shutdown stops all agents without archiving their teams.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	mems := make([]*member, 0, len(m.members))
	for _, mem := range m.members {
		mems = append(mems, mem)
	}
	m.members = make(map[registry.Key]*member)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, mem := range mems {
		g.Go(func() error { return mem.halt(gctx) })
	}
	return g.Wait()
}

// supervise watches one member until it is halted. A crashed agent is
// replaced with a fresh instance, which reloads its message history
// from the store.
func (m *Manager) supervise(key registry.Key, mem *member) {
	defer close(mem.done)
	for {
		a := mem.current()
		select {
		case <-mem.stop:
			a.Stop()
			return
		case <-a.Crashed():
			role := a.Role()
			a.Stop()
			m.logger.Warn("team.agent_restarting", "team", key.TeamID, "agent", key.Name, "role", role)

			next, err := agent.NewAgent(key.TeamID, key.Name, role, m.deps)
			if err != nil {
				m.logger.Error("team.agent_restart_failed", "agent", key.Name, "error", err)
				return
			}
			if !m.startWithRetry(next, mem.stop) {
				return
			}
			mem.mu.Lock()
			mem.agent = next
			mem.mu.Unlock()
			m.logger.Info("team.agent_restarted", "team", key.TeamID, "agent", key.Name)
		}
	}
}

// startWithRetry starts a respawned agent, waiting out the window in
// which the crashed instance still holds the registry slot.
func (m *Manager) startWithRetry(a *agent.Agent, stop <-chan struct{}) bool {
	for i := 0; i < maxRestartAttempts; i++ {
		select {
		case <-stop:
			return false
		case <-time.After(restartDelay):
		}
		if err := a.Start(context.Background()); err == nil {
			return true
		}
	}
	m.logger.Error("team.agent_restart_failed", "agent", a.Name(), "attempts", maxRestartAttempts)
	return false
}
