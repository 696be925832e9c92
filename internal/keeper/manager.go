package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/registry"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// Retrieval modes for the context_retrieve surface.
const (
	ModeRaw   = "raw"
	ModeSmart = "smart"
)

// Manager spawns and tracks the keepers of every team.
type Manager struct {
	mu      sync.Mutex
	keepers map[string]*Keeper // keeper id -> worker

	store    store.KeeperStore
	registry *registry.Registry
	bus      *bus.Bus
	llm      providers.Client
	model    string
	onUsage  func(teamID string, u providers.Usage)
	logger   *slog.Logger
}

// ManagerOptions wire the manager's collaborators.
type ManagerOptions struct {
	Store    store.KeeperStore
	Registry *registry.Registry
	Bus      *bus.Bus

	// LLM and Model power smart retrieval for every keeper.
	LLM   providers.Client
	Model string

	// OnUsage receives each retrieval call's usage per team.
	OnUsage func(teamID string, u providers.Usage)

	Logger *slog.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		keepers:  make(map[string]*Keeper),
		store:    opts.Store,
		registry: opts.Registry,
		bus:      opts.Bus,
		llm:      opts.LLM,
		model:    opts.Model,
		onUsage:  opts.OnUsage,
		logger:   opts.Logger,
	}
}

// Spawn creates a keeper seeded with the offloaded messages and
// announces it to the team. Returns the running worker.
func (m *Manager) Spawn(ctx context.Context, teamID, topic, sourceAgent string, messages []providers.Message, metadata map[string]string) (*Keeper, error) {
	if topic == "" {
		return nil, fmt.Errorf("keeper: topic is required")
	}

	k, err := m.start(ctx, Options{
		TeamID:      teamID,
		Topic:       topic,
		SourceAgent: sourceAgent,
	})
	if err != nil {
		return nil, err
	}
	k.Store(messages, metadata)

	if m.bus != nil {
		ev := bus.Event{
			Name: protocol.EventKeeperCreated,
			From: sourceAgent,
			Payload: map[string]any{
				"keeper_id":    k.ID,
				"topic":        topic,
				"source_agent": sourceAgent,
				"tokens":       k.TokenCount(),
			},
		}
		m.bus.Publish(protocol.TeamTopic(teamID), ev)
		m.bus.Publish(protocol.ContextTopic(teamID), ev)
	}
	return k, nil
}

// LoadTeam restarts workers for every keeper snapshot of a team,
// typically at process start.
func (m *Manager) LoadTeam(ctx context.Context, teamID string) error {
	snaps, err := m.store.ListKeepers(ctx, teamID)
	if err != nil {
		return fmt.Errorf("keeper: list team %s: %w", teamID, err)
	}
	for _, snap := range snaps {
		if snap.Status != store.KeeperActive {
			continue
		}
		m.mu.Lock()
		_, running := m.keepers[snap.ID]
		m.mu.Unlock()
		if running {
			continue
		}
		if _, err := m.start(ctx, Options{
			ID:          snap.ID,
			TeamID:      teamID,
			Topic:       snap.Topic,
			SourceAgent: snap.SourceAgent,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) start(ctx context.Context, opts Options) (*Keeper, error) {
	opts.LLM = m.llm
	opts.Model = m.model
	opts.Logger = m.logger
	if m.onUsage != nil {
		teamID := opts.TeamID
		opts.OnUsage = func(u providers.Usage) { m.onUsage(teamID, u) }
	}

	k, err := Start(ctx, m.store, m.registry, opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.keepers[k.ID] = k
	m.mu.Unlock()
	return k, nil
}

// Get returns a running keeper by id.
func (m *Manager) Get(id string) (*Keeper, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keepers[id]
	return k, ok
}

// ForTeam returns a team's running keepers, oldest first.
func (m *Manager) ForTeam(teamID string) []*Keeper {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Keeper
	for _, k := range m.keepers {
		if k.TeamID == teamID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Index renders the keeper index lines injected into agent system
// prompts: one `- [<id>] "<topic>" by <source> (<tokens> tokens)` per
// keeper.
func (m *Manager) Index(teamID string) []string {
	keepers := m.ForTeam(teamID)
	lines := make([]string, 0, len(keepers))
	for _, k := range keepers {
		lines = append(lines, fmt.Sprintf("- [%s] %q by %s (%d tokens)",
			k.ID, k.Topic, k.SourceAgent, k.TokenCount()))
	}
	return lines
}

// Retrieve serves the context_retrieve surface: one keeper when an id
// is given, otherwise every keeper of the team. Mode "" auto-detects:
// question-shaped queries go to the LLM, the rest stay raw.
func (m *Manager) Retrieve(ctx context.Context, teamID, query, keeperID, mode string) (string, error) {
	var keepers []*Keeper
	if keeperID != "" {
		k, ok := m.Get(keeperID)
		if !ok {
			return "", fmt.Errorf("keeper: %s not found", keeperID)
		}
		if k.TeamID != teamID {
			return "", fmt.Errorf("keeper: %s belongs to another team", keeperID)
		}
		keepers = []*Keeper{k}
	} else {
		keepers = m.ForTeam(teamID)
	}
	if len(keepers) == 0 {
		return "", fmt.Errorf("keeper: team %s has no keepers", teamID)
	}

	if mode == "" {
		mode = ModeRaw
		if SmartQuery(query) {
			mode = ModeSmart
		}
	}

	var blocks []string
	for _, k := range keepers {
		var body string
		switch mode {
		case ModeSmart:
			body = k.SmartRetrieve(ctx, query)
		case ModeRaw:
			body = RenderMessages(k.Retrieve(query))
		default:
			return "", fmt.Errorf("keeper: unknown retrieval mode %q", mode)
		}
		if body == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("%s\n%s", k.IndexEntry(), body))
	}
	if len(blocks) == 0 {
		return "", nil
	}
	return strings.Join(blocks, "\n\n"), nil
}

// CloseTeam flushes and stops every keeper of one team.
func (m *Manager) CloseTeam(ctx context.Context, teamID string) error {
	m.mu.Lock()
	var toClose []*Keeper
	for id, k := range m.keepers {
		if k.TeamID == teamID {
			toClose = append(toClose, k)
			delete(m.keepers, id)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, k := range toClose {
		if err := k.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes and stops everything. Each keeper gets a bounded
// window to finish its final write.
func (m *Manager) Close() error {
	m.mu.Lock()
	var toClose []*Keeper
	for id, k := range m.keepers {
		toClose = append(toClose, k)
		delete(m.keepers, id)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	for _, k := range toClose {
		if err := k.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
