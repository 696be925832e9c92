// Package keeper holds conversation context that agents offload to
// stay under their model's window. A keeper owns its message list,
// persists it with a debounce, and serves raw, keyword-scored, and
// LLM-backed retrieval.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/registry"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/tokens"
)

const (
	// DefaultDebounce batches rapid Store calls into one persist.
	DefaultDebounce = 50 * time.Millisecond

	// RetrieveBudget caps how many tokens a retrieval may return; a
	// keeper under the budget returns everything.
	RetrieveBudget = 10000

	// smartTimeout bounds the retrieval LLM call.
	smartTimeout = 30 * time.Second
)

// Options configure one keeper worker.
type Options struct {
	ID          string // fresh id when empty
	TeamID      string
	Topic       string
	SourceAgent string
	Debounce    time.Duration // default 50ms

	// LLM enables SmartRetrieve; nil falls back to keyword retrieval.
	LLM   providers.Client
	Model string

	// OnUsage is called with the usage of each successful retrieval
	// LLM call.
	OnUsage func(providers.Usage)

	Logger *slog.Logger
}

// Keeper is one live context holder. All exported methods are safe for
// concurrent use.
type Keeper struct {
	ID          string
	TeamID      string
	Topic       string
	SourceAgent string

	mu         sync.Mutex
	messages   []providers.Message
	metadata   map[string]string
	tokenCount int
	dirty      bool
	timer      *time.Timer // pending persist; nil when none scheduled
	closed     bool
	createdAt  time.Time

	store    store.KeeperStore
	registry *registry.Registry
	llm      providers.Client
	model    string
	onUsage  func(providers.Usage)
	debounce time.Duration
	done     chan struct{}
	logger   *slog.Logger
}

// Start brings a keeper up: prior state is loaded from the store when
// present, then the keeper registers itself for discovery.
func Start(ctx context.Context, st store.KeeperStore, reg *registry.Registry, opts Options) (*Keeper, error) {
	if opts.TeamID == "" {
		return nil, fmt.Errorf("keeper: team id is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	k := &Keeper{
		ID:          opts.ID,
		TeamID:      opts.TeamID,
		Topic:       opts.Topic,
		SourceAgent: opts.SourceAgent,
		metadata:    make(map[string]string),
		createdAt:   time.Now().UTC(),
		store:       st,
		registry:    reg,
		llm:         opts.LLM,
		model:       opts.Model,
		onUsage:     opts.OnUsage,
		debounce:    opts.Debounce,
		done:        make(chan struct{}),
		logger:      opts.Logger,
	}

	snap, err := st.GetKeeper(ctx, k.ID)
	switch {
	case err == nil:
		k.messages = snap.Messages
		k.tokenCount = snap.TokenCount
		if snap.Metadata != nil {
			k.metadata = snap.Metadata
		}
		if snap.Topic != "" {
			k.Topic = snap.Topic
		}
		if snap.SourceAgent != "" {
			k.SourceAgent = snap.SourceAgent
		}
		k.createdAt = snap.CreatedAt
	case errors.Is(err, store.ErrNotFound):
		// First start, nothing to reload.
	default:
		return nil, fmt.Errorf("keeper: load %s: %w", k.ID, err)
	}

	if reg != nil {
		key := registry.Key{TeamID: k.TeamID, Name: registry.KeeperName(k.ID)}
		meta := map[string]string{
			"type":   "keeper",
			"topic":  k.Topic,
			"tokens": strconv.Itoa(k.tokenCount),
		}
		if err := reg.Register(key, k, meta, k.done); err != nil {
			return nil, fmt.Errorf("keeper: register %s: %w", k.ID, err)
		}
	}

	k.logger.Info("keeper.started",
		"keeper_id", k.ID,
		"team_id", k.TeamID,
		"topic", k.Topic,
		"tokens", k.tokenCount)
	return k, nil
}

// Store appends messages and merges metadata, then schedules a
// debounced persist. Repeating the previous batch is a no-op on
// content, so replayed offloads do not double the keeper.
func (k *Keeper) Store(messages []providers.Message, metadata map[string]string) {
	k.mu.Lock()

	changed := false
	if len(messages) > 0 && !k.endsWithLocked(messages) {
		k.messages = append(k.messages, messages...)
		k.tokenCount = tokens.EstimateAll(k.messages)
		changed = true
	}
	for key, val := range metadata {
		if k.metadata[key] != val {
			k.metadata[key] = val
			changed = true
		}
	}
	if !changed {
		k.mu.Unlock()
		return
	}

	k.dirty = true
	k.schedulePersistLocked()
	tc := k.tokenCount
	k.mu.Unlock()

	k.updateRegistryTokens(tc)
}

// endsWithLocked reports whether the current message list already ends
// with exactly this batch.
func (k *Keeper) endsWithLocked(batch []providers.Message) bool {
	if len(batch) > len(k.messages) {
		return false
	}
	tail := k.messages[len(k.messages)-len(batch):]
	for i := range batch {
		if !sameMessage(tail[i], batch[i]) {
			return false
		}
	}
	return true
}

func sameMessage(a, b providers.Message) bool {
	if a.Role != b.Role || a.Content != b.Content || a.ToolCallID != b.ToolCallID {
		return false
	}
	if len(a.ToolCalls) != len(b.ToolCalls) {
		return false
	}
	for i := range a.ToolCalls {
		if a.ToolCalls[i].ID != b.ToolCalls[i].ID || a.ToolCalls[i].Name != b.ToolCalls[i].Name {
			return false
		}
	}
	return true
}

// schedulePersistLocked arms the persist timer unless one is already
// pending; the pending timer will pick up the latest state anyway.
func (k *Keeper) schedulePersistLocked() {
	if k.timer != nil || k.closed {
		return
	}
	k.timer = time.AfterFunc(k.debounce, k.persistTimerFired)
}

func (k *Keeper) persistTimerFired() {
	k.mu.Lock()
	k.timer = nil
	if !k.dirty || k.closed {
		k.mu.Unlock()
		return
	}
	snap := k.snapshotLocked()
	k.dirty = false
	k.mu.Unlock()

	if err := k.store.SaveKeeper(context.Background(), snap); err != nil {
		k.logger.Warn("keeper.persist_failed",
			"keeper_id", k.ID,
			"error", err)
		k.mu.Lock()
		k.dirty = true
		k.schedulePersistLocked()
		k.mu.Unlock()
	}
}

func (k *Keeper) snapshotLocked() *store.KeeperSnapshot {
	msgs := make([]providers.Message, len(k.messages))
	copy(msgs, k.messages)
	meta := make(map[string]string, len(k.metadata))
	for key, val := range k.metadata {
		meta[key] = val
	}
	return &store.KeeperSnapshot{
		ID:          k.ID,
		TeamID:      k.TeamID,
		Topic:       k.Topic,
		SourceAgent: k.SourceAgent,
		Messages:    msgs,
		TokenCount:  k.tokenCount,
		Metadata:    meta,
		Status:      store.KeeperActive,
		CreatedAt:   k.createdAt,
	}
}

func (k *Keeper) updateRegistryTokens(tokenCount int) {
	if k.registry == nil {
		return
	}
	key := registry.Key{TeamID: k.TeamID, Name: registry.KeeperName(k.ID)}
	k.registry.UpdateMeta(key, func(meta map[string]string) {
		meta["tokens"] = strconv.Itoa(tokenCount)
	})
}

// RetrieveAll returns a copy of the full message list.
func (k *Keeper) RetrieveAll() []providers.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]providers.Message, len(k.messages))
	copy(out, k.messages)
	return out
}

// Retrieve returns the messages most relevant to the query. A keeper
// under the token budget returns everything; larger keepers score each
// message by keyword overlap and return the best prefix that fits.
func (k *Keeper) Retrieve(query string) []providers.Message {
	k.mu.Lock()
	msgs := make([]providers.Message, len(k.messages))
	copy(msgs, k.messages)
	tc := k.tokenCount
	k.mu.Unlock()

	if tc < RetrieveBudget {
		return msgs
	}

	queryWords := wordSet(query)
	type scored struct {
		msg   providers.Message
		score int
	}
	ranked := make([]scored, len(msgs))
	for i, m := range msgs {
		ranked[i] = scored{msg: m, score: overlap(queryWords, wordSet(m.Content))}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	var out []providers.Message
	budget := 0
	for _, s := range ranked {
		cost := tokens.Estimate(s.msg)
		if budget+cost > RetrieveBudget {
			break
		}
		budget += cost
		out = append(out, s.msg)
	}
	return out
}

// SmartRetrieve answers a question from the keeper's content with one
// LLM call. Failures never surface: the keyword retrieval, rendered as
// text, stands in for the model.
func (k *Keeper) SmartRetrieve(ctx context.Context, question string) string {
	relevant := k.Retrieve(question)
	rendered := RenderMessages(relevant)

	if k.llm == nil {
		return rendered
	}

	msgs := []providers.Message{
		{Role: "system", Content: "You are a context keeper. Answer the question using ONLY the context provided. If the context does not contain the answer, say so."},
		{Role: "user", Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", rendered, question)},
	}
	resp, err := k.llm.GenerateText(ctx, k.model, msgs, providers.Options{Timeout: smartTimeout})
	if err != nil {
		k.logger.Warn("keeper.smart_retrieve_failed",
			"keeper_id", k.ID,
			"error", err)
		return rendered
	}
	if k.onUsage != nil {
		k.onUsage(resp.Usage)
	}
	return resp.Text
}

// RenderMessages formats messages as "[<role>]: <content>" lines.
func RenderMessages(msgs []providers.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("[%s]: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

// IndexEntry is the one-line advertisement agents see in their system
// prompt.
func (k *Keeper) IndexEntry() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return fmt.Sprintf("[Keeper:%s] topic=%s source=%s tokens=%d",
		k.ID, k.Topic, k.SourceAgent, k.tokenCount)
}

// TokenCount returns the current estimated size.
func (k *Keeper) TokenCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tokenCount
}

// Metadata returns a copy of the metadata map.
func (k *Keeper) Metadata() map[string]string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]string, len(k.metadata))
	for key, val := range k.metadata {
		out[key] = val
	}
	return out
}

// FlushPersist cancels any pending timer and writes the current state
// synchronously.
func (k *Keeper) FlushPersist(ctx context.Context) error {
	k.mu.Lock()
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
	if !k.dirty {
		k.mu.Unlock()
		return nil
	}
	snap := k.snapshotLocked()
	k.dirty = false
	k.mu.Unlock()

	if err := k.store.SaveKeeper(ctx, snap); err != nil {
		k.mu.Lock()
		k.dirty = true
		k.mu.Unlock()
		return fmt.Errorf("keeper: flush %s: %w", k.ID, err)
	}
	return nil
}

// Close stops the keeper: pending timer cancelled, state flushed once
// if dirty, registry entry released.
func (k *Keeper) Close(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	err := k.FlushPersist(ctx)
	close(k.done)
	k.logger.Info("keeper.closed", "keeper_id", k.ID)
	return err
}

// SmartQuery reports whether a retrieval query reads like a question,
// which selects LLM-backed retrieval when no mode is forced.
func SmartQuery(query string) bool {
	q := strings.TrimSpace(strings.ToLower(query))
	if q == "" {
		return false
	}
	if strings.HasSuffix(q, "?") {
		return true
	}
	first, _, _ := strings.Cut(q, " ")
	switch first {
	case "what", "how", "why", "where", "when", "who", "which",
		"did", "does", "is", "are", "was", "were",
		"can", "could", "should", "would":
		return true
	}
	return false
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func overlap(a, b map[string]bool) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}
