package keeper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/registry"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/store/sqlite"
)

// countingStore counts SaveKeeper calls and can fail the next n of
// them, for debounce and retry tests.
type countingStore struct {
	store.KeeperStore
	mu    sync.Mutex
	saves int
	fail  int
}

func (c *countingStore) SaveKeeper(ctx context.Context, k *store.KeeperSnapshot) error {
	c.mu.Lock()
	c.saves++
	shouldFail := c.fail > 0
	if shouldFail {
		c.fail--
	}
	c.mu.Unlock()
	if shouldFail {
		return errors.New("save refused")
	}
	return c.KeeperStore.SaveKeeper(ctx, k)
}

func (c *countingStore) saveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func newTestStore(t *testing.T) *countingStore {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return &countingStore{KeeperStore: st.Keepers}
}

type fakeLLM struct {
	mu   sync.Mutex
	got  []providers.Message
	resp *providers.Response
	err  error
}

func (f *fakeLLM) Name() string         { return "fake" }
func (f *fakeLLM) DefaultModel() string { return "fake-model" }

func (f *fakeLLM) GenerateText(ctx context.Context, model string, messages []providers.Message, opts providers.Options) (*providers.Response, error) {
	f.mu.Lock()
	f.got = messages
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func waitForSaves(t *testing.T, cs *countingStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cs.saveCount() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("saves = %d, want at least %d", cs.saveCount(), want)
}

func TestStoreDebouncesToOnePersist(t *testing.T) {
	cs := newTestStore(t)
	k, err := Start(context.Background(), cs, nil, Options{
		TeamID:   "t1",
		Topic:    "auth notes",
		Debounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Three rapid writes land inside one debounce window.
	k.Store([]providers.Message{{Role: "user", Content: "a"}}, nil)
	k.Store([]providers.Message{{Role: "user", Content: "b"}}, nil)
	k.Store([]providers.Message{{Role: "user", Content: "c"}}, nil)

	waitForSaves(t, cs, 1)
	time.Sleep(60 * time.Millisecond)
	if got := cs.saveCount(); got != 1 {
		t.Errorf("saves = %d, want 1", got)
	}

	snap, err := cs.GetKeeper(context.Background(), k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != 3 {
		t.Errorf("persisted %d messages, want 3", len(snap.Messages))
	}
}

func TestStoreIdempotentOnRepeatedBatch(t *testing.T) {
	cs := newTestStore(t)
	k, err := Start(context.Background(), cs, nil, Options{
		TeamID:   "t1",
		Topic:    "t",
		Debounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	batch := []providers.Message{
		{Role: "user", Content: "investigate flaky test"},
		{Role: "assistant", Content: "the retry loop masks a race"},
	}
	k.Store(batch, nil)
	before := k.TokenCount()

	k.Store(batch, nil)
	if got := k.TokenCount(); got != before {
		t.Errorf("token count changed on replay: %d -> %d", before, got)
	}
	if got := len(k.RetrieveAll()); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}

	waitForSaves(t, cs, 1)
	time.Sleep(60 * time.Millisecond)
	if got := cs.saveCount(); got != 1 {
		t.Errorf("saves = %d, want 1", got)
	}
}

func TestPersistFailureReschedules(t *testing.T) {
	cs := newTestStore(t)
	cs.fail = 1

	k, err := Start(context.Background(), cs, nil, Options{
		TeamID:   "t1",
		Topic:    "t",
		Debounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	k.Store([]providers.Message{{Role: "user", Content: "keep me"}}, nil)

	// First attempt fails, the retry lands.
	waitForSaves(t, cs, 2)

	snap, err := cs.GetKeeper(context.Background(), k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "keep me" {
		t.Errorf("persisted = %+v", snap.Messages)
	}
}

func TestStartReloadsSnapshot(t *testing.T) {
	cs := newTestStore(t)
	ctx := context.Background()

	k1, err := Start(ctx, cs, nil, Options{TeamID: "t1", Topic: "db schema", SourceAgent: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	k1.Store([]providers.Message{{Role: "user", Content: "users table has soft deletes"}}, map[string]string{"source": "migration"})
	if err := k1.Close(ctx); err != nil {
		t.Fatal(err)
	}

	k2, err := Start(ctx, cs, nil, Options{ID: k1.ID, TeamID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	msgs := k2.RetrieveAll()
	if len(msgs) != 1 || msgs[0].Content != "users table has soft deletes" {
		t.Errorf("reloaded = %+v", msgs)
	}
	if k2.Topic != "db schema" || k2.SourceAgent != "alice" {
		t.Errorf("identity not reloaded: topic=%q source=%q", k2.Topic, k2.SourceAgent)
	}
	if k2.TokenCount() != k1.TokenCount() {
		t.Errorf("token count %d != %d", k2.TokenCount(), k1.TokenCount())
	}
}

func TestRegistryLifecycle(t *testing.T) {
	cs := newTestStore(t)
	reg := registry.New()
	ctx := context.Background()

	k, err := Start(ctx, cs, reg, Options{TeamID: "t1", Topic: "infra"})
	if err != nil {
		t.Fatal(err)
	}

	key := registry.Key{TeamID: "t1", Name: registry.KeeperName(k.ID)}
	entry, ok := reg.Lookup(key)
	if !ok {
		t.Fatal("keeper not registered")
	}
	if entry.Meta["type"] != "keeper" || entry.Meta["topic"] != "infra" {
		t.Errorf("meta = %+v", entry.Meta)
	}

	k.Store([]providers.Message{{Role: "user", Content: strings.Repeat("x", 400)}}, nil)
	entry, _ = reg.Lookup(key)
	if entry.Meta["tokens"] == "0" {
		t.Error("token metadata not refreshed")
	}

	if err := k.Close(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := reg.Lookup(key); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("registry entry leaked after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetrieveUnderBudgetReturnsAll(t *testing.T) {
	cs := newTestStore(t)
	k, err := Start(context.Background(), cs, nil, Options{TeamID: "t1", Topic: "t"})
	if err != nil {
		t.Fatal(err)
	}
	k.Store([]providers.Message{
		{Role: "user", Content: "alpha"},
		{Role: "assistant", Content: "beta"},
	}, nil)

	got := k.Retrieve("anything at all")
	if len(got) != 2 {
		t.Errorf("got %d messages, want all 2", len(got))
	}
}

func TestRetrieveOverBudgetRanksByOverlap(t *testing.T) {
	cs := newTestStore(t)
	k, err := Start(context.Background(), cs, nil, Options{TeamID: "t1", Topic: "t"})
	if err != nil {
		t.Fatal(err)
	}

	filler := strings.Repeat("lorem ipsum dolor sit amet ", 320) // ~2k tokens each
	var msgs []providers.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, providers.Message{Role: "user", Content: filler})
	}
	msgs = append(msgs, providers.Message{Role: "assistant", Content: "the database schema uses soft deletes everywhere"})
	k.Store(msgs, nil)

	if k.TokenCount() < RetrieveBudget {
		t.Fatalf("test setup too small: %d tokens", k.TokenCount())
	}

	got := k.Retrieve("database schema soft deletes")
	if len(got) == 0 {
		t.Fatal("nothing retrieved")
	}
	if !strings.Contains(got[0].Content, "soft deletes") {
		t.Errorf("best match ranked first = %.40q", got[0].Content)
	}
	total := 0
	for _, m := range got {
		total += len(m.Content)/4 + 4
	}
	if total > RetrieveBudget {
		t.Errorf("retrieval exceeds budget: %d tokens", total)
	}
}

func TestSmartRetrieveUsesLLMAndRecordsUsage(t *testing.T) {
	cs := newTestStore(t)
	llm := &fakeLLM{resp: &providers.Response{
		Text:  "Soft deletes are used everywhere.",
		Usage: providers.Usage{InputTokens: 50, OutputTokens: 10, TotalCost: 0.001},
	}}

	var recorded providers.Usage
	k, err := Start(context.Background(), cs, nil, Options{
		TeamID:  "t1",
		Topic:   "db",
		LLM:     llm,
		Model:   "fake-model",
		OnUsage: func(u providers.Usage) { recorded = u },
	})
	if err != nil {
		t.Fatal(err)
	}
	k.Store([]providers.Message{{Role: "assistant", Content: "schema uses soft deletes"}}, nil)

	got := k.SmartRetrieve(context.Background(), "How are deletes handled?")
	if got != "Soft deletes are used everywhere." {
		t.Errorf("got %q", got)
	}
	if recorded.TotalCost != 0.001 {
		t.Errorf("usage not recorded: %+v", recorded)
	}

	llm.mu.Lock()
	defer llm.mu.Unlock()
	if len(llm.got) != 2 || llm.got[0].Role != "system" {
		t.Fatalf("llm messages = %+v", llm.got)
	}
	if !strings.Contains(llm.got[0].Content, "ONLY the context provided") {
		t.Errorf("system prompt = %q", llm.got[0].Content)
	}
	if !strings.Contains(llm.got[1].Content, "schema uses soft deletes") {
		t.Errorf("context not passed: %q", llm.got[1].Content)
	}
}

func TestSmartRetrieveFallsBackOnError(t *testing.T) {
	cs := newTestStore(t)
	llm := &fakeLLM{err: errors.New("provider down")}

	k, err := Start(context.Background(), cs, nil, Options{TeamID: "t1", Topic: "db", LLM: llm})
	if err != nil {
		t.Fatal(err)
	}
	k.Store([]providers.Message{
		{Role: "user", Content: "where are deletes?"},
		{Role: "assistant", Content: "soft deletes in every table"},
	}, nil)

	got := k.SmartRetrieve(context.Background(), "How are deletes handled?")
	want := "[user]: where are deletes?\n[assistant]: soft deletes in every table"
	if got != want {
		t.Errorf("fallback = %q, want %q", got, want)
	}
}

func TestIndexEntryFormat(t *testing.T) {
	cs := newTestStore(t)
	k, err := Start(context.Background(), cs, nil, Options{
		ID:          "k-42",
		TeamID:      "t1",
		Topic:       "auth flow",
		SourceAgent: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	k.Store([]providers.Message{{Role: "user", Content: "abcdefgh"}}, nil)

	want := fmt.Sprintf("[Keeper:k-42] topic=auth flow source=alice tokens=%d", k.TokenCount())
	if got := k.IndexEntry(); got != want {
		t.Errorf("index entry = %q, want %q", got, want)
	}
}

func TestSmartQueryDetection(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"How is auth wired?", true},
		{"how is auth wired", true},
		{"what happened to the cache", true},
		{"did the migration run", true},
		{"auth flow notes", false},
		{"database schema", false},
		{"", false},
		{"anything at all?", true},
	}
	for _, tt := range tests {
		if got := SmartQuery(tt.query); got != tt.want {
			t.Errorf("SmartQuery(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}
