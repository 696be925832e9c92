package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/store"
)

func openTestStores(t *testing.T) *store.Stores {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSessionRoundTrip(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	sess := &store.Session{Title: "refactor auth", Model: "anthropic:claude-sonnet-4-6", ProjectPath: "/tmp/proj"}
	if err := st.Sessions.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("create did not assign an id")
	}

	got, err := st.Sessions.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "refactor auth" || got.Status != store.SessionActive {
		t.Errorf("got %+v", got)
	}

	if _, err := st.Sessions.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing session: got %v, want ErrNotFound", err)
	}
}

func TestSessionAccumulateUsage(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	sess := &store.Session{Title: "usage"}
	if err := st.Sessions.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Sessions.AccumulateUsage(ctx, sess.ID, 100, 40, 0.02); err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if err := st.Sessions.AccumulateUsage(ctx, sess.ID, 50, 10, 0.01); err != nil {
		t.Fatalf("accumulate: %v", err)
	}

	got, err := st.Sessions.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PromptTokens != 150 || got.CompletionTokens != 50 {
		t.Errorf("tokens = %d/%d, want 150/50", got.PromptTokens, got.CompletionTokens)
	}
	if got.CostUSD < 0.029 || got.CostUSD > 0.031 {
		t.Errorf("cost = %v, want ~0.03", got.CostUSD)
	}

	if err := st.Sessions.AccumulateUsage(ctx, "missing", 1, 1, 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing session: got %v, want ErrNotFound", err)
	}
}

func TestMessagesKeepInsertionOrder(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	sess := &store.Session{Title: "log"}
	if err := st.Sessions.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	turns := []*store.Message{
		{SessionID: sess.ID, Role: "user", Content: "add a healthcheck"},
		{SessionID: sess.ID, Role: "assistant", ToolCalls: []providers.ToolCall{
			{ID: "call_1", Name: "write_file", Arguments: map[string]any{"path": "health.go"}},
		}},
		{SessionID: sess.ID, Role: "tool", Content: "ok", ToolCallID: "call_1"},
		{SessionID: sess.ID, Role: "assistant", Content: "done"},
	}
	for _, m := range turns {
		if err := st.Sessions.AppendMessage(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := st.Sessions.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}
	for i, want := range []string{"user", "assistant", "tool", "assistant"} {
		if got[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, got[i].Role, want)
		}
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Name != "write_file" {
		t.Errorf("tool calls did not survive: %+v", got[1].ToolCalls)
	}
	if got[2].ToolCallID != "call_1" {
		t.Errorf("tool_call_id = %q", got[2].ToolCallID)
	}
}

func TestNodeInsertIsIdempotentOnChangeID(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	n := &store.DecisionNode{
		ChangeID:  "chg-1",
		NodeType:  store.NodeDecision,
		Title:     "use sqlite",
		SessionID: "team-1",
	}
	if err := st.Graph.InsertNode(ctx, n); err != nil {
		t.Fatalf("insert: %v", err)
	}
	replay := &store.DecisionNode{
		ChangeID:  "chg-1",
		NodeType:  store.NodeDecision,
		Title:     "use sqlite (replayed)",
		SessionID: "team-1",
	}
	if err := st.Graph.InsertNode(ctx, replay); err != nil {
		t.Fatalf("replay insert: %v", err)
	}

	nodes, err := st.Graph.ListNodes(ctx, store.NodeFilter{SessionID: "team-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes, want 1 (replay deduplicated)", len(nodes))
	}
	if nodes[0].Title != "use sqlite" {
		t.Errorf("replay overwrote the original: %q", nodes[0].Title)
	}
}

func TestSupersedeIsAtomic(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	old := &store.DecisionNode{NodeType: store.NodeDecision, Title: "use REST", SessionID: "team-1"}
	if err := st.Graph.InsertNode(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}

	repl := &store.DecisionNode{NodeType: store.NodeDecision, Title: "use gRPC", SessionID: "team-1"}
	edge := &store.DecisionEdge{Rationale: "latency requirements changed"}
	if err := st.Graph.Supersede(ctx, old.ID, repl, edge); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	gotOld, err := st.Graph.GetNode(ctx, old.ID)
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if gotOld.Status != store.NodeStatusSuperseded {
		t.Errorf("old status = %q, want superseded", gotOld.Status)
	}

	gotNew, err := st.Graph.GetNode(ctx, repl.ID)
	if err != nil {
		t.Fatalf("get replacement: %v", err)
	}
	if gotNew.Status != store.NodeStatusActive {
		t.Errorf("replacement status = %q, want active", gotNew.Status)
	}

	edges, err := st.Graph.ListEdges(ctx, store.EdgeFilter{FromNodeID: repl.ID, EdgeType: store.EdgeSupersedes})
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].ToNodeID != old.ID {
		t.Fatalf("supersedes edge missing or wrong: %+v", edges)
	}
	if edges[0].Rationale != "latency requirements changed" {
		t.Errorf("rationale = %q", edges[0].Rationale)
	}
}

func TestSupersedeMissingNodeLeavesNothingBehind(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	repl := &store.DecisionNode{NodeType: store.NodeDecision, Title: "orphan", SessionID: "team-1"}
	err := st.Graph.Supersede(ctx, "missing", repl, &store.DecisionEdge{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	nodes, err := st.Graph.ListNodes(ctx, store.NodeFilter{SessionID: "team-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("rolled-back supersede left %d nodes", len(nodes))
	}
}

func TestSearchNodesIsCaseInsensitive(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	for _, title := range []string{"Use PostgreSQL for prod", "Cache layer design", "postgres connection pooling"} {
		n := &store.DecisionNode{NodeType: store.NodeDecision, Title: title, SessionID: "team-1"}
		if err := st.Graph.InsertNode(ctx, n); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	other := &store.DecisionNode{NodeType: store.NodeDecision, Title: "postgres elsewhere", SessionID: "team-2"}
	if err := st.Graph.InsertNode(ctx, other); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := st.Graph.SearchNodes(ctx, "team-1", "POSTGRES", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2 (scoped to session)", len(got))
	}
}

func TestGrantIsIdempotent(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	g := &store.PermissionGrant{SessionID: "s1", Tool: "run_command", Scope: "/tmp/proj"}
	if err := st.Permissions.InsertGrant(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := &store.PermissionGrant{SessionID: "s1", Tool: "run_command", Scope: "/tmp/proj"}
	if err := st.Permissions.InsertGrant(ctx, dup); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}

	grants, err := st.Permissions.Grants(ctx, "s1")
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(grants) != 1 {
		t.Errorf("got %d grants, want 1", len(grants))
	}
}

func TestTasksListedByPriority(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	for _, tc := range []struct {
		title    string
		priority int
	}{
		{"ship it", 5},
		{"write tests", 1},
		{"design schema", 1},
		{"review", 3},
	} {
		task := &store.Task{TeamID: "team-1", Title: tc.title, Priority: tc.priority}
		if err := st.Tasks.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	tasks, err := st.Tasks.ListTasks(ctx, "team-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"write tests", "design schema", "review", "ship it"}
	if len(tasks) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(tasks), len(want))
	}
	for i, w := range want {
		if tasks[i].Title != w {
			t.Errorf("task %d = %q, want %q", i, tasks[i].Title, w)
		}
	}
}

func TestUpdateTaskRejectsUnknownColumn(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	task := &store.Task{TeamID: "team-1", Title: "t"}
	if err := st.Tasks.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.Tasks.UpdateTask(ctx, task.ID, map[string]any{"tokens_used": 99}); err == nil {
		t.Fatal("expected error for non-updatable column")
	}
	if err := st.Tasks.UpdateTask(ctx, task.ID, map[string]any{"status": store.TaskDone, "result": "merged"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.Tasks.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.TaskDone || got.Result != "merged" {
		t.Errorf("got %+v", got)
	}
}

func TestDepsForTasksBatches(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	a := &store.Task{TeamID: "team-1", Title: "a"}
	b := &store.Task{TeamID: "team-1", Title: "b"}
	c := &store.Task{TeamID: "team-1", Title: "c"}
	for _, task := range []*store.Task{a, b, c} {
		if err := st.Tasks.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	deps := []*store.TaskDep{
		{TaskID: b.ID, DependsOnID: a.ID, DepType: store.DepBlocks},
		{TaskID: c.ID, DependsOnID: a.ID, DepType: store.DepRequires},
		{TaskID: c.ID, DependsOnID: b.ID, DepType: store.DepBlocks},
	}
	for _, d := range deps {
		if err := st.Tasks.AddTaskDep(ctx, d); err != nil {
			t.Fatalf("add dep: %v", err)
		}
	}

	got, err := st.Tasks.DepsForTasks(ctx, []string{b.ID, c.ID})
	if err != nil {
		t.Fatalf("deps for tasks: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d deps, want 3", len(got))
	}

	single, err := st.Tasks.TaskDeps(ctx, c.ID)
	if err != nil {
		t.Fatalf("task deps: %v", err)
	}
	if len(single) != 2 {
		t.Errorf("got %d deps for c, want 2", len(single))
	}

	empty, err := st.Tasks.DepsForTasks(ctx, nil)
	if err != nil || empty != nil {
		t.Errorf("empty input: got %v, %v", empty, err)
	}
}

func TestKeeperSaveThenUpdate(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	k := &store.KeeperSnapshot{
		TeamID:      "team-1",
		Topic:       "auth refactor background",
		SourceAgent: "coder",
		Messages: []providers.Message{
			{Role: "user", Content: "why did we pick jwt?"},
		},
		TokenCount: 12,
		Metadata:   map[string]string{"mode": "topic"},
	}
	if err := st.Keepers.SaveKeeper(ctx, k); err != nil {
		t.Fatalf("save: %v", err)
	}

	k.Messages = append(k.Messages, providers.Message{Role: "assistant", Content: "stateless sessions"})
	k.TokenCount = 25
	if err := st.Keepers.SaveKeeper(ctx, k); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.Keepers.GetKeeper(ctx, k.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 2 || got.TokenCount != 25 {
		t.Errorf("update not applied: %d messages, %d tokens", len(got.Messages), got.TokenCount)
	}
	if got.Metadata["mode"] != "topic" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}

	list, err := st.Keepers.ListKeepers(ctx, "team-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d keepers, want 1 (save updates in place)", len(list))
	}
}

func TestMetricsAppendOnly(t *testing.T) {
	st := openTestStores(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m := &store.AgentMetric{
			TeamID:    "team-1",
			AgentName: "coder",
			Model:     "zai:glm-5",
			TaskType:  "code",
			Success:   i != 1,
			CostUSD:   0.004,
		}
		if err := st.Metrics.AppendMetric(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := st.Metrics.ListMetrics(ctx, "team-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d metrics, want 3", len(got))
	}
	if got[1].Success {
		t.Error("success flag did not round-trip")
	}
}
