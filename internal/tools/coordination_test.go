package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/loom/internal/bus"
	"github.com/nextlevelbuilder/loom/internal/graph"
	"github.com/nextlevelbuilder/loom/internal/keeper"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/queries"
	"github.com/nextlevelbuilder/loom/internal/registry"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/store/sqlite"
	"github.com/nextlevelbuilder/loom/internal/tasks"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

type fixture struct {
	stores   *store.Stores
	bus      *bus.Bus
	registry *registry.Registry
	graph    *graph.Graph
	keepers  *keeper.Manager
	queries  *queries.Router
	tasks    *tasks.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	b := bus.New(nil)
	t.Cleanup(func() {
		b.Close()
		st.Close()
	})
	reg := registry.New()
	return &fixture{
		stores:   st,
		bus:      b,
		registry: reg,
		graph:    graph.New(st.Graph, nil),
		keepers: keeper.NewManager(keeper.ManagerOptions{
			Store:    st.Keepers,
			Registry: reg,
			Bus:      b,
		}),
		queries: queries.NewRouter(b, nil),
		tasks:   tasks.NewManager(st.Tasks, b, nil),
	}
}

func teamCtx(team, agent string) Context {
	return Context{TeamID: team, SessionID: team, AgentName: agent}
}

func TestDecisionLogAddSupersedeAndLink(t *testing.T) {
	f := newFixture(t)
	logTool := NewDecisionLogTool(f.graph)
	ctx := context.Background()
	tc := teamCtx("t1", "architect")

	out, err := logTool.Execute(ctx, map[string]any{
		"node_type": "goal", "title": "ship v1",
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	goalID := out.(map[string]any)["node_id"].(string)

	out, err = logTool.Execute(ctx, map[string]any{
		"node_type": "decision", "title": "use sqlite",
		"confidence": float64(70), "parent_id": goalID,
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	decisionID := out.(map[string]any)["node_id"].(string)

	edges, err := f.graph.ListEdges(ctx, store.EdgeFilter{FromNodeID: goalID})
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].ToNodeID != decisionID || edges[0].EdgeType != store.EdgeLeadsTo {
		t.Errorf("parent edge = %+v", edges)
	}

	out, err = logTool.Execute(ctx, map[string]any{
		"node_type": "decision", "title": "use postgres",
		"supersedes": decisionID, "rationale": "needs scale",
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	newID := out.(map[string]any)["node_id"].(string)

	old, err := f.graph.GetNode(ctx, decisionID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != store.NodeStatusSuperseded {
		t.Errorf("old status = %s", old.Status)
	}
	repl, err := f.graph.GetNode(ctx, newID)
	if err != nil {
		t.Fatal(err)
	}
	if repl.SessionID != "t1" || repl.AgentName != "architect" {
		t.Errorf("replacement = %+v", repl)
	}

	if _, err := logTool.Execute(ctx, map[string]any{"node_type": "hunch", "title": "x"}, tc); err == nil {
		t.Error("bad node type should fail")
	}
}

func TestDecisionQueryModes(t *testing.T) {
	f := newFixture(t)
	logTool := NewDecisionLogTool(f.graph)
	queryTool := NewDecisionQueryTool(f.graph)
	ctx := context.Background()
	tc := teamCtx("t1", "architect")

	if _, err := logTool.Execute(ctx, map[string]any{"node_type": "goal", "title": "persist state"}, tc); err != nil {
		t.Fatal(err)
	}
	if _, err := logTool.Execute(ctx, map[string]any{"node_type": "decision", "title": "use sqlite for v1"}, tc); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"recent", map[string]any{"mode": "recent"}, "use sqlite for v1"},
		{"goals", map[string]any{"mode": "goals"}, "persist state"},
		{"pulse", map[string]any{"mode": "pulse"}, "Pulse: 1 active goal(s)"},
		{"search", map[string]any{"mode": "search", "query": "sqlite"}, "use sqlite for v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := queryTool.Execute(ctx, tt.params, tc)
			if err != nil {
				t.Fatal(err)
			}
			text, _ := out.(string)
			if !strings.Contains(text, tt.want) {
				t.Errorf("got %q, want substring %q", text, tt.want)
			}
		})
	}

	if _, err := queryTool.Execute(ctx, map[string]any{"mode": "vibes"}, tc); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestOffloadBoundaryKeepsToolRepliesTogether(t *testing.T) {
	asst := providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c1", Name: "shell"}}}
	toolMsg := providers.Message{Role: "tool", Content: "done", ToolCallID: "c1"}
	user := providers.Message{Role: "user", Content: "hi"}

	tests := []struct {
		name     string
		messages []providers.Message
		count    int
		want     int
	}{
		{"clean split", []providers.Message{user, user, user, user}, 2, 2},
		{"cut lands on tool reply", []providers.Message{user, asst, toolMsg, user}, 2, 3},
		{"count past end clamps", []providers.Message{user, user}, 10, 1},
		{"all tool tail backs off", []providers.Message{user, asst, toolMsg, toolMsg}, 2, 1},
		{"single message", []providers.Message{user}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := offloadBoundary(tt.messages, tt.count)
			if got != tt.want {
				t.Errorf("boundary = %d, want %d", got, tt.want)
			}
			if got > 0 && got < len(tt.messages) && tt.messages[got].Role == "tool" {
				t.Error("boundary splits a tool reply from its call")
			}
		})
	}
}

func TestContextOffloadAndRetrieve(t *testing.T) {
	f := newFixture(t)
	offload := NewContextOffloadTool(f.keepers)
	retrieve := NewContextRetrieveTool(f.keepers)
	ctx := context.Background()

	tc := teamCtx("t1", "coder")
	tc.Messages = []providers.Message{
		{Role: "user", Content: "investigate the flaky login test"},
		{Role: "assistant", Content: "the session cookie expires early"},
		{Role: "user", Content: "now fix the logout path"},
		{Role: "assistant", Content: "done"},
	}

	out, err := offload.Execute(ctx, map[string]any{"topic": "login investigation"}, tc)
	if err != nil {
		t.Fatal(err)
	}
	res := out.(map[string]any)
	if res["offloaded"] != 2 {
		t.Errorf("offloaded = %v, want 2", res["offloaded"])
	}
	keeperID := res["keeper_id"].(string)
	if !strings.Contains(res["result"].(string), "[Keeper:"+keeperID+"]") {
		t.Errorf("result = %v", res["result"])
	}

	text, err := retrieve.Execute(ctx, map[string]any{
		"query": "login", "keeper_id": keeperID, "mode": "raw",
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.(string), "flaky login test") {
		t.Errorf("retrieved = %q", text)
	}

	// Another team cannot read this keeper.
	other := teamCtx("t2", "spy")
	if _, err := retrieve.Execute(ctx, map[string]any{
		"query": "login", "keeper_id": keeperID,
	}, other); err == nil {
		t.Error("cross-team retrieve should fail")
	}
	if _, err := offload.Execute(ctx, map[string]any{
		"team_id": "t1", "topic": "steal",
	}, other); err == nil {
		t.Error("cross-team offload should fail")
	}
}

func TestPeerAskPublishesQuery(t *testing.T) {
	f := newFixture(t)
	ask := NewPeerAskTool(f.queries)
	ctx := context.Background()

	events := make(chan bus.Event, 4)
	f.bus.Subscribe(protocol.AgentTopic("t1", "dba"), "test", func(ev bus.Event) {
		events <- ev
	})

	out, err := ask.Execute(ctx, map[string]any{
		"question": "which index covers the hot path?", "target": "dba",
	}, teamCtx("t1", "coder"))
	if err != nil {
		t.Fatal(err)
	}
	queryID := out.(map[string]any)["query_id"].(string)

	select {
	case ev := <-events:
		if ev.Name != protocol.EventQuery {
			t.Errorf("event = %q", ev.Name)
		}
		if ev.Payload["query_id"] != queryID {
			t.Errorf("query_id = %v, want %s", ev.Payload["query_id"], queryID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query never delivered")
	}
}

func TestPeerForwardExhaustedHopsReturnsGuidance(t *testing.T) {
	f := newFixture(t)
	ask := NewPeerAskTool(f.queries)
	fwd := NewPeerForwardTool(f.queries)
	ctx := context.Background()

	out, err := ask.Execute(ctx, map[string]any{
		"question": "who owns billing?", "target": "a",
	}, teamCtx("t1", "coder"))
	if err != nil {
		t.Fatal(err)
	}
	queryID := out.(map[string]any)["query_id"].(string)

	hops := []struct{ from, to string }{
		{"a", "b"}, {"b", "c"}, {"c", "d"},
	}
	for _, h := range hops {
		if _, err := fwd.Execute(ctx, map[string]any{
			"query_id": queryID, "target": h.to,
		}, teamCtx("t1", h.from)); err != nil {
			t.Fatalf("forward %s->%s failed: %v", h.from, h.to, err)
		}
	}

	out, err = fwd.Execute(ctx, map[string]any{
		"query_id": queryID, "target": "e",
	}, teamCtx("t1", "d"))
	if err != nil {
		t.Fatalf("exhausted forward must not error: %v", err)
	}
	text, ok := out.(string)
	if !ok || !strings.Contains(text, "peer_answer_question") {
		t.Fatalf("got %v, want guidance text", out)
	}
}

func TestPeerAnswerRefusesOtherTeams(t *testing.T) {
	f := newFixture(t)
	ask := NewPeerAskTool(f.queries)
	answer := NewPeerAnswerTool(f.queries)
	ctx := context.Background()

	out, err := ask.Execute(ctx, map[string]any{"question": "anyone?"}, teamCtx("t1", "coder"))
	if err != nil {
		t.Fatal(err)
	}
	queryID := out.(map[string]any)["query_id"].(string)

	if _, err := answer.Execute(ctx, map[string]any{
		"query_id": queryID, "answer": "me",
	}, teamCtx("t2", "outsider")); err == nil {
		t.Error("cross-team answer should fail")
	}

	if _, err := answer.Execute(ctx, map[string]any{
		"query_id": queryID, "answer": "the reviewer",
	}, teamCtx("t1", "reviewer")); err != nil {
		t.Errorf("same-team answer failed: %v", err)
	}
}

func TestPeerMessageAndDiscovery(t *testing.T) {
	f := newFixture(t)
	msg := NewPeerMessageTool(f.bus, f.registry)
	disco := NewPeerDiscoveryTool(f.registry)
	ctx := context.Background()

	if err := f.registry.Register(registry.Key{TeamID: "t1", Name: "reviewer"}, nil, map[string]string{
		"role": "reviewer", "status": "idle", "model": "anthropic:claude-sonnet-4-6",
	}, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Register(registry.Key{TeamID: "t1", Name: registry.KeeperName("k1")}, nil, map[string]string{
		"type": "keeper",
	}, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := msg.Execute(ctx, map[string]any{
		"target": "ghost", "content": "hello",
	}, teamCtx("t1", "coder")); err == nil {
		t.Error("unknown target should fail")
	}

	events := make(chan bus.Event, 4)
	f.bus.Subscribe(protocol.AgentTopic("t1", "reviewer"), "test", func(ev bus.Event) {
		events <- ev
	})
	if _, err := msg.Execute(ctx, map[string]any{
		"target": "reviewer", "content": "please check PR 7",
	}, teamCtx("t1", "coder")); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.Name != protocol.EventPeerMessage || ev.From != "coder" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Payload["content"] != "please check PR 7" {
			t.Errorf("content = %v", ev.Payload["content"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer message never delivered")
	}

	out, err := disco.Execute(ctx, nil, teamCtx("t1", "coder"))
	if err != nil {
		t.Fatal(err)
	}
	text := out.(string)
	if !strings.Contains(text, "reviewer (role=reviewer, status=idle") {
		t.Errorf("discovery = %q", text)
	}
	if strings.Contains(text, "keeper") {
		t.Errorf("discovery lists keepers: %q", text)
	}
}

func TestTaskToolsCreateAssignProgress(t *testing.T) {
	f := newFixture(t)
	create := NewPeerCreateTaskTool(f.tasks)
	assign := NewTeamAssignTool(f.tasks)
	progress := NewTeamProgressTool(f.tasks)
	ctx := context.Background()
	tc := teamCtx("t1", "architect")

	out, err := create.Execute(ctx, map[string]any{
		"title": "add login rate limit", "priority": float64(1),
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	firstID := out.(map[string]any)["task_id"].(string)

	out, err = create.Execute(ctx, map[string]any{
		"title": "write docs", "depends_on": firstID, "assignee": "writer",
	}, tc)
	if err != nil {
		t.Fatal(err)
	}
	secondID := out.(map[string]any)["task_id"].(string)

	if _, err := assign.Execute(ctx, map[string]any{
		"task_id": firstID, "agent_name": "coder",
	}, tc); err != nil {
		t.Fatal(err)
	}

	// Tasks in another team are invisible to assignment.
	if _, err := assign.Execute(ctx, map[string]any{
		"task_id": firstID, "agent_name": "thief",
	}, teamCtx("t2", "outsider")); err == nil {
		t.Error("cross-team assign should fail")
	}

	out, err = progress.Execute(ctx, nil, tc)
	if err != nil {
		t.Fatal(err)
	}
	text := out.(string)
	if !strings.Contains(text, "Tasks (2):") {
		t.Errorf("progress = %q", text)
	}
	if !strings.Contains(text, "owner=coder") || !strings.Contains(text, "owner=writer") {
		t.Errorf("owners missing: %q", text)
	}
	if !strings.Contains(text, "requires "+firstID) {
		t.Errorf("dependency missing: %q", text)
	}
	// Priority 1 sorts before the default 3.
	if strings.Index(text, firstID) > strings.Index(text, secondID) {
		t.Errorf("priority order wrong: %q", text)
	}
}

type fakeSpawner struct {
	teamID, name, role string
	err                error
}

func (f *fakeSpawner) SpawnAgent(ctx context.Context, teamID, name, role string) error {
	f.teamID, f.name, f.role = teamID, name, role
	return f.err
}

type fakeRoleChanger struct {
	agentName, newRole string
}

func (f *fakeRoleChanger) ChangeRole(ctx context.Context, teamID, agentName, newRole string) error {
	f.agentName, f.newRole = agentName, newRole
	return nil
}

func TestTeamSpawnAndChangeRole(t *testing.T) {
	spawner := &fakeSpawner{}
	spawn := NewTeamSpawnTool(spawner)
	ctx := context.Background()
	tc := teamCtx("t1", "architect")

	if _, err := spawn.Execute(ctx, map[string]any{"name": "helper", "role": "coder"}, tc); err != nil {
		t.Fatal(err)
	}
	if spawner.teamID != "t1" || spawner.name != "helper" || spawner.role != "coder" {
		t.Errorf("spawner got %+v", spawner)
	}

	changer := &fakeRoleChanger{}
	change := NewPeerChangeRoleTool(changer)
	if _, err := change.Execute(ctx, map[string]any{"role": "reviewer"}, tc); err != nil {
		t.Fatal(err)
	}
	if changer.agentName != "architect" || changer.newRole != "reviewer" {
		t.Errorf("role change defaulted wrong: %+v", changer)
	}
}
