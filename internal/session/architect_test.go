package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/tools"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

const planText = `Here is the plan:
[
  {"file": "a.go", "action": "create", "description": "add package a", "details": "declare package a"},
  {"file": "b.go", "action": "modify", "description": "wire a into b"}
]
Let me know if anything is unclear.`

func TestParsePlan(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		want    int
		wantErr bool
	}{
		{"prose around array", planText, 2, false},
		{"bare array", `[{"file":"x","action":"create","description":"d"}]`, 1, false},
		{"empty array", `[]`, 0, true},
		{"no json", `I would start by refactoring the parser.`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := ParsePlan(tc.text)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(plan) != tc.want {
				t.Fatalf("got %d items, want %d", len(plan), tc.want)
			}
		})
	}
}

func TestParsePlanFields(t *testing.T) {
	plan, err := ParsePlan(planText)
	if err != nil {
		t.Fatal(err)
	}
	first := plan[0]
	if first.File != "a.go" || first.Action != "create" || first.Details != "declare package a" {
		t.Fatalf("unexpected first item %+v", first)
	}
}

func TestArchitectPlanAndExecute(t *testing.T) {
	f := newSessionFixture(t)
	f.client.responses = []*providers.Response{
		finalResp(planText),
		finalResp("created a"),
		finalResp("updated b"),
	}
	s := f.open(t)
	ctx := context.Background()

	res, err := s.Architect(ctx, "split the parser into two files")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Plan) != 2 || len(res.Steps) != 2 {
		t.Fatalf("got %d plan items and %d steps", len(res.Plan), len(res.Steps))
	}
	if res.Steps[0].Result != "created a" || res.Steps[1].Result != "updated b" {
		t.Fatalf("unexpected step results %+v", res.Steps)
	}

	// The planner and the executor run on their configured models.
	if got := f.client.call(0).model; got != "fake-strong" {
		t.Fatalf("plan ran on %q, want fake-strong", got)
	}
	if got := f.client.call(1).model; got != "fake-cheap" {
		t.Fatalf("step ran on %q, want fake-cheap", got)
	}

	window := f.client.call(1).window
	last := window[len(window)-1]
	if !strings.Contains(last.Content, "Apply step 1 of 2") || !strings.Contains(last.Content, "File: a.go") {
		t.Fatalf("step prompt missing plan item: %q", last.Content)
	}

	persisted, err := f.stores.Sessions.Messages(ctx, s.ID())
	if err != nil {
		t.Fatal(err)
	}
	// request, plan, and a user+assistant pair per step.
	if len(persisted) != 6 {
		t.Fatalf("got %d persisted messages, want 6", len(persisted))
	}
}

func TestArchitectRejectsUnparseablePlan(t *testing.T) {
	f := newSessionFixture(t)
	f.client.responses = []*providers.Response{finalResp("I would just wing it.")}
	s := f.open(t)

	_, err := s.Architect(context.Background(), "do something")
	if err == nil || !strings.Contains(err.Error(), "plan is not a JSON array") {
		t.Fatalf("got %v, want plan parse error", err)
	}
}

func TestArchitectBlocksOnPermissionUntilAnswered(t *testing.T) {
	f := newSessionFixture(t)
	ran := 0
	f.tools.Register(&fnTool{name: "write_file", fn: func(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
		ran++
		return "written", nil
	}})
	f.client.responses = []*providers.Response{
		finalResp(`[{"file":"a.go","action":"create","description":"add a"}]`),
		toolCallResp("c1", "write_file", map[string]any{"file_path": "a.go"}),
		finalResp("applied"),
	}
	s := f.open(t)
	ctx := context.Background()
	events := f.watch(t, protocol.SessionTopic(s.ID()))

	type outcome struct {
		res *ArchitectResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Architect(ctx, "create a.go")
		done <- outcome{res, err}
	}()

	ev := waitEvent(t, events, protocol.EventPermissionRequest)
	id, _ := ev.Payload["request_id"].(string)
	if id == "" {
		t.Fatalf("permission request without id: %+v", ev.Payload)
	}
	if ran != 0 {
		t.Fatal("tool ran before approval")
	}

	reply, err := s.HandlePermissionResponse(ctx, id, protocol.ActionAllowOnce)
	if err != nil {
		t.Fatal(err)
	}
	if reply != nil {
		t.Fatalf("in-process answer must not produce a reply, got %+v", reply)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatal(out.err)
		}
		if len(out.res.Steps) != 1 || out.res.Steps[0].Result != "applied" {
			t.Fatalf("unexpected result %+v", out.res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("architect did not finish after the permission answer")
	}
	if ran != 1 {
		t.Fatalf("tool ran %d times, want 1", ran)
	}
}

func TestArchitectRefusedWhilePermissionPending(t *testing.T) {
	f := newSessionFixture(t)
	f.tools.Register(&fnTool{name: "write_file", fn: func(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
		return "written", nil
	}})
	f.client.responses = []*providers.Response{
		toolCallResp("c1", "write_file", map[string]any{"file_path": "/tmp/x"}),
	}
	s := f.open(t)
	ctx := context.Background()

	if _, err := s.SendMessage(ctx, "write it"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Architect(ctx, "plan something"); err != ErrPermissionPending {
		t.Fatalf("got %v, want ErrPermissionPending", err)
	}
}
