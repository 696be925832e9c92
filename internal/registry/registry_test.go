package registry

import (
	"testing"
	"time"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	key := Key{TeamID: "team-1", Name: "coder"}

	if err := r.Register(key, "ref", map[string]string{"role": "coder"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(key, "other", nil, nil); err == nil {
		t.Fatal("duplicate registration accepted")
	}

	e, ok := r.Lookup(key)
	if !ok {
		t.Fatal("lookup failed")
	}
	if e.Ref != "ref" || e.Meta["role"] != "coder" {
		t.Errorf("got %+v", e)
	}

	if _, ok := r.Lookup(Key{TeamID: "team-1", Name: "ghost"}); ok {
		t.Error("lookup found a ghost")
	}
}

func TestDoneChannelReleasesEntry(t *testing.T) {
	r := New()
	key := Key{TeamID: "team-1", Name: "coder"}
	done := make(chan struct{})

	if err := r.Register(key, nil, nil, done); err != nil {
		t.Fatalf("register: %v", err)
	}
	close(done)

	deadline := time.After(time.Second)
	for {
		if _, ok := r.Lookup(key); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("entry leaked past worker death")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStaleWatcherDoesNotEvictNewRegistration(t *testing.T) {
	r := New()
	key := Key{TeamID: "team-1", Name: "coder"}

	oldDone := make(chan struct{})
	if err := r.Register(key, "old", nil, oldDone); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Unregister(key)
	if err := r.Register(key, "new", nil, nil); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	close(oldDone) // stale watcher fires now

	time.Sleep(20 * time.Millisecond)
	e, ok := r.Lookup(key)
	if !ok {
		t.Fatal("stale watcher evicted the new registration")
	}
	if e.Ref != "new" {
		t.Errorf("ref = %v, want new", e.Ref)
	}
}

func TestUpdateMetaIsObservable(t *testing.T) {
	r := New()
	key := Key{TeamID: "team-1", Name: "coder"}
	if err := r.Register(key, nil, map[string]string{"status": "idle"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	if ok := r.UpdateMeta(key, func(m map[string]string) { m["status"] = "busy" }); !ok {
		t.Fatal("update meta failed")
	}
	e, _ := r.Lookup(key)
	if e.Meta["status"] != "busy" {
		t.Errorf("status = %q, want busy", e.Meta["status"])
	}

	// Lookup snapshots must not alias live metadata.
	e.Meta["status"] = "mutated"
	e2, _ := r.Lookup(key)
	if e2.Meta["status"] != "busy" {
		t.Error("snapshot aliases live metadata")
	}

	if ok := r.UpdateMeta(Key{TeamID: "x", Name: "y"}, func(map[string]string) {}); ok {
		t.Error("update meta on missing key reported success")
	}
}

func TestSelectByTeam(t *testing.T) {
	r := New()
	for _, k := range []Key{
		{TeamID: "team-1", Name: "architect"},
		{TeamID: "team-1", Name: "coder"},
		{TeamID: "team-1", Name: KeeperName("abc")},
		{TeamID: "team-2", Name: "coder"},
	} {
		if err := r.Register(k, nil, map[string]string{"role": k.Name}, nil); err != nil {
			t.Fatalf("register %v: %v", k, err)
		}
	}

	if got := len(r.Team("team-1")); got != 3 {
		t.Errorf("team-1 has %d entries, want 3", got)
	}

	agents := r.Select(func(e *Entry) bool {
		return e.Key.TeamID == "team-1" && e.Key.Name != KeeperName("abc")
	})
	if len(agents) != 2 {
		t.Errorf("got %d agents, want 2", len(agents))
	}
	if r.Len() != 4 {
		t.Errorf("len = %d, want 4", r.Len())
	}
}
