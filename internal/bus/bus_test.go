package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe("team:1", "agent-a", func(ev Event) { got <- ev })

	b.Publish("team:1", Event{Name: "peer_message", Payload: map[string]any{"text": "hi"}})

	select {
	case ev := <-got:
		if ev.Name != "peer_message" || ev.Topic != "team:1" {
			t.Errorf("got %+v", ev)
		}
		if ev.TS.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()

	got := make(chan Event, 2)
	b.Subscribe("team:1", "a", func(ev Event) { got <- ev })
	b.Subscribe("team:2", "b", func(ev Event) { got <- ev })

	b.Publish("team:1", Event{Name: "only_team_one"})

	select {
	case ev := <-got:
		if ev.Topic != "team:1" {
			t.Errorf("delivered on %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected second delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewSized(slog.Default(), 1)
	defer b.Close()

	gate := make(chan struct{})
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(gate) }) }
	defer openGate() // unblock the handler so Close can finish

	entered := make(chan struct{}, 8)
	var handled atomic.Int32
	b.Subscribe("t", "slow", func(Event) {
		entered <- struct{}{}
		<-gate
		handled.Add(1)
	})

	fast := make(chan Event, 8)
	b.Subscribe("t", "fast", func(ev Event) { fast <- ev })

	b.Publish("t", Event{Name: "e1"})
	<-entered // slow subscriber is now stuck inside its handler

	done := make(chan struct{})
	go func() {
		b.Publish("t", Event{Name: "e2"}) // fills the queue
		b.Publish("t", Event{Name: "e3"}) // dropped for slow
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The fast subscriber got everything.
	for i := 0; i < 3; i++ {
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber got %d of 3 events", i)
		}
	}

	openGate()
	<-entered // e2 drains
	deadline := time.After(time.Second)
	for handled.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("slow subscriber handled %d events, want 2", handled.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case <-entered:
		t.Error("dropped event was delivered anyway")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()

	got := make(chan Event, 4)
	b.Subscribe("t", "a", func(ev Event) { got <- ev })
	b.Unsubscribe("t", "a")

	b.Publish("t", Event{Name: "late"})

	select {
	case ev := <-got:
		t.Fatalf("delivered after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if n := b.Subscribers("t"); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestUnsubscribeAllSpansTopics(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()

	got := make(chan Event, 4)
	b.SubscribeMany([]string{"t1", "t2", "t3"}, "client", func(ev Event) { got <- ev })
	if n := b.Subscribers("t2"); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	b.UnsubscribeAll("client")

	for _, topic := range []string{"t1", "t2", "t3"} {
		b.Publish(topic, Event{Name: "x"})
		if n := b.Subscribers(topic); n != 0 {
			t.Errorf("topic %s still has %d subscribers", topic, n)
		}
	}
	select {
	case ev := <-got:
		t.Fatalf("delivered after unsubscribe-all: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResubscribeReplacesHandler(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()

	old := make(chan Event, 1)
	b.Subscribe("t", "a", func(ev Event) { old <- ev })

	fresh := make(chan Event, 1)
	b.Subscribe("t", "a", func(ev Event) { fresh <- ev })

	b.Publish("t", Event{Name: "hello"})

	select {
	case <-fresh:
	case <-time.After(time.Second):
		t.Fatal("replacement handler never ran")
	}
	select {
	case <-old:
		t.Error("stale handler still receiving")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithoutSubscribersIsHarmless(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()
	b.Publish("nobody:listens", Event{Name: "void"})
}
