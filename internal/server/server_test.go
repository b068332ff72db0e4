package server

import (
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// --- API key resolution ---

func TestResolveAPIKey(t *testing.T) {
	g := &Gateway{config: Config{APIKeys: map[string]string{
		"secret-one": "alice",
		"secret-two": "bob",
	}}}

	cases := []struct {
		name   string
		header string
		wantID string
		wantOK bool
	}{
		{"valid key", "Bearer secret-one", "alice", true},
		{"second key", "Bearer secret-two", "bob", true},
		{"unknown key", "Bearer wrong", "", false},
		{"missing bearer prefix", "secret-one", "", false},
		{"empty header", "", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			id, ok := g.resolveAPIKey(c.header)
			if ok != c.wantOK || id != c.wantID {
				t.Errorf("resolveAPIKey(%q) = %q, %v; want %q, %v", c.header, id, ok, c.wantID, c.wantOK)
			}
		})
	}
}

func TestResolveAPIKey_NoKeysConfigured(t *testing.T) {
	g := &Gateway{}
	if _, ok := g.resolveAPIKey("Bearer anything"); ok {
		t.Error("gateway without configured keys must reject every key")
	}
}

// --- Event hub ---

func TestEventHub_PublishReachesSubscribers(t *testing.T) {
	hub := NewEventHub(nil)
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	hub.OnExecution(sandbox.ExecutionEvent{
		ExecutionID: "exec-1",
		SessionID:   "alice",
		Result:      sandbox.ExecutionResult{Success: true, Output: "ok\n", Duration: 30 * time.Millisecond},
		When:        time.Now(),
	})

	select {
	case ev := <-ch:
		if ev.Type != "execution" || ev.Status != "success" || ev.Output != "ok\n" {
			t.Errorf("event = %+v", ev)
		}
		if ev.DurationMS != 30 {
			t.Errorf("duration = %d, want 30", ev.DurationMS)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventHub_TimeoutStatus(t *testing.T) {
	hub := NewEventHub(nil)
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	hub.OnExecution(sandbox.ExecutionEvent{
		ExecutionID: "exec-1",
		Result:      sandbox.ExecutionResult{TimedOut: true},
	})
	if ev := <-ch; ev.Status != "timeout" {
		t.Errorf("status = %q, want timeout", ev.Status)
	}
}

func TestEventHub_CallEvents(t *testing.T) {
	hub := NewEventHub(nil)
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	hub.OnCall(sandbox.CallEvent{
		ExecutionID: "exec-1",
		Path:        "FakeSkill.hack",
		Status:      "denied",
	})
	ev := <-ch
	if ev.Type != "call" || ev.Path != "FakeSkill.hack" || ev.Status != "denied" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventHub_SlowSubscriberDropped(t *testing.T) {
	hub := NewEventHub(nil)
	ch := hub.subscribe()
	if hub.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", hub.SubscriberCount())
	}

	// Nobody reads ch; once the buffer is full the hub evicts it.
	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Publish(Event{Type: "execution"})
	}
	if hub.SubscriberCount() != 0 {
		t.Errorf("slow subscriber still registered, count = %d", hub.SubscriberCount())
	}
	// The hub closed the channel; unsubscribing again must not panic.
	hub.unsubscribe(ch)
}

func TestEventHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewEventHub(nil)
	ch := hub.subscribe()
	hub.unsubscribe(ch)

	if hub.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d, want 0", hub.SubscriberCount())
	}
	hub.Publish(Event{Type: "execution"}) // Must not panic on the closed channel.
	if _, open := <-ch; open {
		t.Error("channel should be closed after unsubscribe")
	}
}
