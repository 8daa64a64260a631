package notify

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type surfaceCall struct {
	op string
	n  Notification
	id string
}

type recordingSurface struct {
	mu    sync.Mutex
	calls []surfaceCall
}

func (s *recordingSurface) Show(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, surfaceCall{op: "show", n: n})
}

func (s *recordingSurface) Dismiss(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, surfaceCall{op: "dismiss", id: id})
}

func (s *recordingSurface) snapshot() []surfaceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]surfaceCall(nil), s.calls...)
}

type manualScheduler struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (m *manualScheduler) after(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.pending = append(m.pending, fn)
}

func (m *manualScheduler) fire() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func TestShowLoadingReplacesPreviousLoading(t *testing.T) {
	surface := &recordingSurface{}
	coord := NewCoordinator(surface)

	first := coord.ShowLoading("Processing transaction", "Please confirm in your wallet")
	second := coord.ShowLoading("Processing transaction", "Please confirm in your wallet")

	calls := surface.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected show, dismiss, show; got %+v", calls)
	}
	if calls[0].op != "show" || calls[0].n.ID != first || calls[0].n.Kind != KindLoading {
		t.Fatalf("unexpected first call: %+v", calls[0])
	}
	if calls[1].op != "dismiss" || calls[1].id != first {
		t.Fatalf("expected first loading dismissed, got %+v", calls[1])
	}
	if calls[2].op != "show" || calls[2].n.ID != second {
		t.Fatalf("expected second loading shown, got %+v", calls[2])
	}
	if active, ok := coord.ActiveLoading(); !ok || active != second {
		t.Fatalf("expected active loading %s, got %s", second, active)
	}
}

func TestTerminalDismissesLoadingBeforeDelayedShow(t *testing.T) {
	surface := &recordingSurface{}
	sched := &manualScheduler{}
	coord := NewCoordinator(surface, withScheduler(sched.after))

	loading := coord.ShowLoading("Processing transaction", "")
	coord.ShowSuccess("Transaction successful", "Deposit successful!")

	calls := surface.snapshot()
	if len(calls) != 2 || calls[1].op != "dismiss" || calls[1].id != loading {
		t.Fatalf("expected loading dismissed before terminal show, got %+v", calls)
	}
	if len(sched.delays) != 1 || sched.delays[0] != DefaultTerminalDelay {
		t.Fatalf("expected one delayed show of %s, got %v", DefaultTerminalDelay, sched.delays)
	}
	if _, ok := coord.ActiveLoading(); ok {
		t.Fatalf("expected no active loading after terminal")
	}

	sched.fire()
	calls = surface.snapshot()
	last := calls[len(calls)-1]
	if last.op != "show" || last.n.Kind != KindSuccess || last.n.Description != "Deposit successful!" {
		t.Fatalf("unexpected terminal notification: %+v", last)
	}
}

func TestTerminalWithoutLoadingOnlyShows(t *testing.T) {
	surface := &recordingSurface{}
	sched := &manualScheduler{}
	coord := NewCoordinator(surface, withScheduler(sched.after))

	coord.ShowError("Transaction failed", "rejected")

	calls := surface.snapshot()
	if len(calls) != 1 || calls[0].op != "show" || calls[0].n.Kind != KindError {
		t.Fatalf("expected a single immediate error show, got %+v", calls)
	}
	if len(sched.delays) != 0 {
		t.Fatalf("terminal notification without loading was deferred by %v", sched.delays)
	}
}

func TestHubVisibleSetAndExpiry(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	hub := NewHub(withHubClock(clock.Now), WithTerminalTTL(5*time.Second))
	coord := NewCoordinator(hub, WithTerminalDelay(0), WithClock(clock.Now))

	coord.ShowLoading("Processing transaction", "")
	if visible := hub.Visible(); len(visible) != 1 || visible[0].Kind != KindLoading {
		t.Fatalf("expected one loading visible, got %+v", visible)
	}

	clock.Advance(time.Minute)
	if visible := hub.Visible(); len(visible) != 1 {
		t.Fatalf("loading should not expire, got %+v", visible)
	}

	coord.ShowSuccess("Transaction successful", "done")
	visible := hub.Visible()
	if len(visible) != 1 || visible[0].Kind != KindSuccess {
		t.Fatalf("expected only success visible, got %+v", visible)
	}

	clock.Advance(6 * time.Second)
	if visible := hub.Visible(); len(visible) != 0 {
		t.Fatalf("expected success to expire, got %+v", visible)
	}

	events := hub.History(0)
	if len(events) != 4 {
		t.Fatalf("expected show, dismiss, show, dismiss; got %+v", events)
	}
	for i, evt := range events {
		if evt.Seq != int64(i+1) {
			t.Fatalf("unexpected sequence at %d: %d", i, evt.Seq)
		}
	}
}

func TestHubHistoryDropsOldest(t *testing.T) {
	hub := NewHub(WithHistoryCapacity(2))
	for _, id := range []string{"a", "b", "c"} {
		hub.Show(Notification{ID: id, Kind: KindLoading})
	}
	events := hub.History(0)
	if len(events) != 2 || events[0].Notification.ID != "b" || events[1].Notification.ID != "c" {
		t.Fatalf("unexpected history: %+v", events)
	}
	if tail := hub.History(2); len(tail) != 1 || tail[0].Seq != 3 {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

func TestHubSubscribeReplaysAndStreams(t *testing.T) {
	hub := NewHub()
	hub.Show(Notification{ID: "first", Kind: KindLoading})

	ctx, cancel := context.WithCancel(context.Background())
	replay, ch := hub.Subscribe(ctx, 0)
	if len(replay) != 1 || replay[0].Notification.ID != "first" {
		t.Fatalf("unexpected replay: %+v", replay)
	}

	hub.Dismiss("first")
	hub.Dismiss("unknown")

	select {
	case evt := <-ch:
		if evt.Action != ActionDismiss || evt.Notification.ID != "first" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected streamed dismiss event")
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("expected subscription channel to close")
		}
	}
}
