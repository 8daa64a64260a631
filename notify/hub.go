package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"escrowdesk/observability"
)

// Action identifies a change published by the Hub.
type Action string

const (
	ActionShow    Action = "show"
	ActionDismiss Action = "dismiss"
)

// Event is one surface change, numbered in publication order.
type Event struct {
	Seq          int64        `json:"seq"`
	Action       Action       `json:"action"`
	Notification Notification `json:"notification"`
}

const (
	defaultHistoryCapacity = 256
	defaultTerminalTTL     = 5 * time.Second
	subscriberBuffer       = 32
)

// HubOption adjusts the hub.
type HubOption func(*hubConfig)

type hubConfig struct {
	historyCapacity int
	terminalTTL     time.Duration
	now             func() time.Time
}

// WithHistoryCapacity sets the number of events retained for replay.
func WithHistoryCapacity(capacity int) HubOption {
	return func(cfg *hubConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithTerminalTTL sets how long success and error notifications stay visible.
func WithTerminalTTL(ttl time.Duration) HubOption {
	return func(cfg *hubConfig) {
		if ttl > 0 {
			cfg.terminalTTL = ttl
		}
	}
}

// withHubClock overrides the clock used for expiry (test only).
func withHubClock(now func() time.Time) HubOption {
	return func(cfg *hubConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Hub is a Surface that keeps the visible set, a bounded event history and
// fans events out to subscribers. Loading notifications stay visible until
// dismissed; terminal ones expire after the terminal TTL.
type Hub struct {
	mu      sync.Mutex
	seq     int64
	history ring[Event]
	visible map[string]Notification
	subs    map[int]chan Event
	nextSub int
	ttl     time.Duration
	now     func() time.Time
	metrics *hubMetrics
}

// NewHub constructs a hub.
func NewHub(opts ...HubOption) *Hub {
	cfg := hubConfig{
		historyCapacity: defaultHistoryCapacity,
		terminalTTL:     defaultTerminalTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Hub{
		history: newRing[Event](cfg.historyCapacity),
		visible: make(map[string]Notification),
		subs:    make(map[int]chan Event),
		ttl:     cfg.terminalTTL,
		now:     cfg.now,
		metrics: sharedHubMetrics(),
	}
}

// Show records the notification as visible and publishes it.
func (h *Hub) Show(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = h.now().UTC()
	}
	h.visible[n.ID] = n
	h.publishLocked(ActionShow, n)
	observability.Notifications().RecordShown(string(n.Kind))
}

// Dismiss removes a visible notification. Unknown ids are ignored.
func (h *Hub) Dismiss(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.visible[id]
	if !ok {
		return
	}
	delete(h.visible, id)
	h.publishLocked(ActionDismiss, n)
}

// Visible returns the notifications currently on screen, oldest first.
func (h *Hub) Visible() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expireLocked(h.now())
	out := make([]Notification, 0, len(h.visible))
	for _, n := range h.visible {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// History returns retained events with a sequence number greater than after.
func (h *Hub) History(after int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.historyLocked(after)
}

// Subscribe returns the retained history after the given sequence and a
// channel of subsequent events. Slow subscribers lose events rather than
// blocking publishers. The channel closes when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, after int64) ([]Event, <-chan Event) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	replay := h.historyLocked(after)
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	context.AfterFunc(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	})
	return replay, ch
}

func (h *Hub) historyLocked(after int64) []Event {
	out := make([]Event, 0, h.history.len())
	h.history.forEach(func(evt Event) {
		if evt.Seq > after {
			out = append(out, evt)
		}
	})
	return out
}

func (h *Hub) publishLocked(action Action, n Notification) {
	h.seq++
	evt := Event{Seq: h.seq, Action: action, Notification: n}
	if _, dropped := h.history.push(evt); dropped {
		h.metrics.recordDropped("history_overflow", 1)
	}
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.metrics.recordDropped("slow_subscriber", 1)
		}
	}
}

func (h *Hub) expireLocked(now time.Time) {
	for id, n := range h.visible {
		if !n.Kind.Terminal() {
			continue
		}
		if now.Sub(n.CreatedAt) > h.ttl {
			delete(h.visible, id)
			h.publishLocked(ActionDismiss, n)
		}
	}
}

var (
	hubMetricsOnce sync.Once
	hubMetricsInst *hubMetrics
)

type hubMetrics struct {
	dropped metric.Int64Counter
}

func sharedHubMetrics() *hubMetrics {
	hubMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("escrowdesk/notify")
		counter, err := meter.Int64Counter("escrowdesk.notify.events.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("escrowdesk/notify")
			counter, _ = fallback.Int64Counter("escrowdesk.notify.events.dropped")
		}
		hubMetricsInst = &hubMetrics{dropped: counter}
	})
	return hubMetricsInst
}

func (m *hubMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
