// Package notify presents transaction progress to the user. The Coordinator
// guarantees that at most one loading notification is visible at a time and
// that terminal notifications never overlap a stale loading one.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification.
type Kind string

const (
	KindLoading Kind = "loading"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Terminal reports whether the kind ends a transaction's presentation.
func (k Kind) Terminal() bool {
	return k == KindSuccess || k == KindError
}

// Notification is a user-visible message.
type Notification struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Surface renders notifications.
type Surface interface {
	Show(n Notification)
	Dismiss(id string)
}

// DefaultTerminalDelay separates a dismissed loading notification from the
// terminal notification that replaces it.
const DefaultTerminalDelay = 100 * time.Millisecond

// Option customises the coordinator.
type Option func(*Coordinator)

// WithTerminalDelay overrides the pause before terminal notifications are
// shown. Zero shows them immediately.
func WithTerminalDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.delay = d
		}
	}
}

// WithClock overrides the time source used to stamp notifications.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// withScheduler overrides how delayed notifications are scheduled (test only).
func withScheduler(after func(time.Duration, func())) Option {
	return func(c *Coordinator) {
		if after != nil {
			c.after = after
		}
	}
}

// Coordinator owns the loading-notification slot.
type Coordinator struct {
	surface Surface
	delay   time.Duration
	now     func() time.Time
	after   func(time.Duration, func())

	mu      sync.Mutex
	loading string
}

// NewCoordinator constructs a coordinator rendering onto surface.
func NewCoordinator(surface Surface, opts ...Option) *Coordinator {
	c := &Coordinator{
		surface: surface,
		delay:   DefaultTerminalDelay,
		now:     time.Now,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ShowLoading dismisses any visible loading notification and shows a new one
// that persists until replaced. The new notification's id is returned.
func (c *Coordinator) ShowLoading(title, description string) string {
	n := c.build(KindLoading, title, description)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading != "" {
		c.surface.Dismiss(c.loading)
	}
	c.loading = n.ID
	c.surface.Show(n)
	return n.ID
}

// ShowSuccess shows a success notification. When a loading notification was
// active it is dismissed and the success follows after the terminal delay.
func (c *Coordinator) ShowSuccess(title, description string) {
	c.terminal(KindSuccess, title, description)
}

// ShowError shows an error notification, delayed like ShowSuccess.
func (c *Coordinator) ShowError(title, description string) {
	c.terminal(KindError, title, description)
}

// ActiveLoading returns the id of the visible loading notification, if any.
func (c *Coordinator) ActiveLoading() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading, c.loading != ""
}

func (c *Coordinator) terminal(kind Kind, title, description string) {
	n := c.build(kind, title, description)
	c.mu.Lock()
	hadLoading := c.loading != ""
	if hadLoading {
		c.surface.Dismiss(c.loading)
		c.loading = ""
	}
	c.mu.Unlock()
	if !hadLoading || c.delay <= 0 {
		c.surface.Show(n)
		return
	}
	c.after(c.delay, func() {
		c.surface.Show(n)
	})
}

func (c *Coordinator) build(kind Kind, title, description string) Notification {
	return Notification{
		ID:          uuid.NewString(),
		Kind:        kind,
		Title:       title,
		Description: description,
		CreatedAt:   c.now().UTC(),
	}
}
