package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Event describes one reportable sync condition for a destination.
type Event struct {
	// Kind is "failed" while cycles are erroring and "recovered" on the
	// first success that follows a failure.
	Kind        string
	Destination string
	Err         string
	RowsSeen    int
	RowsApplied int
	Watermark   time.Time
	At          time.Time
}

// Channel delivers one rendered notification.
type Channel interface {
	Send(ctx context.Context, content string) error
}

// Clock provides time for cooldown tracking.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Notifier renders sync events and pushes them through a channel. Repeated
// failures for the same destination are throttled by a cooldown so a source
// outage does not flood the channel; recoveries always go out.
type Notifier struct {
	channel  Channel
	cooldown time.Duration
	clock    Clock

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// Option configures the notifier.
type Option func(*Notifier)

// WithCooldown sets the minimum interval between failure notifications for
// the same destination.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// NewNotifier constructs a notifier.
func NewNotifier(channel Channel, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, fmt.Errorf("notifier: nil channel")
	}
	n := &Notifier{
		channel:  channel,
		cooldown: 15 * time.Minute,
		clock:    systemClock{},
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify renders and sends event. Send failures are swallowed; a broken
// notification channel must never affect the sync cycle itself.
func (n *Notifier) Notify(ctx context.Context, event Event) {
	if n == nil || n.channel == nil {
		return
	}
	if event.Kind == "failed" && !n.shouldSend(event.Destination) {
		return
	}
	if err := n.channel.Send(ctx, formatEvent(event)); err != nil {
		return
	}
	if event.Kind == "failed" {
		n.markSent(event.Destination)
	} else {
		n.clear(event.Destination)
	}
}

func (n *Notifier) shouldSend(destination string) bool {
	n.mu.Lock()
	last, ok := n.lastSent[destination]
	n.mu.Unlock()
	if !ok {
		return true
	}
	return n.clock.Now().Sub(last) >= n.cooldown
}

func (n *Notifier) markSent(destination string) {
	n.mu.Lock()
	n.lastSent[destination] = n.clock.Now()
	n.mu.Unlock()
}

func (n *Notifier) clear(destination string) {
	n.mu.Lock()
	delete(n.lastSent, destination)
	n.mu.Unlock()
}

func formatEvent(event Event) string {
	var b strings.Builder
	switch event.Kind {
	case "failed":
		b.WriteString("[pluviosync] sync cycle failed\n")
	case "recovered":
		b.WriteString("[pluviosync] sync recovered\n")
	default:
		fmt.Fprintf(&b, "[pluviosync] %s\n", event.Kind)
	}
	fmt.Fprintf(&b, "Destination: %s\n", event.Destination)
	if event.Err != "" {
		fmt.Fprintf(&b, "Error: %s\n", event.Err)
	}
	fmt.Fprintf(&b, "Rows seen/applied: %d/%d\n", event.RowsSeen, event.RowsApplied)
	if !event.Watermark.IsZero() {
		fmt.Fprintf(&b, "Watermark: %s\n", event.Watermark.UTC().Format(time.RFC3339))
	}
	if !event.At.IsZero() {
		fmt.Fprintf(&b, "At: %s\n", event.At.UTC().Format(time.RFC3339))
	}
	return strings.TrimSpace(b.String())
}
