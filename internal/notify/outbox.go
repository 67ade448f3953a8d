package notify

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry policy: 10 attempts, delays doubling from one second.
const (
	DefaultMaxAttempts = 10
	DefaultBaseDelay   = time.Second
)

type delivery struct {
	chatID  int64
	text    string
	photo   string
	caption string
}

func (d delivery) isPhoto() bool { return d.photo != "" }

// Outbox queues notifications without blocking the caller and delivers them
// to a target Notifier from a single goroutine, retrying each one with
// exponential backoff. Deliveries that exhaust their attempts are logged and dropped.
type Outbox struct {
	target      Notifier
	maxAttempts int
	baseDelay   time.Duration

	mu       sync.Mutex
	queue    []delivery
	inFlight bool
	signal   chan struct{}
	idle     chan struct{} // closed while nothing is queued or in flight

	delivered int64
	dropped   int64
}

// NewOutbox wraps target. Non-positive settings fall back to the defaults.
func NewOutbox(target Notifier, maxAttempts int, baseDelay time.Duration) *Outbox {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	idle := make(chan struct{})
	close(idle)
	return &Outbox{
		target:      target,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		signal:      make(chan struct{}, 1),
		idle:        idle,
	}
}

// NotifyText queues a text message. It never blocks and never fails.
func (o *Outbox) NotifyText(_ context.Context, chatID int64, text string) error {
	o.enqueue(delivery{chatID: chatID, text: text})
	return nil
}

// NotifyPhoto queues a photo delivery. It never blocks and never fails.
func (o *Outbox) NotifyPhoto(_ context.Context, chatID int64, photoPath, caption string) error {
	o.enqueue(delivery{chatID: chatID, photo: photoPath, caption: caption})
	return nil
}

func (o *Outbox) enqueue(d delivery) {
	o.mu.Lock()
	if len(o.queue) == 0 && !o.inFlight {
		o.idle = make(chan struct{})
	}
	o.queue = append(o.queue, d)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// Run delivers queued notifications until ctx is cancelled. Whatever is still
// queued at that point is dropped with a warning.
func (o *Outbox) Run(ctx context.Context) {
	for {
		d, ok := o.next()
		if !ok {
			select {
			case <-ctx.Done():
				o.dropRemaining()
				return
			case <-o.signal:
				continue
			}
		}

		o.deliver(ctx, d)

		o.mu.Lock()
		o.inFlight = false
		if len(o.queue) == 0 {
			close(o.idle)
		}
		o.mu.Unlock()

		if ctx.Err() != nil {
			o.dropRemaining()
			return
		}
	}
}

func (o *Outbox) next() (delivery, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return delivery{}, false
	}
	d := o.queue[0]
	o.queue[0] = delivery{}
	o.queue = o.queue[1:]
	o.inFlight = true
	return d, true
}

func (o *Outbox) dropRemaining() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n := len(o.queue); n > 0 {
		slog.Warn("dropping undelivered notifications on shutdown", "count", n)
		o.dropped += int64(n)
		o.queue = nil
		if !o.inFlight {
			close(o.idle)
		}
	}
}

func (o *Outbox) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.maxAttempts-1)), ctx) //nolint:gosec // maxAttempts >= 1
}

func (o *Outbox) deliver(ctx context.Context, d delivery) {
	attempt := 0
	op := func() error {
		attempt++
		if d.isPhoto() {
			return o.target.NotifyPhoto(ctx, d.chatID, d.photo, d.caption)
		}
		return o.target.NotifyText(ctx, d.chatID, d.text)
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("notification delivery failed, retrying",
			"chat_id", d.chatID, "attempt", attempt, "retry_in", wait, "error", err)
	}

	err := backoff.RetryNotify(op, o.newBackOff(ctx), notify)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.dropped++
		slog.Error("giving up on notification",
			"chat_id", d.chatID, "photo", d.isPhoto(), "attempts", attempt, "error", err)
		return
	}
	o.delivered++
}

// Wait blocks until the queue is empty and nothing is in flight, or ctx ends.
func (o *Outbox) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued plus in-flight deliveries.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.queue)
	if o.inFlight {
		n++
	}
	return n
}

// Stats returns the number of delivered and dropped notifications.
func (o *Outbox) Stats() (delivered, dropped int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.delivered, o.dropped
}
