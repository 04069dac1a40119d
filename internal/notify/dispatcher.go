package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Dispatcher decouples delivery from the request that produced a
// notification. Notify enqueues and returns immediately; a single worker
// started with Start forwards each notification to the wrapped Notifier.
type Dispatcher struct {
	next        Notifier
	queue       chan Notification
	sendTimeout time.Duration
	done        chan struct{}
	startOnce   sync.Once

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher wraps next with a queue holding up to size notifications.
func NewDispatcher(next Notifier, size int) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		next:        next,
		queue:       make(chan Notification, size),
		sendTimeout: 30 * time.Second,
		done:        make(chan struct{}),
	}
}

// Notify enqueues n. It never blocks; a full queue drops n and returns
// ErrQueueFull. Once the dispatcher is shutting down it returns
// ErrStopped.
func (d *Dispatcher) Notify(_ context.Context, n Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	select {
	case d.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start runs the delivery loop until ctx is cancelled, then drains what
// is already queued. Call it once, usually in its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		defer close(d.done)

		logger := log.With().Str("component", "notification_dispatcher").Logger()
		logger.Info().Msg("starting notification dispatcher")

		for {
			select {
			case <-ctx.Done():
				d.mu.Lock()
				d.stopped = true
				d.mu.Unlock()
				d.drain()
				logger.Info().Msg("notification dispatcher stopped")
				return
			case n := <-d.queue:
				d.deliver(n)
			}
		}
	})
}

// Done is closed once Start has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() {
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.next.Notify(ctx, n); err != nil {
		log.Warn().
			Err(err).
			Str("kind", string(n.Kind)).
			Str("recipient", n.Recipient).
			Msg("notification delivery failed")
	}
}
