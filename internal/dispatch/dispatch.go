// Package dispatch delivers ride events to riders and drivers. Delivery is
// best effort: the Notifier queues events and sinks deliver them off the
// caller's goroutine, so a slow or failing sink never holds up a ride
// transition.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

type EventType string

const (
	EventNewRideRequest EventType = "new_ride_request"
	EventRideAccepted   EventType = "ride_accepted"
	EventRideStarted    EventType = "ride_started"
	EventRideCompleted  EventType = "ride_completed"
	EventRideCancelled  EventType = "ride_cancelled"
	EventRideRated      EventType = "ride_rated"
)

type Event struct {
	Type   EventType `json:"type"`
	RideID string    `json:"ride_id"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}

// Sink is a delivery channel. Broadcast reaches every online driver the sink
// knows about.
type Sink interface {
	SendTo(ctx context.Context, recipientID string, ev Event) error
	Broadcast(ctx context.Context, ev Event) error
}

// Publisher is the fire-and-forget side used by the core.
type Publisher interface {
	SendTo(recipientID string, ev Event)
	Broadcast(ev Event)
}

var ErrNoSession = errors.New("no live session for recipient")

type NotifierOptions struct {
	Workers int
	Buffer  int
	Timeout time.Duration
}

type job struct {
	recipient string
	broadcast bool
	ev        Event
}

// Notifier is a bounded queue drained by a fixed worker pool. When the queue
// is full the event is dropped and counted.
type Notifier struct {
	sink    Sink
	name    string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

func NewNotifier(sink Sink, opts NotifierOptions, logger *slog.Logger) *Notifier {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		sink:    sink,
		name:    sinkName(sink),
		timeout: opts.Timeout,
		logger:  logger,
		jobs:    make(chan job, opts.Buffer),
	}
	for i := 0; i < opts.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

func (n *Notifier) SendTo(recipientID string, ev Event) {
	n.enqueue(job{recipient: recipientID, ev: ev})
}

func (n *Notifier) Broadcast(ev Event) {
	n.enqueue(job{broadcast: true, ev: ev})
}

func (n *Notifier) enqueue(j job) {
	if j.ev.At.IsZero() {
		j.ev.At = time.Now().UTC()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.drop(j, "closed")
		return
	}
	select {
	case n.jobs <- j:
	default:
		n.drop(j, "buffer full")
	}
}

func (n *Notifier) drop(j job, reason string) {
	observability.NotificationsDropped.Inc()
	n.logger.Warn("notification dropped", "reason", reason, "type", j.ev.Type, "ride_id", j.ev.RideID, "recipient", j.recipient)
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for j := range n.jobs {
		n.deliver(j)
	}
}

func (n *Notifier) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	var err error
	if j.broadcast {
		err = n.sink.Broadcast(ctx, j.ev)
	} else {
		err = n.sink.SendTo(ctx, j.recipient, j.ev)
	}
	switch {
	case err == nil:
		observability.Notifications.WithLabelValues(n.name, "ok").Inc()
	case errors.Is(err, ErrNoSession):
		observability.Notifications.WithLabelValues(n.name, "no_session").Inc()
		n.logger.Debug("notification not delivered", "type", j.ev.Type, "ride_id", j.ev.RideID, "recipient", j.recipient, "error", err)
	default:
		observability.Notifications.WithLabelValues(n.name, "error").Inc()
		n.logger.Warn("notification failed", "type", j.ev.Type, "ride_id", j.ev.RideID, "recipient", j.recipient, "broadcast", j.broadcast, "error", err)
	}
}

// Close stops accepting events and waits for queued ones to drain.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.jobs)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fanout delivers to several sinks. A recipient without a session on one
// sink is not an error as long as some sink took the event.
type Fanout []Sink

func (f Fanout) SendTo(ctx context.Context, recipientID string, ev Event) error {
	return f.each(func(s Sink) error { return s.SendTo(ctx, recipientID, ev) })
}

func (f Fanout) Broadcast(ctx context.Context, ev Event) error {
	return f.each(func(s Sink) error { return s.Broadcast(ctx, ev) })
}

func (f Fanout) each(call func(Sink) error) error {
	var (
		failures  []error
		delivered bool
	)
	for _, s := range f {
		err := call(s)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrNoSession):
		default:
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	if !delivered && len(f) > 0 {
		return ErrNoSession
	}
	return nil
}

func (f Fanout) Name() string { return "fanout" }

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "sink"
}
