package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType names the lifecycle step a job reached.
type EventType string

const (
	EventCreated EventType = "created"
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventFailed  EventType = "failed"
	EventDeleted EventType = "deleted"
)

// TypeForState maps a job state to the event recorded when a job enters it.
func TypeForState(state string) EventType {
	switch state {
	case "running":
		return EventStarted
	case "stopped":
		return EventStopped
	case "failed":
		return EventFailed
	case "deleted":
		return EventDeleted
	default:
		return EventCreated
	}
}

// Record is the job transition carried by an event.
type Record struct {
	Name          string `json:"name"`
	From          string `json:"from"`
	To            string `json:"to"`
	Reason        string `json:"reason,omitempty"`
	LastEventText string `json:"last_event_text,omitempty"`
}

// Event represents a job lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks from a background goroutine so a slow
// sink never blocks the caller. Events are dropped when the buffer is full.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	ch   chan Event
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewRecorder starts a recorder for sinks. A nil logger uses slog.Default.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{sinks: sinks, logger: logger, timeout: 5 * time.Second, ch: make(chan Event, 256)}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record queues e for delivery.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped++
		r.logger.Warn("history buffer full, event dropped", "job", e.Record.Name, "type", e.Type)
	}
}

// Dropped returns the number of events discarded due to a full buffer.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close drains queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
	r.wg.Wait()
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				r.logger.Warn("history sink close failed", "error", err)
			}
		}
	}
	return nil
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink send failed", "job", e.Record.Name, "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}
