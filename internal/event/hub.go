package event

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the bridge.
const (
	TopicFrame      = "frame"      // every inbound frame, verbatim
	TopicNotice     = "notice"     // fatal/error/info notices for the UI
	TopicTransition = "transition" // job state changes
	TopicAll        = "*"
)

// Level grades a notice.
type Level string

const (
	LevelInfo       Level = "info"
	LevelDiagnostic Level = "diagnostic"
	LevelError      Level = "error"
	LevelFatal      Level = "fatal"
)

// Notice is a user-visible message. Job is empty for unscoped notices.
type Notice struct {
	Level Level     `json:"level"`
	Job   string    `json:"job,omitempty"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Event is what subscribers receive. Exactly one of Frame, Notice or Data is meaningful
// depending on Topic.
type Event struct {
	Topic  string  `json:"topic"`
	Job    string  `json:"job,omitempty"`
	Frame  string  `json:"frame,omitempty"`
	Notice *Notice `json:"notice,omitempty"`
	Data   any     `json:"data,omitempty"`
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id      uint64
	topic   string
	job     string
	handler Handler
}

// Hub is a synchronous multi-subscriber publisher. Subscriptions are keyed by topic
// and optionally by job name; TopicAll receives everything.
type Hub struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger}
}

// Subscribe registers h for topic. The returned func removes the subscription.
func (h *Hub) Subscribe(topic string, fn Handler) func() {
	return h.add(subscription{topic: topic, handler: fn})
}

// SubscribeJob registers h for events of any topic scoped to the named job.
func (h *Hub) SubscribeJob(job string, fn Handler) func() {
	return h.add(subscription{topic: TopicAll, job: job, handler: fn})
}

// SubscribeAll registers h for every event.
func (h *Hub) SubscribeAll(fn Handler) func() {
	return h.add(subscription{topic: TopicAll, handler: fn})
}

// Channel subscribes a buffered channel to topic. Events are dropped, not blocked on,
// when the consumer falls behind.
func (h *Hub) Channel(topic string, size int) (<-chan Event, func()) {
	if size <= 0 {
		size = 64
	}
	ch := make(chan Event, size)
	var once sync.Once
	var closed atomic.Bool
	unsub := h.add(subscription{topic: topic, handler: func(e Event) {
		if closed.Load() {
			return
		}
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}})
	return ch, func() {
		once.Do(func() {
			closed.Store(true)
			unsub()
		})
	}
}

func (h *Hub) add(s subscription) func() {
	s.id = h.nextID.Add(1)
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { h.remove(s.id) }) }
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to matching subscribers in registration order.
// A panicking handler is logged and skipped.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	targets := make([]subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.job != "" && s.job != e.Job {
			continue
		}
		if s.topic == TopicAll || s.topic == e.Topic {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.safeCall(s.handler, e)
	}
}

// PublishNotice is a convenience for TopicNotice.
func (h *Hub) PublishNotice(level Level, job, text string) {
	n := &Notice{Level: level, Job: job, Text: text, At: time.Now().UTC()}
	h.Publish(Event{Topic: TopicNotice, Job: job, Notice: n})
}

func (h *Hub) safeCall(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked", "topic", e.Topic, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(e)
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events channel subscribers have missed.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
