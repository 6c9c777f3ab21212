package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loykin/archivebridge/internal/event"
	"github.com/loykin/archivebridge/internal/gateway"
	"github.com/loykin/archivebridge/internal/history"
	"github.com/loykin/archivebridge/internal/job"
	"github.com/loykin/archivebridge/internal/metadata"
	"github.com/loykin/archivebridge/internal/metrics"
	"github.com/loykin/archivebridge/internal/protocol"
)

// DeletePolicy decides when a deleted job leaves the registry.
type DeletePolicy string

const (
	// DeleteConfirm waits for the worker to acknowledge the delete.
	DeleteConfirm DeletePolicy = "confirm"
	// DeleteOptimistic drops the job as soon as the command is accepted.
	DeleteOptimistic DeletePolicy = "optimistic"
)

// ParseDeletePolicy accepts "" as DeleteConfirm.
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DeleteConfirm:
		return DeleteConfirm, nil
	case DeleteOptimistic:
		return DeleteOptimistic, nil
	}
	return "", fmt.Errorf("unknown delete policy %q", s)
}

// Resolver settles a pending command by correlation id.
type Resolver interface {
	Resolve(id string, ok bool, errText string) bool
}

// Options configures a Router.
type Options struct {
	DeletePolicy DeletePolicy
	Logger       *slog.Logger
}

type itemKind int

const (
	itemFrame itemKind = iota
	itemAccepted
	itemLost
	itemNotice
	itemSync
)

type item struct {
	kind     itemKind
	frame    string
	cmd      gateway.Command
	id       string
	delivery *gateway.Delivery
	level    event.Level
	err      error
	done     chan struct{}
}

// Router applies inbound frames and local operations from a single goroutine.
// Producers only enqueue; every registry and store mutation happens in Run.
// Enqueueing never blocks, so hub subscribers running on the router goroutine
// may send commands.
type Router struct {
	registry *job.Registry
	store    *metadata.Store
	hub      *event.Hub
	recorder *history.Recorder
	resolver Resolver
	policy   DeletePolicy
	logger   *slog.Logger

	mu      sync.Mutex
	queue   []item
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// New wires a router around its collaborators. resolver and recorder may be nil.
func New(reg *job.Registry, store *metadata.Store, hub *event.Hub, resolver Resolver, recorder *history.Recorder, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DeletePolicy == "" {
		opts.DeletePolicy = DeleteConfirm
	}
	r := &Router{
		registry: reg,
		store:    store,
		hub:      hub,
		recorder: recorder,
		resolver: resolver,
		policy:   opts.DeletePolicy,
		logger:   opts.Logger.With("component", "router"),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	reg.OnTransition(r.onTransition)
	return r
}

// Run processes the inbox until ctx is cancelled. It must be called exactly once.
func (r *Router) Run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.closed = true
		r.queue = nil
		r.mu.Unlock()
		close(r.stopped)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		for {
			r.mu.Lock()
			batch := r.queue
			r.queue = nil
			r.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, it := range batch {
				r.handle(ctx, it)
			}
		}
	}
}

// Enqueue hands one inbound frame to the router, in arrival order.
func (r *Router) Enqueue(frame string) {
	r.put(item{kind: itemFrame, frame: frame})
}

// CommandAccepted queues the local effect of a command the gateway is about to
// write. The effect is applied once d reports a successful write, and always
// ahead of any frame the worker sends in reply. It does not wait.
func (r *Router) CommandAccepted(cmd gateway.Command, id string, d *gateway.Delivery) {
	r.put(item{kind: itemAccepted, cmd: cmd, id: id, delivery: d})
}

// ConnectionLost fails every active job and raises one fatal notice.
func (r *Router) ConnectionLost(err error) {
	r.put(item{kind: itemLost, err: err})
}

// Notice publishes a notice from the router goroutine so it is serialized with
// every other subscriber callback.
func (r *Router) Notice(level event.Level, jobName, text string) {
	r.put(item{kind: itemNotice, level: level, id: jobName, frame: text})
}

// Sync blocks until every item queued before it has been applied. It must not be
// called from the router goroutine.
func (r *Router) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !r.put(item{kind: itemSync, done: done}) {
		return errors.New("router stopped")
	}
	select {
	case <-done:
		return nil
	case <-r.stopped:
		return errors.New("router stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) put(it item) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("router stopped, item discarded", "kind", it.kind)
		return false
	}
	r.queue = append(r.queue, it)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Router) handle(ctx context.Context, it item) {
	switch it.kind {
	case itemFrame:
		r.handleFrame(it.frame)
	case itemAccepted:
		r.handleAccepted(ctx, it)
	case itemLost:
		r.handleLost(it.err)
	case itemNotice:
		r.hub.PublishNotice(it.level, it.id, it.frame)
	}
	if it.done != nil {
		close(it.done)
	}
}

func (r *Router) handleFrame(line string) {
	msg := protocol.Parse(line)
	metrics.IncFrame(msg.Kind.String())
	r.hub.Publish(event.Event{Topic: event.TopicFrame, Job: msg.Job, Frame: line})

	switch msg.Kind {
	case protocol.KindMetadata:
		r.handleMetadata(msg)
	case protocol.KindAck:
		r.handleAck(msg)
	case protocol.KindEvent:
		r.handleEvent(msg)
	case protocol.KindError:
		r.hub.PublishNotice(event.LevelError, "", msg.Text)
	case protocol.KindActivity:
		r.hub.PublishNotice(event.LevelInfo, "", msg.Text)
	default:
		r.hub.PublishNotice(event.LevelInfo, "", msg.Raw)
	}
}

func (r *Router) handleMetadata(msg protocol.Message) {
	snap, err := metadata.Decode(msg.Metadata)
	if err != nil {
		r.logger.Warn("dropping malformed metadata frame", "error", err)
		metrics.IncDropped("invalid_metadata")
		return
	}
	if err := r.store.Replace(snap); err != nil {
		r.logger.Error("persist metadata", "error", err, "path", r.store.Path())
		metrics.IncDropped("persist_failed")
		r.hub.PublishNotice(event.LevelError, "", fmt.Sprintf("metadata not saved: %v", err))
		return
	}
	trs := r.registry.Reconcile(SeedsFrom(snap))
	r.logger.Debug("metadata replaced", "jobs", len(snap), "transitions", len(trs))
}

func (r *Router) handleAck(msg protocol.Message) {
	result := "acked"
	if !msg.OK {
		result = "rejected"
	}
	metrics.IncCommand(msg.Command, result)
	if msg.CorrelationID != "" && r.resolver != nil {
		if !r.resolver.Resolve(msg.CorrelationID, msg.OK, msg.Err) {
			r.logger.Debug("ack for unknown correlation id", "correlation_id", msg.CorrelationID)
		}
	}
	if msg.Job == "" {
		return
	}
	if !msg.OK {
		text := msg.Err
		if text == "" {
			text = "rejected by worker"
		}
		r.hub.PublishNotice(event.LevelError, msg.Job, fmt.Sprintf("%s failed: %s", msg.Command, text))
		if msg.Signal == protocol.SignalNone {
			r.registry.ClearPending(msg.Job)
			return
		}
	}
	r.applySignal(msg.Job, msg.Signal, msg.Command)
}

func (r *Router) handleEvent(msg protocol.Message) {
	reason := "event"
	if msg.Err != "" {
		reason = "error"
	}
	r.applySignal(msg.Job, msg.Signal, reason)
	if err := r.registry.SetEventText(msg.Job, msg.Text); err != nil {
		r.logger.Debug("event for unknown job", "job", msg.Job, "text", msg.Text)
	}
	level := event.LevelInfo
	if msg.Err != "" || msg.Signal == protocol.SignalFailed {
		level = event.LevelError
	}
	r.hub.PublishNotice(level, msg.Job, msg.Text)
}

func (r *Router) applySignal(name string, sig protocol.Signal, reason string) {
	to, ok := stateFor(sig)
	if !ok {
		return
	}
	if _, err := r.registry.Apply(name, to, reason); err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			r.logger.Debug("transition for unknown job ignored", "job", name, "to", to)
		default:
			r.logger.Warn("transition rejected", "job", name, "to", to, "error", err)
		}
	}
}

func (r *Router) handleAccepted(ctx context.Context, it item) {
	if it.delivery != nil {
		select {
		case <-it.delivery.Done():
		case <-ctx.Done():
			return
		}
		if err := it.delivery.Err(); err != nil {
			r.logger.Debug("command not delivered", "kind", it.cmd.Kind, "job", it.cmd.BackupName, "error", err)
			return
		}
	}
	cmd := it.cmd
	intent := job.Intent(cmd.Kind)
	var creds job.Credentials
	if cmd.Credentials != nil {
		creds = job.Credentials{Username: cmd.Credentials.Username, Email: cmd.Credentials.Email}
	}
	res := r.registry.Track(intent, cmd.BackupName, creds, cmd.Directory)
	r.logger.Debug("command accepted", "kind", cmd.Kind, "job", cmd.BackupName, "correlation_id", it.id, "track", res)
	if res == job.TrackIgnored {
		return
	}
	if intent == job.IntentDelete && r.policy == DeleteOptimistic {
		r.registry.Remove(cmd.BackupName, "delete accepted")
	}
}

func (r *Router) handleLost(err error) {
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	trs := r.registry.FailActive(reason)
	r.logger.Error("worker connection lost", "error", err, "failed_jobs", len(trs))
	r.hub.PublishNotice(event.LevelFatal, "", "Connection to the backup worker was lost: "+reason)
}

func (r *Router) onTransition(tr job.Transition) {
	metrics.RecordStateTransition(string(tr.From), string(tr.To))
	metrics.SetJobState(tr.Name, string(tr.To))

	var text string
	if j, ok := r.registry.Get(tr.Name); ok {
		text = j.LastEventText
	}
	if r.recorder != nil {
		r.recorder.Record(history.Event{
			Type:       history.TypeForState(string(tr.To)),
			OccurredAt: tr.At,
			Record: history.Record{
				Name:          tr.Name,
				From:          string(tr.From),
				To:            string(tr.To),
				Reason:        tr.Reason,
				LastEventText: text,
			},
		})
	}
	r.hub.Publish(event.Event{Topic: event.TopicTransition, Job: tr.Name, Data: tr})
	r.logger.Info("job transition", "job", tr.Name, "from", tr.From, "to", tr.To, "reason", tr.Reason)
}

func stateFor(sig protocol.Signal) (job.State, bool) {
	switch sig {
	case protocol.SignalCreated:
		return job.StateCreated, true
	case protocol.SignalStarted:
		return job.StateRunning, true
	case protocol.SignalStopped:
		return job.StateStopped, true
	case protocol.SignalDeleted:
		return job.StateDeleted, true
	case protocol.SignalFailed:
		return job.StateFailed, true
	}
	return "", false
}

// SeedsFrom converts persisted descriptors to registry seeds. Unknown statuses
// are left empty so the registry decides.
func SeedsFrom(snap metadata.Snapshot) []job.Seed {
	seeds := make([]job.Seed, 0, len(snap))
	for _, name := range snap.Names() {
		d := snap[name]
		st, _ := job.ParseState(d.Status)
		seeds = append(seeds, job.Seed{
			Name:        name,
			State:       st,
			Credentials: job.Credentials{Username: d.Credentials.Username, Email: d.Credentials.Email},
			Directory:   d.BackupDir,
		})
	}
	return seeds
}
