package archivebridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/archivebridge/internal/config"
	"github.com/loykin/archivebridge/internal/event"
	"github.com/loykin/archivebridge/internal/framer"
	"github.com/loykin/archivebridge/internal/gateway"
	"github.com/loykin/archivebridge/internal/history"
	"github.com/loykin/archivebridge/internal/history/factory"
	"github.com/loykin/archivebridge/internal/job"
	"github.com/loykin/archivebridge/internal/metadata"
	"github.com/loykin/archivebridge/internal/metrics"
	"github.com/loykin/archivebridge/internal/router"
	iapi "github.com/loykin/archivebridge/internal/server"
	"github.com/loykin/archivebridge/internal/supervisor"
	itls "github.com/loykin/archivebridge/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Snapshot = metadata.Snapshot

type Descriptor = metadata.Descriptor

type Command = gateway.Command

type CommandKind = gateway.Kind

type Credentials = gateway.Credentials

type CommandResult = gateway.Result

type Job = job.Job

type JobState = job.State

type Transition = job.Transition

type Event = event.Event

type Notice = event.Notice

type WorkerStatus = supervisor.Status

type HistorySink = history.Sink

const (
	CreateBackup = gateway.CreateBackup
	StartBackup  = gateway.StartBackup
	StopBackup   = gateway.StopBackup
	DeleteBackup = gateway.DeleteBackup
)

const (
	TopicFrame      = event.TopicFrame
	TopicNotice     = event.TopicNotice
	TopicTransition = event.TopicTransition
)

const (
	NoticeFatal      = event.LevelFatal
	NoticeError      = event.LevelError
	NoticeInfo       = event.LevelInfo
	NoticeDiagnostic = event.LevelDiagnostic
)

var (
	ErrSpawnFailure         = supervisor.ErrSpawnFailure
	ErrReadinessTimeout     = supervisor.ErrReadinessTimeout
	ErrWorkerExited         = supervisor.ErrWorkerExited
	ErrConnectionLost       = supervisor.ErrConnectionLost
	ErrAlreadyRunning       = supervisor.ErrAlreadyRunning
	ErrTransportUnavailable = framer.ErrTransportUnavailable
	ErrCorruptMetadata      = metadata.ErrCorruptMetadata
	ErrInvalidTransition    = job.ErrInvalidTransition
	ErrNotFound             = job.ErrNotFound
)

// IsValidation reports whether err is a locally rejected command.
func IsValidation(err error) bool { return gateway.IsValidation(err) }

// LoadConfig reads a TOML config file layered over defaults and environment.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in defaults. Worker.Command must still be set.
func DefaultConfig() *Config { return config.Default() }

// Option customizes a Bridge.
type Option func(*Bridge)

// WithLogger replaces the logger built from the config.
func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

// WithHistorySinks adds sinks next to those configured by DSN.
func WithHistorySinks(s ...HistorySink) Option {
	return func(b *Bridge) { b.extraSinks = append(b.extraSinks, s...) }
}

// Bridge supervises the backup worker and exposes job state, metadata and commands.
// Reads never wait on the worker.
type Bridge struct {
	cfg        *Config
	logger     *slog.Logger
	extraSinks []history.Sink

	hub       *event.Hub
	registry  *job.Registry
	store     *metadata.Store
	gateway   *gateway.Gateway
	router    *router.Router
	super     *supervisor.Supervisor
	recorder  *history.Recorder
	collector *metrics.WorkerCollector
	closers   []io.Closer

	mu          sync.Mutex
	routerStop  context.CancelFunc
	routerDone  chan struct{}
	collecting  bool
	loaded      bool
	shutdownErr error
	closed      bool
}

// New wires a bridge from cfg. Nothing is started until Start.
func New(cfg *Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	b := &Bridge{cfg: cfg}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = cfg.Log.NewSlogger()
	}

	policy, err := router.ParseDeletePolicy(cfg.Metadata.DeletePolicy)
	if err != nil {
		return nil, err
	}
	spec, err := cfg.WorkerSpec()
	if err != nil {
		return nil, err
	}
	readyRe, err := cfg.ReadyRegexp()
	if err != nil {
		return nil, fmt.Errorf("worker.ready_pattern: %w", err)
	}
	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	sinks = append(sinks, b.extraSinks...)

	stdout, stderr, err := cfg.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("worker log files: %w", err)
	}
	var outW, errW io.Writer
	if stdout != nil {
		outW = stdout
		b.closers = append(b.closers, stdout)
	}
	if stderr != nil {
		errW = stderr
		b.closers = append(b.closers, stderr)
	}

	b.hub = event.NewHub(b.logger)
	b.registry = job.NewRegistry()
	b.store = metadata.NewStore(cfg.Metadata.Path)
	b.recorder = history.NewRecorder(b.logger.With("component", "history"), sinks...)
	b.super = supervisor.New(supervisor.Config{
		Worker:       spec,
		ReadyPattern: readyRe,
		ReadyTimeout: cfg.Worker.ReadyTimeout,
		DialAttempts: cfg.Worker.DialAttempts,
		DialInterval: cfg.Worker.DialInterval,
		CloseGrace:   cfg.Worker.CloseGrace,
		StopGrace:    cfg.Worker.StopGrace,
		MaxFrameSize: cfg.Worker.MaxFrameSize,
		Stdout:       outW,
		Stderr:       errW,
		Logger:       b.logger,
	}, supervisor.Hooks{
		OnFrame: func(frame string) { b.router.Enqueue(frame) },
		OnOutput: func(stream, line string) {
			b.router.Notice(event.LevelDiagnostic, "", stream+": "+line)
		},
		OnConnectionLost: func(err error) { b.router.ConnectionLost(err) },
	})
	b.gateway = gateway.New(b.super)
	b.router = router.New(b.registry, b.store, b.hub, b.gateway, b.recorder, router.Options{
		DeletePolicy: policy,
		Logger:       b.logger,
	})
	b.gateway.OnAccepted(b.router.CommandAccepted)
	if cfg.Metrics.Worker.Enabled {
		b.collector = metrics.NewWorkerCollector(cfg.Metrics.Worker)
	}
	return b, nil
}

// Start loads the persisted snapshot, seeds the registry and brings the worker up.
// A corrupt metadata file and any worker start failure are fatal: a fatal notice
// is published and the error returned.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bridge is shut down")
	}
	if b.routerDone == nil {
		rctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		b.routerStop = cancel
		b.routerDone = done
		go func() {
			defer close(done)
			b.router.Run(rctx)
		}()
	}
	needLoad := !b.loaded
	b.mu.Unlock()

	if needLoad {
		snap, err := b.store.Load()
		if err != nil {
			b.hub.PublishNotice(event.LevelFatal, "", fmt.Sprintf("Cannot read backup metadata: %v", err))
			return err
		}
		b.registry.Seed(router.SeedsFrom(snap))
		for _, j := range b.registry.List() {
			metrics.SetJobState(j.Name, string(j.State))
		}
		b.logger.Info("metadata loaded", "path", b.store.Path(), "jobs", len(snap))
		b.mu.Lock()
		b.loaded = true
		b.mu.Unlock()
	}

	if err := b.super.Start(ctx); err != nil {
		if !errors.Is(err, supervisor.ErrAlreadyRunning) {
			b.hub.PublishNotice(event.LevelFatal, "", fmt.Sprintf("Backup worker failed to start: %v", err))
		}
		return err
	}
	b.startCollector()
	return nil
}

func (b *Bridge) startCollector() {
	if b.collector == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.collecting {
		return
	}
	b.collecting = true
	b.collector.Start(context.Background(), b.super.PID)
}

// Restart ends the current worker session and starts a new one. Jobs failed by a
// lost connection are re-announced by the worker after it reconnects.
func (b *Bridge) Restart(ctx context.Context) error {
	if err := b.super.Restart(ctx); err != nil {
		b.hub.PublishNotice(event.LevelFatal, "", fmt.Sprintf("Backup worker failed to restart: %v", err))
		return err
	}
	return nil
}

// Shutdown stops the worker, drains pending frames and flushes history. The bridge
// cannot be started again afterwards.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		err := b.shutdownErr
		b.mu.Unlock()
		return err
	}
	b.closed = true
	stop, done := b.routerStop, b.routerDone
	b.mu.Unlock()

	err := b.super.Shutdown(ctx)
	if done != nil {
		if syncErr := b.router.Sync(ctx); syncErr != nil {
			b.logger.Warn("router drain", "error", syncErr)
		}
		stop()
		<-done
	}
	if b.collector != nil {
		b.collector.Stop()
	}
	_ = b.recorder.Close()
	for _, c := range b.closers {
		_ = c.Close()
	}

	b.mu.Lock()
	b.shutdownErr = err
	b.mu.Unlock()
	return err
}

// GetMetadata returns the current metadata snapshot without touching disk.
func (b *Bridge) GetMetadata() Snapshot { return b.store.Get() }

// SendCommand validates and writes cmd. It returns the correlation id without
// waiting for the worker; use CommandResult to follow up. The job registry
// reflects the command shortly after, and always before the worker's reply.
// It is safe to call from subscriber callbacks.
func (b *Bridge) SendCommand(cmd Command) (string, error) {
	id, err := b.gateway.Send(cmd)
	switch {
	case err == nil:
		metrics.IncCommand(string(cmd.Kind), "sent")
	case gateway.IsValidation(err):
		metrics.IncCommand(string(cmd.Kind), "invalid")
	case errors.Is(err, framer.ErrTransportUnavailable):
		metrics.IncCommand(string(cmd.Kind), "unavailable")
	default:
		metrics.IncCommand(string(cmd.Kind), "error")
	}
	return id, err
}

// CommandResult reports what the worker acknowledged for a sent command.
func (b *Bridge) CommandResult(id string) (CommandResult, bool) { return b.gateway.Outcome(id) }

// SubscribeToEvents delivers every inbound frame verbatim. Callbacks, including
// notice and job subscribers, all run on the router goroutine and must not block.
func (b *Bridge) SubscribeToEvents(fn func(frame string)) (unsubscribe func()) {
	return b.hub.Subscribe(event.TopicFrame, func(e event.Event) { fn(e.Frame) })
}

// SubscribeNotices delivers fatal, error, info and diagnostic notices. Fatal
// notices for a failed Start or Restart are delivered on the caller's goroutine
// before that call returns; everything else arrives on the router goroutine.
func (b *Bridge) SubscribeNotices(fn func(Notice)) (unsubscribe func()) {
	return b.hub.Subscribe(event.TopicNotice, func(e event.Event) {
		if e.Notice != nil {
			fn(*e.Notice)
		}
	})
}

// Subscribe registers fn for a topic; event.TopicAll receives everything.
func (b *Bridge) Subscribe(topic string, fn func(Event)) (unsubscribe func()) {
	return b.hub.Subscribe(topic, fn)
}

// SubscribeJob registers fn for every event scoped to the named job.
func (b *Bridge) SubscribeJob(name string, fn func(Event)) (unsubscribe func()) {
	return b.hub.SubscribeJob(name, fn)
}

// Jobs lists tracked jobs sorted by name.
func (b *Bridge) Jobs() []Job { return b.registry.List() }

// Job returns one tracked job.
func (b *Bridge) Job(name string) (Job, bool) { return b.registry.Get(name) }

// WorkerStatus reports the supervised session.
func (b *Bridge) WorkerStatus() WorkerStatus { return b.super.Status() }

// Handler returns the HTTP API for the bridge mounted under basePath.
func (b *Bridge) Handler(basePath string) http.Handler {
	r := iapi.NewRouter(b, basePath)
	if b.cfg.Metrics.Enabled && b.cfg.Metrics.Listen == "" {
		r.WithMetrics(metrics.Handler())
	}
	return r.Handler()
}

// NewHTTPServer returns an unstarted HTTP server exposing the API on addr.
func (b *Bridge) NewHTTPServer(addr, basePath string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           b.Handler(basePath),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewAPIServer returns an unstarted server for the configured API listener. When
// api.tls is enabled TLSConfig is set and the caller should use ListenAndServeTLS("", "").
func (b *Bridge) NewAPIServer() (*http.Server, error) {
	srv := b.NewHTTPServer(b.cfg.API.Listen, b.cfg.API.BasePath)
	tc, err := itls.Setup(b.cfg.API.TLS)
	if err != nil {
		return nil, fmt.Errorf("api tls: %w", err)
	}
	srv.TLSConfig = tc
	return srv, nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// RegisterWorkerMetrics registers the worker resource gauges when sampling is enabled.
func (b *Bridge) RegisterWorkerMetrics(r prometheus.Registerer) error {
	if b.collector == nil {
		return nil
	}
	return b.collector.RegisterMetrics(r)
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
