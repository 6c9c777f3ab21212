package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/archivebridge/internal/framer"
	"github.com/loykin/archivebridge/internal/metrics"
	"github.com/loykin/archivebridge/internal/worker"
)

var (
	// ErrSpawnFailure means the worker process could not be started.
	ErrSpawnFailure = errors.New("worker spawn failed")
	// ErrReadinessTimeout means the worker never printed its readiness marker.
	ErrReadinessTimeout = errors.New("worker readiness timeout")
	// ErrWorkerExited means the worker exited before it became ready.
	ErrWorkerExited = errors.New("worker exited before ready")
	// ErrConnectionLost means a healthy connection ended without a shutdown request.
	ErrConnectionLost = errors.New("worker connection lost")
	// ErrDialFailed means readiness was seen but the port never accepted a connection.
	ErrDialFailed = fmt.Errorf("%w: worker port refused connection", framer.ErrTransportUnavailable)
	// ErrAlreadyRunning is returned by Start while a session is starting or ready.
	ErrAlreadyRunning = errors.New("supervisor already running")
)

// DefaultReadyPattern matches the worker's readiness line and captures the port.
var DefaultReadyPattern = regexp.MustCompile(`(?i)listening on port (\d+)`)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultDialAttempts = 5
	DefaultDialInterval = 200 * time.Millisecond
	DefaultCloseGrace   = 2 * time.Second
	DefaultStopGrace    = 3 * time.Second
)

// State of the supervised session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config for a Supervisor.
type Config struct {
	Worker       worker.Spec
	Host         string // dial host, default 127.0.0.1
	ReadyPattern *regexp.Regexp
	ReadyTimeout time.Duration
	DialAttempts int
	DialInterval time.Duration
	CloseGrace   time.Duration
	StopGrace    time.Duration
	MaxFrameSize int
	// Stdout and Stderr, when set, receive a copy of every worker output line.
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Hooks connect the supervisor to the rest of the bridge. All are optional.
// OnFrame runs on the connection read goroutine in wire order.
type Hooks struct {
	OnFrame          func(frame string)
	OnOutput         func(stream, line string)
	OnConnectionLost func(err error)
}

// Status is a snapshot of the supervised session.
type Status struct {
	State     State         `json:"state"`
	Port      int           `json:"port,omitempty"`
	Worker    worker.Status `json:"worker"`
	LastError string        `json:"last_error,omitempty"`
}

// Supervisor owns the worker process and the single connection to it.
type Supervisor struct {
	cfg    Config
	hooks  Hooks
	logger *slog.Logger

	startMu sync.Mutex // serializes Start/Shutdown sessions

	mu          sync.Mutex
	state       State
	proc        *worker.Process
	conn        net.Conn
	enc         *framer.Encoder
	port        int
	lastErr     error
	stopping    bool
	readerDone  chan struct{}
	cancelStart context.CancelFunc
}

// New returns an idle supervisor.
func New(cfg Config, hooks Hooks) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyPattern == nil {
		cfg.ReadyPattern = DefaultReadyPattern
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = DefaultDialAttempts
	}
	if cfg.DialInterval <= 0 {
		cfg.DialInterval = DefaultDialInterval
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{cfg: cfg, hooks: hooks, logger: logger.With("component", "supervisor")}
	metrics.SetWorkerState(StateIdle.String())
	return s
}

// State returns the current session state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the worker pid or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Status returns a snapshot of the session.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Port: s.port}
	if s.proc != nil {
		st.Worker = s.proc.Snapshot()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.logger.Info("worker state", "from", s.state.String(), "to", st.String())
	s.state = st
	metrics.SetWorkerState(st.String())
}

// Start spawns the worker, waits for its readiness marker and connects.
// It blocks until the session is ready or has failed; failures are fatal for
// the session and the worker is not respawned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.state == StateStarting || s.state == StateReady {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelStart = cancel
	s.stopping = false
	s.lastErr = nil
	s.port = 0
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	proc := worker.New(s.cfg.Worker)
	stdout, stderr, err := proc.Start()
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrSpawnFailure, err))
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	s.logger.Info("worker spawned", "pid", proc.PID(), "command", s.cfg.Worker.Command)

	readyCh := make(chan int, 1)
	go s.pump("stdout", stdout, s.cfg.Stdout, readyCh)
	go s.pump("stderr", stderr, s.cfg.Stderr, nil)

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	var port int
	select {
	case port = <-readyCh:
	case <-proc.Exited():
		return s.fail(fmt.Errorf("%w: %v", ErrWorkerExited, exitReason(proc.ExitErr())))
	case <-timer.C:
		_ = proc.Stop(s.cfg.StopGrace)
		return s.fail(fmt.Errorf("%w after %s", ErrReadinessTimeout, s.cfg.ReadyTimeout))
	case <-ctx.Done():
		_ = proc.Stop(s.cfg.StopGrace)
		return s.fail(ctx.Err())
	}

	conn, err := s.dial(ctx, proc, port)
	if err != nil {
		_ = proc.Stop(s.cfg.StopGrace)
		return s.fail(err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = conn.Close()
		_ = proc.Stop(s.cfg.StopGrace)
		return s.fail(context.Canceled)
	}
	s.conn = conn
	s.enc = framer.NewEncoder(conn)
	s.port = port
	s.readerDone = done
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	go s.readLoop(conn, done)
	go s.watchExit(proc, conn)
	s.logger.Info("worker connected", "port", port)
	return nil
}

func (s *Supervisor) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.setStateLocked(StateFailed)
	s.mu.Unlock()
	s.logger.Error("worker start failed", "error", err)
	return err
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func (s *Supervisor) dial(ctx context.Context, proc *worker.Process, port int) (net.Conn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	d := net.Dialer{Timeout: 2 * time.Second}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.DialAttempts; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		s.logger.Debug("dial worker failed", "addr", addr, "attempt", attempt, "error", err)
		if attempt == s.cfg.DialAttempts {
			break
		}
		select {
		case <-time.After(s.cfg.DialInterval):
		case <-proc.Exited():
			return nil, fmt.Errorf("%w: %v", ErrWorkerExited, exitReason(proc.ExitErr()))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrDialFailed, addr, s.cfg.DialAttempts, lastErr)
}

// pump splits worker output into lines, mirrors and logs them and, for stdout,
// reports the first readiness port.
func (s *Supervisor) pump(stream string, r io.ReadCloser, mirror io.Writer, ready chan<- int) {
	defer func() { _ = r.Close() }()
	signaled := ready == nil
	handle := func(line string) {
		if mirror != nil {
			_, _ = io.WriteString(mirror, line+"\n")
		}
		if stream == "stderr" {
			s.logger.Warn("worker diagnostic", "line", line)
		} else {
			s.logger.Debug("worker output", "line", line)
		}
		if s.hooks.OnOutput != nil {
			s.hooks.OnOutput(stream, line)
		}
		if !signaled {
			if m := s.cfg.ReadyPattern.FindStringSubmatch(line); len(m) > 1 {
				if port, err := strconv.Atoi(m[1]); err == nil && port > 0 && port < 65536 {
					signaled = true
					ready <- port
				}
			}
		}
	}
	_ = framer.ReadFrames(context.Background(), r, 64*1024, handle, func() {
		s.logger.Warn("worker output line too long, skipped", "stream", stream)
	})
}

func (s *Supervisor) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	onFrame := s.hooks.OnFrame
	if onFrame == nil {
		onFrame = func(string) {}
	}
	err := framer.ReadFrames(context.Background(), conn, s.cfg.MaxFrameSize, onFrame, func() {
		s.logger.Warn("dropping oversized worker frame", "max_frame_size", s.cfg.MaxFrameSize)
		metrics.IncDropped("frame_too_large")
	})
	s.connectionEnded(conn, err)
}

// watchExit tears the connection down when the worker dies underneath it.
func (s *Supervisor) watchExit(proc *worker.Process, conn net.Conn) {
	<-proc.Exited()
	s.mu.Lock()
	current := s.conn == conn && !s.stopping
	s.mu.Unlock()
	if current {
		s.logger.Warn("worker exited while connected", "error", exitReason(proc.ExitErr()))
		_ = conn.Close()
	}
}

func (s *Supervisor) connectionEnded(conn net.Conn, readErr error) {
	s.mu.Lock()
	if s.stopping || s.conn != conn {
		s.mu.Unlock()
		return
	}
	if s.enc != nil {
		s.enc.Close()
	}
	_ = conn.Close()
	s.conn = nil
	s.enc = nil
	cause := "peer closed connection"
	if readErr != nil {
		cause = readErr.Error()
	}
	err := fmt.Errorf("%w: %s", ErrConnectionLost, cause)
	s.lastErr = err
	s.setStateLocked(StateFailed)
	proc := s.proc
	s.mu.Unlock()

	metrics.IncConnectionLoss()
	s.logger.Error("worker connection lost", "error", err)
	if proc != nil {
		go func() { _ = proc.Stop(s.cfg.StopGrace) }()
	}
	if s.hooks.OnConnectionLost != nil {
		s.hooks.OnConnectionLost(err)
	}
}

// Send writes one frame to the worker. Without a live connection it returns
// framer.ErrTransportUnavailable.
func (s *Supervisor) Send(frame string) error {
	s.mu.Lock()
	enc := s.enc
	ready := s.state == StateReady
	s.mu.Unlock()
	if enc == nil || !ready {
		return framer.ErrTransportUnavailable
	}
	return enc.WriteFrame(frame)
}

// Shutdown ends the session: half-close the connection, give the worker
// CloseGrace to close its side, force-close, then stop the worker.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	if s.cancelStart != nil {
		s.cancelStart()
	}
	s.mu.Unlock()

	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	s.stopping = true
	conn, enc, proc, done := s.conn, s.enc, s.proc, s.readerDone
	s.conn, s.enc = nil, nil
	s.mu.Unlock()

	if enc != nil {
		enc.Close()
	}
	if conn != nil {
		if tc, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		select {
		case <-done:
		case <-time.After(s.cfg.CloseGrace):
			s.logger.Warn("worker did not close connection in time, forcing")
		case <-ctx.Done():
		}
		_ = conn.Close()
		<-done
	}
	var err error
	if proc != nil {
		if stopErr := proc.Stop(s.cfg.StopGrace); stopErr != nil && !errors.Is(stopErr, worker.ErrNotStarted) {
			err = stopErr
		}
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.setStateLocked(StateStopped)
	}
	s.mu.Unlock()
	return err
}

// Restart ends the current session, if any, and starts a new one.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown before restart", "error", err)
	}
	return s.Start(ctx)
}
