package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ErrNotStarted is returned by operations that need a running process.
var ErrNotStarted = errors.New("worker not started")

// Status is a point-in-time view of the worker process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitErr   string    `json:"exit_error,omitempty"`
}

// Process runs one worker instance. It is not restartable: create a new
// Process for every launch.
type Process struct {
	spec Spec

	mu       sync.Mutex
	started  bool
	pid      int
	status   Status
	exitErr  error
	waitDone chan struct{}
}

func New(spec Spec) *Process { return &Process{spec: spec, waitDone: make(chan struct{})} }

// Start launches the worker in its own process group and returns readers for
// its stdout and stderr. The readers reach EOF once the worker (and any child
// holding the descriptors) has exited; the caller must drain them.
func (p *Process) Start() (io.ReadCloser, io.ReadCloser, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil, nil, errors.New("worker already started")
	}
	p.started = true
	p.mu.Unlock()

	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if p.spec.Env != nil {
		cmd.Env = p.spec.Env
	}
	configureSysProcAttr(cmd)

	// os.Pipe keeps the read side independent from cmd.Wait
	outR, outW, err := os.Pipe()
	if err != nil {
		close(p.waitDone)
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		close(p.waitDone)
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		close(p.waitDone)
		return nil, nil, err
	}
	_ = outW.Close()
	_ = errW.Close()

	pid := cmd.Process.Pid
	startedAt := time.Now()
	if sec := getProcStartUnix(pid); sec > 0 {
		startedAt = time.Unix(sec, 0)
	}
	p.mu.Lock()
	p.pid = pid
	p.status = Status{Name: p.spec.Name, Running: true, PID: pid, StartedAt: startedAt}
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		if err != nil {
			p.status.ExitErr = err.Error()
		}
		p.mu.Unlock()
		close(p.waitDone)
	}()
	return outR, errR, nil
}

// PID returns the worker pid, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Exited is closed once the worker has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.waitDone }

// ExitErr returns the result of cmd.Wait once Exited is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Wait blocks until the worker exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.waitDone
	return p.ExitErr()
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stop sends SIGTERM to the worker's process group and escalates to SIGKILL
// when it has not exited within grace. It returns once the worker is reaped
// or the kill has been given a short window to take effect.
func (p *Process) Stop(grace time.Duration) error {
	pid := p.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	select {
	case <-p.waitDone:
		return nil
	default:
	}
	_ = terminate(pid)
	select {
	case <-p.waitDone:
		return nil
	case <-time.After(grace):
	}
	if err := forceKill(pid); err != nil {
		return fmt.Errorf("kill worker %d: %w", pid, err)
	}
	select {
	case <-p.waitDone:
	case <-time.After(500 * time.Millisecond):
	}
	return nil
}
