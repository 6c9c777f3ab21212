package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// WorkerSample holds CPU and memory readings for the worker process.
type WorkerSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// WorkerMetricsConfig controls resource sampling of the worker.
type WorkerMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// WorkerCollector periodically samples the worker process with gopsutil.
type WorkerCollector struct {
	enabled  bool
	interval time.Duration

	mu   sync.RWMutex
	last *WorkerSample
	proc *process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryMB   prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

// NewWorkerCollector returns a collector; it does nothing until Start.
func NewWorkerCollector(cfg WorkerMetricsConfig) *WorkerCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "archivebridge",
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		})
	}
	return &WorkerCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the worker process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the worker process in MB."),
		numThreads: gauge("num_threads", "Number of threads of the worker process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the worker process (Unix only)."),
	}
}

// RegisterMetrics registers the worker gauges with r.
func (c *WorkerCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pid() every interval until ctx is done or Stop is called.
// A pid of zero or less means no worker is running.
func (c *WorkerCollector) Start(ctx context.Context, pid func() int) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pid())
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (c *WorkerCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of pid. It clears the last sample when pid is not running.
func (c *WorkerCollector) Collect(pid int) {
	if pid <= 0 {
		c.reset()
		return
	}
	s, err := c.sample(int32(pid))
	if err != nil {
		slog.Debug("worker metrics sample failed", "pid", pid, "error", err)
		c.reset()
		return
	}
	c.cpuPercent.Set(s.CPUPercent)
	c.memoryMB.Set(s.MemoryMB)
	c.numThreads.Set(float64(s.NumThreads))
	if runtime.GOOS != "windows" {
		c.numFDs.Set(float64(s.NumFDs))
	}
	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
}

// Last returns the most recent sample, if any.
func (c *WorkerCollector) Last() (WorkerSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return WorkerSample{}, false
	}
	return *c.last, true
}

func (c *WorkerCollector) reset() {
	c.mu.Lock()
	c.last = nil
	c.proc = nil
	c.mu.Unlock()
	c.cpuPercent.Set(0)
	c.memoryMB.Set(0)
	c.numThreads.Set(0)
	c.numFDs.Set(0)
}

func (c *WorkerCollector) sample(pid int32) (*WorkerSample, error) {
	// reuse the handle so CPUPercent measures between samples
	c.mu.Lock()
	proc := c.proc
	if proc == nil || proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to create process handle: %w", err)
		}
		proc = p
		c.proc = p
	}
	c.mu.Unlock()

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}
	s := &WorkerSample{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
