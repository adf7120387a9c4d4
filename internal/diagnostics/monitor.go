package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ResourceSnapshot captures process resource state at a point in time.
type ResourceSnapshot struct {
	Timestamp      time.Time     `json:"timestamp"`
	OpenFDs        int           `json:"open_fds"`
	MaxFDs         int           `json:"max_fds"`
	FDUsagePercent float64       `json:"fd_usage_percent"`
	Goroutines     int           `json:"goroutines"`
	HeapAllocMB    float64       `json:"heap_alloc_mb"`
	HeapInUseMB    float64       `json:"heap_in_use_mb"`
	StackInUseMB   float64       `json:"stack_in_use_mb"`
	NumGC          uint32        `json:"num_gc"`
	ProcessUptime  time.Duration `json:"process_uptime"`
	JobsStarted    int64         `json:"jobs_started"`
	JobsActive     int           `json:"jobs_active"`
}

// HealthWarning represents a single health concern.
type HealthWarning struct {
	Level   string  // "warning" or "critical"
	Type    string  // "fd", "goroutine", "memory"
	Message string  // Human-readable description
	Value   float64 // Current value
	Limit   float64 // Threshold that was exceeded
}

// MonitorOptions configures a ResourceMonitor. Zero thresholds disable the check.
type MonitorOptions struct {
	Interval           time.Duration
	FDThresholdPercent int
	GoroutineThreshold int
	MemoryThresholdMB  int
	HistorySize        int
	// Recover is deferred in the sampling goroutine.
	Recover func()
}

// DefaultMonitorOptions returns the thresholds used by the console.
func DefaultMonitorOptions() MonitorOptions {
	return MonitorOptions{
		Interval:           30 * time.Second,
		FDThresholdPercent: 80,
		GoroutineThreshold: 10000,
		MemoryThresholdMB:  4096,
		HistorySize:        120,
	}
}

// ResourceMonitor samples process resources while a session is running.
// Its history feeds crash dumps and the status endpoint.
type ResourceMonitor struct {
	opts   MonitorOptions
	logger *slog.Logger

	mu      sync.RWMutex
	history []ResourceSnapshot

	jobsStarted atomic.Int64
	jobsActive  atomic.Int32

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
	started time.Time
}

// NewResourceMonitor creates a new resource monitor.
func NewResourceMonitor(opts MonitorOptions, logger *slog.Logger) *ResourceMonitor {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 120
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Recover == nil {
		opts.Recover = func() {}
	}

	return &ResourceMonitor{
		opts:    opts,
		logger:  logger,
		history: make([]ResourceSnapshot, 0, opts.HistorySize),
		stopCh:  make(chan struct{}),
		started: time.Now(),
	}
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (m *ResourceMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.opts.Recover()
		m.record(m.TakeSnapshot())

		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.record(m.TakeSnapshot())
				for _, w := range m.CheckHealth() {
					if m.logger != nil {
						m.logger.Warn("resource warning",
							"type", w.Type,
							"level", w.Level,
							"value", w.Value,
							"limit", w.Limit,
							"message", w.Message,
						)
					}
				}
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (m *ResourceMonitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
	m.wg.Wait()
}

// TakeSnapshot captures current resource state.
func (m *ResourceMonitor) TakeSnapshot() ResourceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	openFDs, maxFDs := CountFDs()
	var fdPercent float64
	if maxFDs > 0 {
		fdPercent = float64(openFDs) / float64(maxFDs) * 100
	}

	const mb = 1024 * 1024
	return ResourceSnapshot{
		Timestamp:      time.Now(),
		OpenFDs:        openFDs,
		MaxFDs:         maxFDs,
		FDUsagePercent: fdPercent,
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocMB:    float64(ms.HeapAlloc) / mb,
		HeapInUseMB:    float64(ms.HeapInuse) / mb,
		StackInUseMB:   float64(ms.StackInuse) / mb,
		NumGC:          ms.NumGC,
		ProcessUptime:  time.Since(m.started),
		JobsStarted:    m.jobsStarted.Load(),
		JobsActive:     int(m.jobsActive.Load()),
	}
}

func (m *ResourceMonitor) record(s ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, s)
	if len(m.history) > m.opts.HistorySize {
		m.history = m.history[len(m.history)-m.opts.HistorySize:]
	}
}

// GetHistory returns historical snapshots, oldest first.
func (m *ResourceMonitor) GetHistory() []ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ResourceSnapshot, len(m.history))
	copy(result, m.history)
	return result
}

// GetLatest returns the most recent snapshot.
func (m *ResourceMonitor) GetLatest() (ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return ResourceSnapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// JobStarted is called when a job subprocess starts.
func (m *ResourceMonitor) JobStarted() {
	m.jobsStarted.Add(1)
	m.jobsActive.Add(1)
}

// JobFinished is called when a job subprocess has been reaped.
func (m *ResourceMonitor) JobFinished() {
	m.jobsActive.Add(-1)
}

// CheckHealth returns warnings for every exceeded threshold.
func (m *ResourceMonitor) CheckHealth() []HealthWarning {
	s, ok := m.GetLatest()
	if !ok {
		s = m.TakeSnapshot()
	}

	var warnings []HealthWarning

	if limit := float64(m.opts.FDThresholdPercent); limit > 0 && s.FDUsagePercent > limit {
		warnings = append(warnings, HealthWarning{
			Level:   levelFor(s.FDUsagePercent > 90),
			Type:    "fd",
			Message: fmt.Sprintf("FD usage at %.1f%% (threshold: %d%%)", s.FDUsagePercent, m.opts.FDThresholdPercent),
			Value:   s.FDUsagePercent,
			Limit:   limit,
		})
	}

	if limit := m.opts.GoroutineThreshold; limit > 0 && s.Goroutines > limit {
		warnings = append(warnings, HealthWarning{
			Level:   levelFor(s.Goroutines > limit*2),
			Type:    "goroutine",
			Message: fmt.Sprintf("Goroutine count at %d (threshold: %d)", s.Goroutines, limit),
			Value:   float64(s.Goroutines),
			Limit:   float64(limit),
		})
	}

	if limit := float64(m.opts.MemoryThresholdMB); limit > 0 && s.HeapAllocMB > limit {
		warnings = append(warnings, HealthWarning{
			Level:   levelFor(s.HeapAllocMB > limit*1.5),
			Type:    "memory",
			Message: fmt.Sprintf("Heap usage at %.1f MB (threshold: %d MB)", s.HeapAllocMB, m.opts.MemoryThresholdMB),
			Value:   s.HeapAllocMB,
			Limit:   limit,
		})
	}

	return warnings
}

func levelFor(critical bool) string {
	if critical {
		return "critical"
	}
	return "warning"
}

// Uptime returns the time since the monitor was created.
func (m *ResourceMonitor) Uptime() time.Duration {
	return time.Since(m.started)
}
