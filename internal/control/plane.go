package control

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
)

// Plane carries cooperative control requests from the console, the
// watchdog and the status endpoint to the job queue. A stop is final;
// pause and resume may alternate any number of times.
type Plane struct {
	mu       sync.RWMutex
	paused   atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	resumeCh chan struct{}

	stopRequests atomic.Int64
}

// New creates a new Plane.
func New() *Plane {
	return &Plane{
		stopCh:   make(chan struct{}),
		resumeCh: make(chan struct{}),
	}
}

// RequestStop asks the dispatcher to stop. It never blocks and may be
// called any number of times from any goroutine.
func (p *Plane) RequestStop() {
	p.stopRequests.Add(1)
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
	// A paused queue must wake up to observe the stop.
	p.Resume()
}

// Stopped returns a channel closed once a stop has been requested.
func (p *Plane) Stopped() <-chan struct{} {
	return p.stopCh
}

// IsStopped reports whether a stop has been requested.
func (p *Plane) IsStopped() bool {
	return p.stopped.Load()
}

// CheckStopped returns a state error once a stop has been requested.
func (p *Plane) CheckStopped() error {
	if p.stopped.Load() {
		return core.ErrState(core.CodeDispatcherStopped, "job dispatcher stopped")
	}
	return nil
}

// Pause holds back new submissions. Running jobs continue.
func (p *Plane) Pause() {
	if p.stopped.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused.Store(true)
}

// Resume releases jobs held by Pause.
func (p *Plane) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused.Load() {
		p.paused.Store(false)
		close(p.resumeCh)
		p.resumeCh = make(chan struct{})
	}
}

// IsPaused reports whether submissions are held back.
func (p *Plane) IsPaused() bool {
	return p.paused.Load()
}

// WaitIfPaused blocks while paused. It returns early on stop or ctx cancellation.
func (p *Plane) WaitIfPaused(ctx context.Context) error {
	p.mu.RLock()
	paused := p.paused.Load()
	resumeCh := p.resumeCh
	p.mu.RUnlock()

	if !paused {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resumeCh:
		return nil
	case <-p.stopCh:
		return p.CheckStopped()
	}
}

// Status is a point-in-time view of the plane.
type Status struct {
	Paused       bool  `json:"paused"`
	Stopped      bool  `json:"stopped"`
	StopRequests int64 `json:"stop_requests"`
}

// Status returns the current control status.
func (p *Plane) Status() Status {
	return Status{
		Paused:       p.paused.Load(),
		Stopped:      p.stopped.Load(),
		StopRequests: p.stopRequests.Load(),
	}
}
