package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
)

func TestPlane_PauseResume(t *testing.T) {
	p := New()

	if p.IsPaused() {
		t.Error("Should not be paused initially")
	}

	p.Pause()
	if !p.IsPaused() {
		t.Error("Should be paused after Pause()")
	}

	p.Resume()
	if p.IsPaused() {
		t.Error("Should not be paused after Resume()")
	}
}

func TestPlane_WaitIfPaused(t *testing.T) {
	p := New()
	ctx := context.Background()

	// Returns immediately if not paused
	if err := p.WaitIfPaused(ctx); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	p.Pause()
	done := make(chan error, 1)
	go func() {
		done <- p.WaitIfPaused(ctx)
	}()

	select {
	case <-done:
		t.Fatal("Should be waiting")
	case <-time.After(50 * time.Millisecond):
	}

	p.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Unexpected error after resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Resume should unblock WaitIfPaused")
	}
}

func TestPlane_WaitIfPaused_ContextCancelled(t *testing.T) {
	p := New()
	p.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.WaitIfPaused(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPlane_StopWakesPausedWaiter(t *testing.T) {
	p := New()
	p.Pause()

	done := make(chan error, 1)
	go func() {
		done <- p.WaitIfPaused(context.Background())
	}()

	p.RequestStop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestStop should unblock WaitIfPaused")
	}
	if p.IsPaused() {
		t.Error("stop should clear pause")
	}

	// Pause after stop is ignored
	p.Pause()
	if p.IsPaused() {
		t.Error("Pause after stop should be ignored")
	}
}

func TestPlane_RequestStopIdempotent(t *testing.T) {
	p := New()

	if err := p.CheckStopped(); err != nil {
		t.Errorf("CheckStopped before stop: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RequestStop()
		}()
	}
	wg.Wait()

	select {
	case <-p.Stopped():
	default:
		t.Fatal("Stopped() channel should be closed")
	}

	if !p.IsStopped() {
		t.Error("IsStopped should be true")
	}
	err := p.CheckStopped()
	if !core.IsCategory(err, core.ErrCatState) {
		t.Errorf("expected state error, got %v", err)
	}

	status := p.Status()
	if !status.Stopped || status.StopRequests != 10 {
		t.Errorf("unexpected status: %+v", status)
	}
}
