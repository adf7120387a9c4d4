package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/jobqueue"
	"github.com/hugo-lorenzo-mato/simconsole/internal/storage"
)

// run tracks one ensemble run while it executes.
type run struct {
	id        string
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	states   map[int]jobqueue.State
	state    string
	finished time.Time
}

func newRun(id string, total int) *run {
	r := &run{
		id:        id,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		states:    make(map[int]jobqueue.State, total),
		state:     storage.RunRunning,
	}
	for i := 0; i < total; i++ {
		r.states[i] = jobqueue.StateWaiting
	}
	return r
}

func (r *run) set(iens int, st jobqueue.State) {
	r.mu.Lock()
	r.states[iens] = st
	r.mu.Unlock()
}

func (r *run) finish(state string) {
	r.mu.Lock()
	r.state = state
	r.finished = time.Now()
	r.mu.Unlock()
}

func (r *run) status() *RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := &RunStatus{
		ID:        r.id,
		State:     r.state,
		StartedAt: r.startedAt,
		Total:     len(r.states),
	}
	if !r.finished.IsZero() {
		st.FinishedAt = timePtr(r.finished)
	}
	for _, s := range r.states {
		switch s {
		case jobqueue.StateWaiting:
			st.Waiting++
		case jobqueue.StateRunning:
			st.Running++
		case jobqueue.StateSuccess:
			st.Success++
		case jobqueue.StateFailed:
			st.Failed++
		case jobqueue.StateCancelled:
			st.Cancelled++
		}
	}
	return st
}

// RunStatus is a point-in-time view of a run.
type RunStatus struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Total      int        `json:"total"`
	Waiting    int        `json:"waiting"`
	Running    int        `json:"running"`
	Success    int        `json:"success"`
	Failed     int        `json:"failed"`
	Cancelled  int        `json:"cancelled"`
}

// Finished returns how many realizations reached a terminal state.
func (r *RunStatus) Finished() int {
	return r.Success + r.Failed + r.Cancelled
}

// Status describes the session and its latest run.
type Status struct {
	SessionID    string     `json:"session_id"`
	Model        string     `json:"model"`
	Realizations int        `json:"realizations"`
	MaxRunning   int        `json:"max_running"`
	Paused       bool       `json:"paused"`
	Stopped      bool       `json:"stopped"`
	Released     bool       `json:"released"`
	Run          *RunStatus `json:"run,omitempty"`
}

// Status returns the current session status.
func (s *Session) Status() Status {
	ctl := s.queue.Control().Status()
	st := Status{
		SessionID:    s.id,
		Model:        s.model.Name,
		Realizations: s.model.NumRealizations,
		MaxRunning:   s.queue.MaxRunning(),
		Paused:       ctl.Paused,
		Stopped:      ctl.Stopped,
		Released:     s.released.Load(),
	}

	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r != nil {
		st.Run = r.status()
	}
	return st
}

// StartRun starts an ensemble run in the background and returns its ID.
// Only one run may be in flight; none may start after the dispatcher
// received a stop request.
func (s *Session) StartRun(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released.Load() {
		return "", core.ErrState(core.CodeSessionReleased, "session released")
	}
	if err := s.queue.Control().CheckStopped(); err != nil {
		return "", err
	}
	if s.current != nil {
		select {
		case <-s.current.done:
		default:
			return "", core.ErrState(core.CodeRunInProgress, "a run is already in progress")
		}
	}

	id := uuid.NewString()
	jobs := s.buildJobs(id)
	r := newRun(id, len(jobs))

	err := s.store.CreateRun(ctx, storage.Run{
		ID:        id,
		SessionID: s.id,
		Model:     s.model.Name,
		StartedAt: r.startedAt,
		Counts:    storage.Counts{Total: len(jobs)},
	})
	if err != nil {
		return "", err
	}

	s.current = r
	go s.execute(r, jobs)
	return id, nil
}

func (s *Session) execute(r *run, jobs []jobqueue.Job) {
	defer close(r.done)
	defer s.opts.recover()

	logger := s.logger.WithRun(r.id)
	logger.Info("run started", "realizations", len(jobs))
	if s.opts.onRun != nil {
		s.opts.onRun(r.id)
		defer s.opts.onRun("")
	}

	observe := func(ev jobqueue.Event) {
		r.set(ev.Job.Realization, ev.State)
		s.record(r.id, ev)
		for _, fn := range s.opts.observers {
			fn(ev)
		}
	}

	summary, err := s.queue.Run(s.baseCtx, jobs, observe)

	state := storage.RunCompleted
	switch {
	case isStopErr(err) || summary.Stopped:
		state = storage.RunStopped
	case err != nil:
		state = storage.RunFailed
		logger.Error("run aborted", "error", err)
	case summary.Total > 0 && summary.Success == 0:
		state = storage.RunFailed
	}
	if isStopErr(err) {
		// Refused before any job started.
		for i := range jobs {
			r.set(i, jobqueue.StateCancelled)
		}
		summary = jobqueue.Summary{Total: len(jobs), Cancelled: len(jobs), Stopped: true}
	}
	r.finish(state)

	counts := storage.Counts{
		Total:     summary.Total,
		Success:   summary.Success,
		Failed:    summary.Failed,
		Cancelled: summary.Cancelled,
	}
	if err := s.store.FinishRun(context.Background(), r.id, state, counts); err != nil {
		logger.Warn("recording run result failed", "error", err)
	}
	logger.Info("run finished", "state", state, "success", counts.Success, "failed", counts.Failed, "cancelled", counts.Cancelled)
}

func (s *Session) record(runID string, ev jobqueue.Event) {
	rec := storage.Realization{
		RunID: runID,
		Iens:  ev.Job.Realization,
		State: string(ev.State),
	}
	switch {
	case ev.State == jobqueue.StateRunning:
		rec.StartedAt = timePtr(ev.At)
	case ev.State.Terminal():
		rec.FinishedAt = timePtr(ev.At)
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}
	}
	if err := s.store.RecordRealization(context.Background(), rec); err != nil {
		s.logger.Debug("recording realization failed", "run", runID, "iens", ev.Job.Realization, "error", err)
	}
}

// buildJobs expands the forward model into one job per realization.
// Steps without a command resolve to the site's installed job of the same name.
func (s *Session) buildJobs(runID string) []jobqueue.Job {
	steps := make([]jobqueue.Step, 0, len(s.model.ForwardModel))
	for _, fs := range s.model.ForwardModel {
		step := jobqueue.Step{
			Name:     fs.Name,
			Command:  fs.Command,
			Args:     fs.Args,
			Duration: fs.ParsedDuration(),
		}
		if step.Command == "" && step.Duration == 0 {
			step.Command = s.site.InstallJobs[fs.Name]
		}
		steps = append(steps, step)
	}

	dir := filepath.Join(s.runsDir(), runID)
	jobs := make([]jobqueue.Job, s.model.NumRealizations)
	for i := range jobs {
		jobs[i] = jobqueue.Job{
			ID:          fmt.Sprintf("%s/%d", runID[:8], i),
			Realization: i,
			Dir:         filepath.Join(dir, fmt.Sprintf("realization-%d", i)),
			Steps:       steps,
		}
	}
	return jobs
}
