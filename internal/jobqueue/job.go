package jobqueue

import (
	"context"
	"time"
)

// State is the lifecycle state of one job.
type State string

const (
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// Step is one forward-model step of a job. A step with a Command runs it
// as a subprocess; otherwise it simulates work for Duration.
type Step struct {
	Name     string
	Command  string
	Args     []string
	Duration time.Duration
	Env      map[string]string
}

// Job runs the forward model for one realization.
type Job struct {
	ID          string
	Realization int
	Dir         string
	Steps       []Step
}

// Event reports a job state transition.
type Event struct {
	Job   Job
	State State
	Err   error
	At    time.Time
}

// Observer receives job transitions. It is called from worker goroutines
// and must not block for long.
type Observer func(Event)

// Driver executes a single job. Implementations must return promptly once
// ctx is cancelled.
type Driver interface {
	Run(ctx context.Context, job Job) error
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, job Job) error

// Run calls f(ctx, job).
func (f DriverFunc) Run(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Summary counts job outcomes of one Run.
type Summary struct {
	Total     int           `json:"total"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Stopped   bool          `json:"stopped"`
	Duration  time.Duration `json:"duration"`
}
