package core

import "context"

// =============================================================================
// Collaborator ports
// =============================================================================

// JobDispatcher accepts a cooperative stop request for in-flight work.
// RequestStop must be idempotent, must not block, and must be safe to call
// on an idle or already torn-down dispatcher.
type JobDispatcher interface {
	RequestStop()
}

// Session is the bootstrapped engine state of one console run.
type Session interface {
	// ID identifies the session in logs, crash dumps and storage.
	ID() string

	// JobDispatcher returns the dispatcher handle. The handle is fixed once
	// bootstrap completes and may be read from any goroutine.
	JobDispatcher() JobDispatcher

	// Release tears the session down. Calling it more than once is allowed.
	Release(ctx context.Context) error
}

// BootstrapFlags tune how strictly the engine treats its configuration.
type BootstrapFlags struct {
	Strict  bool
	Verbose bool
}
