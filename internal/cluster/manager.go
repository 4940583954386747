// Package cluster defines the Manager interface and the wire types of
// the jobs dialect tether speaks to a cluster manager.
package cluster

import "context"

// Manager is the client-side contract with a cluster manager.
// Implementations cover one backend each: a remote jobs API over HTTP,
// or the local Docker daemon for development.
//
// # Lifecycle split
//
// Submit is synchronous: it returns the manager-assigned JobID or an
// error, and nothing else happens until it succeeds. Watch then drives
// the rest of the job's life on the caller's goroutine — callers run it
// on a dedicated one — delivering callbacks as the manager reports
// progress and returning only when the job reaches a terminal state.
// Terminate is independent of both and safe to call at any point after
// Submit, including while a Watch is still running.
//
// # Callback delivery
//
// Watch invokes Callbacks.HandleJobAdmitted exactly once, before any
// endpoint delivery, and Callbacks.HandleEndpoints once per reported
// registration batch. Both arrive on the Watch goroutine; see the
// Callbacks contract for what implementations may do inside them.
type Manager interface {
	// Submit asks the manager to admit a new job. Returns the assigned
	// JobID on success. No callbacks fire for a failed submission.
	Submit(ctx context.Context, req Request) (JobID, error)

	// Watch follows the job until it reaches a terminal state,
	// delivering callbacks along the way. Returns the terminal Result,
	// or an error if the watch was interrupted before the job ended
	// (context cancelled, manager unreachable beyond the failure limit).
	Watch(ctx context.Context, id JobID, cb Callbacks) (Result, error)

	// Terminate asks the manager to forcefully end the job. Idempotent
	// from the caller's perspective: terminating a finished job is not
	// an error worth acting on beyond logging.
	Terminate(ctx context.Context, id JobID) error

	// Status returns the manager's current view of the job.
	Status(ctx context.Context, id JobID) (Status, error)

	// Ready checks that the backend is reachable.
	Ready(ctx context.Context) error

	// Close releases resources held by the client. It does not affect
	// the remote job.
	Close() error
}
