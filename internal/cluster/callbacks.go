package cluster

import (
	"context"

	"tether/internal/endpoint"
)

// Callbacks receives asynchronous notifications from a Watch as the
// manager reports progress. Both methods are invoked from the watch
// goroutine, never from the caller's control flow, so implementations
// must be safe to run concurrently with their owner's other work and
// must return promptly: no blocking I/O, no unbounded waits. Publishing
// to a registry, recording a metric, or enqueueing a notification are
// all fine.
type Callbacks interface {
	// HandleJobAdmitted delivers the assigned job identifier. Called
	// exactly once per watch, before the first HandleEndpoints.
	HandleJobAdmitted(ctx context.Context, id JobID)

	// HandleEndpoints delivers a complete snapshot of the worker
	// endpoints registered so far. Called zero or more times; each
	// snapshot replaces the previous one and sets may shrink.
	HandleEndpoints(ctx context.Context, endpoints endpoint.Set)
}
