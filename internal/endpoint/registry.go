package endpoint

import "sync/atomic"

// Registry holds the most recently delivered endpoint snapshot. It is
// the only state shared between the watch driver's goroutine and the
// polling loop, so both sides go through Publish/Current rather than a
// bare field: the atomic pointer swap gives the reader the
// happens-before guarantee on the snapshot's contents.
type Registry struct {
	current atomic.Pointer[Set]
}

// NewRegistry returns a Registry with no snapshot yet.
func NewRegistry() *Registry {
	return &Registry{}
}

// Publish replaces the current snapshot. An empty Set is a valid
// snapshot (all workers deregistered). Safe for concurrent use with
// Current; between two concurrent publishes, last write wins.
func (r *Registry) Publish(set Set) {
	r.current.Store(&set)
}

// Current returns the latest published snapshot, or false if nothing
// has been published yet. Never blocks.
func (r *Registry) Current() (Set, bool) {
	p := r.current.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}
