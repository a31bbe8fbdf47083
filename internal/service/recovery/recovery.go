// Package recovery downgrades the version being started when the process
// dies in the middle of a start attempt.
//
// A Hook is registered right before a start attempt and released on every
// way out of it. Fire runs the hooks still registered; the signal handler
// and the panic guard of the command call it before the process exits.
package recovery

import (
	"sync"

	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/logger"
)

// StableWriter writes one stable score without waiting on other writers.
type StableWriter interface {
	WriteStableDirect(service core.ServiceName, tag string, stable int) error
}

// Hook describes the start attempt in flight.
type Hook struct {
	Service core.ServiceName
	Tag     string
	// Stable is the score the tag had when the attempt began.
	Stable int
	// Fresh tells whether this is the first attempt since launch.
	Fresh bool
}

// Registry holds the hooks of attempts in flight.
type Registry struct {
	writer StableWriter

	mu    sync.Mutex
	next  uint64
	hooks map[uint64]Hook
	fired bool
}

// NewRegistry creates a registry writing through w.
func NewRegistry(w StableWriter) *Registry {
	return &Registry{writer: w, hooks: make(map[uint64]Hook)}
}

// Register adds h and returns the function that removes it.
// The returned function may be called any number of times.
func (r *Registry) Register(h Hook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	r.hooks[id] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.hooks, id)
	}
}

// Pending returns how many hooks are registered.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.hooks)
}

// Fire runs every registered hook once and clears the registry. Later
// calls do nothing. Each hook writes the failure score computed from the
// score captured at registration.
func (r *Registry) Fire() int {
	r.mu.Lock()
	if r.fired {
		r.mu.Unlock()

		return 0
	}

	r.fired = true
	hooks := make([]Hook, 0, len(r.hooks))

	for _, h := range r.hooks {
		hooks = append(hooks, h)
	}

	clear(r.hooks)
	r.mu.Unlock()

	for _, h := range hooks {
		stable := core.OnFailure(h.Stable, h.Fresh)

		if err := r.writer.WriteStableDirect(h.Service, h.Tag, stable); err != nil {
			logger.Logger().Errorw("Crash recovery write failed",
				"service", h.Service, "tag", h.Tag, "stable", stable, "error", err)

			continue
		}

		logger.Logger().Warnw("Marked interrupted start as failed",
			"service", h.Service, "tag", h.Tag, "stable", stable)
	}

	return len(hooks)
}
