package venue

import (
	"context"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/tradefab/execd/errs"
	"github.com/tradefab/execd/internal/observability"
)

// Registry tracks the supervised adapters keyed by venue name.
type Registry struct {
	mu          sync.RWMutex
	supervisors map[string]*Supervisor
	wg          conc.WaitGroup
	started     bool
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	r := new(Registry)
	r.supervisors = make(map[string]*Supervisor)
	return r
}

// Register adds a supervisor. Duplicate venue names are rejected.
func (r *Registry) Register(sup *Supervisor) error {
	if sup == nil {
		return errs.Malformed("supervisor must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := sup.Venue()
	if _, exists := r.supervisors[name]; exists {
		return errs.Malformed("venue already registered: " + name)
	}
	r.supervisors[name] = sup
	return nil
}

// Get returns the supervisor for a venue.
func (r *Registry) Get(venueName string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.supervisors[venueName]
	return sup, ok
}

// Venues lists registered venue names in stable order.
func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.supervisors))
	for name := range r.supervisors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches every supervisor's run loop. A venue that cannot connect
// keeps retrying inside its own loop; it never blocks the others.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	for _, sup := range r.supervisors {
		sup := sup
		r.wg.Go(func() {
			if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Error("supervisor exited",
					observability.F("venue", sup.Venue()),
					observability.F("error", err.Error()))
			}
		})
	}
}

// Wait blocks until all supervisor loops have returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// HealthAll reports per-venue health sorted by venue name.
func (r *Registry) HealthAll(ctx context.Context) []HealthStatus {
	r.mu.RLock()
	sups := make([]*Supervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		sups = append(sups, sup)
	}
	r.mu.RUnlock()

	out := make([]HealthStatus, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.Health(ctx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}
