package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps backend names to their breaker instances, creating them
// lazily. The registry lock guards only the map; breaker state has its own
// per-instance lock, so holding the registry lock never serializes
// unrelated backends.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for name, constructing one with cfg on
// first reference. Config passed on later calls for the same name is
// ignored (first-writer wins); reconfiguring a live breaker would reset
// failure accounting mid-flight.
func (r *Registry) GetOrCreate(name string, cfg Config) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := New(name, cfg, r.logger)
	r.breakers[name] = b
	r.logger.Debug("circuit breaker created", "backend", name)
	return b
}

// Get returns the breaker for name, or nil if none has been created.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// AllStats returns a snapshot of every breaker's stats, sorted by name for
// stable observability output.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
