package breaker

import "sync"

// Registry hands out one Breaker per backend key, creating it lazily on
// first use with the Config given to NewRegistry.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for the given backend key, creating it if
// this is the first time the key has been seen.
func (r *Registry) Get(backend string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[backend]
	if !ok {
		b = New(r.cfg)
		r.breakers[backend] = b
	}
	return b
}

// Snapshot returns the current state of every tracked backend.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for backend, b := range r.breakers {
		out[backend] = b.Status()
	}
	return out
}

// SystemHealth is the monitoring tick's aggregate read across every
// tracked breaker, used both to report on the dashboard and to feed
// AdjustAll.
type SystemHealth struct {
	OverallHealthScore float64
	OpenBreakers       int
	TrackedBreakers    int
}

// SystemHealth averages health scores across every tracked breaker. An
// empty registry reads as perfectly healthy.
func (r *Registry) SystemHealth() SystemHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.breakers) == 0 {
		return SystemHealth{OverallHealthScore: 1.0}
	}
	var sum float64
	open := 0
	for _, b := range r.breakers {
		sum += b.HealthScore()
		if b.Status() == Open {
			open++
		}
	}
	return SystemHealth{
		OverallHealthScore: sum / float64(len(r.breakers)),
		OpenBreakers:       open,
		TrackedBreakers:    len(r.breakers),
	}
}

// AdjustAll rescales every tracked breaker's failure threshold against
// the given system-wide health score, called once per monitoring tick.
func (r *Registry) AdjustAll(systemHealthScore float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.AdjustThresholds(systemHealthScore)
	}
}
