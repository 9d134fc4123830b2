package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry hands out one Breaker per key, created on first use.
//
// Keys come from caller-supplied callback URLs, so the registry is bounded:
// once limit keys are tracked, idle breakers (closed with no failures) are
// forgotten before a new one is added. Breakers with failure history are
// never evicted, so a flood of new hosts cannot reset an open circuit.
type Registry struct {
	config Config
	limit  int

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. A limit <= 0 means unbounded.
func NewRegistry(cfg Config, limit int) *Registry {
	return &Registry{
		config:   cfg,
		limit:    limit,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	if r.limit > 0 && len(r.breakers) >= r.limit {
		r.evictIdle()
	}
	b = New(key, r.config)
	r.breakers[key] = b
	return b
}

// evictIdle drops breakers that carry no state worth keeping. Caller holds mu.
func (r *Registry) evictIdle() {
	for key, b := range r.breakers {
		if b.State() == Closed && b.Failures() == 0 {
			delete(r.breakers, key)
		}
	}
}

// OpenKeys returns the sorted keys whose circuit is currently open.
func (r *Registry) OpenKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key, b := range r.breakers {
		if b.State() == Open {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Stats counts tracked breakers by state.
type Stats struct {
	Total    int `json:"total"`
	Open     int `json:"open"`
	HalfOpen int `json:"halfOpen"`
	Closed   int `json:"closed"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			s.Open++
		case HalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
	}
	return s
}
