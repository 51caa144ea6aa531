package breaker

import (
	"sort"
	"sync"
	"time"
)

// Option customises a Registry.
type Option func(*Registry)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.nowFunc = now }
}

// WithStateChange registers a hook invoked on every transition. It runs while
// the breaker's lock is held and must not call back into the breaker.
func WithStateChange(fn func(source string, from, to State)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// Registry owns one long-lived breaker per source name. The map lock only
// guards lookups; each breaker serialises its own state.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  Config
	overrides map[string]Config
	nowFunc   func() time.Time
	onChange  func(string, State, State)
}

// NewRegistry creates a registry whose breakers use defaults unless configured otherwise.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	r := &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: make(map[string]Config),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure overlays the non-zero values of cfg on the defaults for source.
// It only affects breakers created afterwards.
func (r *Registry) Configure(source string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[source] = r.defaults.Overlay(cfg)
}

// Get returns the breaker for source, creating it on first reference.
func (r *Registry) Get(source string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[source]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[source]; ok {
		return b
	}
	cfg, ok := r.overrides[source]
	if !ok {
		cfg = r.defaults
	}
	b = newBreaker(source, cfg, r.nowFunc, r.onChange)
	r.breakers[source] = b
	return b
}

// Snapshots returns the health of every known source, sorted by name.
func (r *Registry) Snapshots() []Health {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Health, 0, len(list))
	for _, b := range list {
		out = append(out, b.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
