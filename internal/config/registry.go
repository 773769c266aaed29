package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/cadenza/pkg/activity"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: name not registered")

// Registry maps stable string tags to constructors for merge policies and
// activity decays. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]func(PolicyEntry) (activity.Policy, error)
	decays   map[string]func(DecayConfig) (activity.Decay, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]func(PolicyEntry) (activity.Policy, error)),
		decays:   make(map[string]func(DecayConfig) (activity.Decay, error)),
	}
}

// DefaultRegistry returns a registry holding the built-in policies
// ("distance", "phase", "repetition") and decays ("exponential", "linear").
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, name := range []string{"distance", "phase", "repetition"} {
		r.RegisterPolicy(name, func(e PolicyEntry) (activity.Policy, error) {
			return activity.NewPolicy(name, e.Param)
		})
	}
	for _, name := range []string{"exponential", "linear"} {
		r.RegisterDecay(name, func(d DecayConfig) (activity.Decay, error) {
			return activity.NewDecay(name, d.Param)
		})
	}
	return r
}

// RegisterPolicy registers a merge policy factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterPolicy(name string, factory func(PolicyEntry) (activity.Policy, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = factory
}

// RegisterDecay registers a decay factory under name.
func (r *Registry) RegisterDecay(name string, factory func(DecayConfig) (activity.Decay, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decays[name] = factory
}

// CreatePolicy instantiates the policy registered under entry.Name.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreatePolicy(entry PolicyEntry) (activity.Policy, error) {
	r.mu.RLock()
	factory, ok := r.policies[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: policy/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePolicies instantiates every entry in order.
func (r *Registry) CreatePolicies(entries []PolicyEntry) ([]activity.Policy, error) {
	out := make([]activity.Policy, 0, len(entries))
	for _, e := range entries {
		p, err := r.CreatePolicy(e)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CreateDecay instantiates the decay registered under cfg.Name.
func (r *Registry) CreateDecay(cfg DecayConfig) (activity.Decay, error) {
	r.mu.RLock()
	factory, ok := r.decays[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: decay/%q", ErrNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// HasPolicy reports whether a policy factory is registered under name.
func (r *Registry) HasPolicy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.policies[name]
	return ok
}

// HasDecay reports whether a decay factory is registered under name.
func (r *Registry) HasDecay(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decays[name]
	return ok
}

// PolicyNames returns the registered policy names, sorted.
func (r *Registry) PolicyNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.policies))
}

// DecayNames returns the registered decay names, sorted.
func (r *Registry) DecayNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.decays))
}
