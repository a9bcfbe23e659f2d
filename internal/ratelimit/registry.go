package ratelimit

import (
	"sync"
)

// Registry maps rule names to their token buckets. Buckets are created
// lazily on first use and never removed except by Clear on full shutdown.
type Registry struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	buckets map[string]*TokenBucket
}

// NewRegistry creates a registry seeded with the given rules. The default
// rule is always present.
func NewRegistry(rules ...Rule) *Registry {
	r := &Registry{
		rules:   make(map[string]Rule),
		buckets: make(map[string]*TokenBucket),
	}
	def := DefaultRule()
	r.rules[def.Name] = def
	for _, rule := range rules {
		r.rules[rule.Name] = rule
	}
	return r
}

// Register adds or replaces a rule. An existing bucket for the same name is
// kept as-is; only new buckets pick up the new rule.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.Name] = rule
}

// Get returns the bucket for the named rule, creating it on first use.
// Unknown names fall back to the default rule's parameters.
func (r *Registry) Get(name string) *TokenBucket {
	if name == "" {
		name = "default"
	}

	r.mu.RLock()
	if b, ok := r.buckets[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double check after acquiring write lock
	if b, ok := r.buckets[name]; ok {
		return b
	}

	rule, ok := r.rules[name]
	if !ok {
		rule = DefaultRule()
		rule.Name = name
	}

	b := NewTokenBucket(rule)
	r.buckets[name] = b
	return b
}

// Each calls fn for every live bucket.
func (r *Registry) Each(fn func(name string, b *TokenBucket)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, b := range r.buckets {
		fn(name, b)
	}
}

// Len returns the number of live buckets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}

// Clear drops all buckets. Called on scheduler shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = make(map[string]*TokenBucket)
}
