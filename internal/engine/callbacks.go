package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
)

// CallbackArgs is passed to a post-deploy callback.
type CallbackArgs struct {
	Key      ir.DeploymentKey
	Facet    string
	Decision VersionDecision
	Diamond  ir.Address

	// Record is a copy of the record after the cut.
	Record *ir.DeploymentRecord

	// Client sends any follow-up transactions the callback needs.
	Client chain.Client
	Logger *zap.Logger
}

// Callback runs after a facet's initializer when its version changed.
type Callback func(ctx context.Context, args CallbackArgs) error

// CallbackRegistry maps callback names used in configuration to code.
//
// Thread-safety: safe for concurrent use.
type CallbackRegistry struct {
	mu        sync.RWMutex
	callbacks map[string]Callback
}

// NewCallbackRegistry creates an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{callbacks: make(map[string]Callback)}
}

// Register adds a callback. Names must be unique and non-empty.
func (r *CallbackRegistry) Register(name string, cb Callback) error {
	if name == "" {
		return fmt.Errorf("register callback: empty name")
	}
	if cb == nil {
		return fmt.Errorf("register callback %q: nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.callbacks[name]; exists {
		return fmt.Errorf("register callback %q: already registered", name)
	}
	r.callbacks[name] = cb
	return nil
}

// MustRegister is Register that panics on error, for static setup.
func (r *CallbackRegistry) MustRegister(name string, cb Callback) {
	if err := r.Register(name, cb); err != nil {
		panic(err)
	}
}

// Lookup returns the callback registered under name.
func (r *CallbackRegistry) Lookup(name string) (Callback, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.callbacks[name]
	return cb, ok
}

// Has reports whether name is registered. It matches the signature of
// compiler.CallbackLookup.
func (r *CallbackRegistry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered names in sorted order.
func (r *CallbackRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.callbacks))
	for name := range r.callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckCallbacks returns a ConfigurationError for the first facet whose
// configured callback is not registered.
func (r *CallbackRegistry) CheckCallbacks(facets []ir.FacetDescriptor) error {
	sorted := append([]ir.FacetDescriptor(nil), facets...)
	ir.SortFacets(sorted)
	for _, f := range sorted {
		for _, v := range f.SortedVersions() {
			name := f.Versions[v].Callback
			if name != "" && !r.Has(name) {
				return ir.ConfigurationError(f.Name, "callback %q (version %s) is not registered", name, v)
			}
		}
	}
	return nil
}
