// Package transform provides the registry of named, pure, side-effect-free
// value converters available to workflow specs. Transforms compose: a
// transform's arguments may themselves be literals, placeholders, or nested
// transforms, all resolved before the function is applied.
package transform

import (
	"sort"
	"sync"

	"github.com/bindrun/bindrun/pkg/schema"
)

// Func is a registered transformation. Implementations must be total,
// deterministic, and free of side effects: the same args always produce the
// same value or the same error.
type Func func(args []any) (any, error)

// Registry is a thread-safe name → Func mapping.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a transform. Returns an error on duplicate or empty name.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform name is empty")
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "transform %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "transform %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Get retrieves a transform by name.
func (r *Registry) Get(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownTransform, "transform %q not registered", name)
	}
	return fn, nil
}

// Has checks if a transform is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Names returns all registered transform names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBuiltinRegistry returns a Registry pre-loaded with every built-in
// transform. Panics on registration conflict, which can only mean a
// programming error in the built-in set itself.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	builtins := map[string]Func{
		"currency_to_minor_units": CurrencyToMinorUnits,
		"slugify":                 Slugify,
		"lookup":                  Lookup,
		"jq":                      JQ,
		"expr":                    Expr,
	}
	for name, fn := range builtins {
		if err := r.Register(name, fn); err != nil {
			panic(err)
		}
	}
	return r
}
