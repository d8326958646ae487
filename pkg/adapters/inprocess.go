package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// InProcessOptions selects a registered Go function.
type InProcessOptions struct {
	Func string
}

// FuncRegistry holds the Go functions that inprocess paths can call.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]engine.Adapter
}

// NewFuncRegistry creates an empty function registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]engine.Adapter)}
}

// Register adds a function under name. Registering the same name twice is an
// error.
func (f *FuncRegistry) Register(name string, fn engine.Adapter) error {
	if name == "" {
		return fmt.Errorf("function name is required")
	}
	if fn == nil {
		return fmt.Errorf("function %s is nil", name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.funcs[name]; exists {
		return fmt.Errorf("function %s already registered", name)
	}
	f.funcs[name] = fn
	return nil
}

// MustRegister is Register that panics on error.
func (f *FuncRegistry) MustRegister(name string, fn engine.Adapter) {
	if err := f.Register(name, fn); err != nil {
		panic(err)
	}
}

// Get returns the function registered under name.
func (f *FuncRegistry) Get(name string) (engine.Adapter, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.funcs[name]
	return fn, ok
}

// Names returns the registered function names in sorted order.
func (f *FuncRegistry) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.funcs))
	for name := range f.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) newInProcess(_ context.Context, spec Spec) (engine.Adapter, error) {
	if spec.InProcess == nil || spec.InProcess.Func == "" {
		return nil, missingOptions(KindInProcess)
	}
	fn, ok := r.funcs.Get(spec.InProcess.Func)
	if !ok {
		return nil, fmt.Errorf("function %s is not registered", spec.InProcess.Func)
	}
	return fn, nil
}
