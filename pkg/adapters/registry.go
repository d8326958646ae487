package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// Kind identifies an adapter implementation.
type Kind string

const (
	// KindInProcess calls a Go function registered in a FuncRegistry.
	KindInProcess Kind = "inprocess"
	// KindStarlark runs a Starlark script's run(action, params) function.
	KindStarlark Kind = "starlark"
	// KindWASM calls the invoke export of a WebAssembly module.
	KindWASM Kind = "wasm"
	// KindSSH runs a command on a remote host.
	KindSSH Kind = "ssh"
	// KindRunner drives the micro-runner locally or on a remote host.
	KindRunner Kind = "runner"
	// KindWebhook submits the action to an HTTP endpoint.
	KindWebhook Kind = "webhook"
)

// Spec describes one path before its adapter is built. Exactly the options
// block matching Kind is used.
type Spec struct {
	Name     string
	Kind     Kind
	Priority int
	Timeout  time.Duration
	Retry    *RetryPolicy

	InProcess *InProcessOptions
	Starlark  *StarlarkOptions
	WASM      *WASMOptions
	SSH       *SSHOptions
	Runner    *RunnerOptions
	Webhook   *WebhookOptions
}

// Validate checks the kind-independent fields.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New("path name is required")
	}
	if s.Kind == "" {
		return fmt.Errorf("path %s: kind is required", s.Name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("path %s: timeout must be positive", s.Name)
	}
	if s.Priority < 0 {
		return fmt.Errorf("path %s: priority must not be negative", s.Name)
	}
	if s.Retry != nil {
		if err := s.Retry.Validate(); err != nil {
			return fmt.Errorf("path %s: %w", s.Name, err)
		}
	}
	return nil
}

// Factory builds the adapter for a spec of one kind.
type Factory func(ctx context.Context, spec Spec) (engine.Adapter, error)

// closer is implemented by adapters holding resources such as connections or
// runtimes.
type closer interface {
	Close(ctx context.Context) error
}

// Registry maps kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
	funcs     *FuncRegistry
	logger    zerolog.Logger
	onRetry   func(path string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithFuncs sets the functions available to inprocess paths.
func WithFuncs(funcs *FuncRegistry) Option {
	return func(r *Registry) { r.funcs = funcs }
}

// WithLogger sets the logger handed to adapters.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithRetryHook sets a callback invoked before every adapter-level retry.
func WithRetryHook(fn func(path string)) Option {
	return func(r *Registry) { r.onRetry = fn }
}

// NewRegistry creates a registry with every built-in kind registered.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		factories: make(map[Kind]Factory),
		funcs:     NewFuncRegistry(),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "adapters").Logger()

	r.Register(KindInProcess, r.newInProcess)
	r.Register(KindStarlark, r.newStarlark)
	r.Register(KindWASM, r.newWASM)
	r.Register(KindSSH, r.newSSH)
	r.Register(KindRunner, r.newRunner)
	r.Register(KindWebhook, r.newWebhook)
	return r
}

// Register adds or replaces the factory for a kind.
func (r *Registry) Register(kind Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// Funcs returns the registry of inprocess functions.
func (r *Registry) Funcs() *FuncRegistry {
	return r.funcs
}

// Built is the result of building a path set. It owns the adapters'
// resources until Close.
type Built struct {
	Paths   []engine.PathDescriptor
	closers []closer
}

// Close releases every adapter resource.
func (b *Built) Close(ctx context.Context) error {
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Build validates specs and constructs their adapters in order. Any failure
// releases what was already built and returns a config error.
func (r *Registry) Build(ctx context.Context, specs []Spec) (*Built, error) {
	built := &Built{Paths: make([]engine.PathDescriptor, 0, len(specs))}
	seen := make(map[string]bool, len(specs))

	fail := func(err error) (*Built, error) {
		_ = built.Close(ctx)
		return nil, engine.NewConfigError("invalid path configuration", err)
	}

	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return fail(err)
		}
		if seen[spec.Name] {
			return fail(fmt.Errorf("duplicate path name: %s", spec.Name))
		}
		seen[spec.Name] = true

		r.mu.RLock()
		factory, ok := r.factories[spec.Kind]
		r.mu.RUnlock()
		if !ok {
			return fail(fmt.Errorf("path %s: unknown kind %q", spec.Name, spec.Kind))
		}

		adapter, err := factory(ctx, spec)
		if err != nil {
			return fail(fmt.Errorf("path %s: %w", spec.Name, err))
		}
		if c, ok := adapter.(closer); ok {
			built.closers = append(built.closers, c)
		}

		if spec.Retry != nil {
			name := spec.Name
			var hook func()
			if r.onRetry != nil {
				hook = func() { r.onRetry(name) }
			}
			adapter = WithRetry(adapter, *spec.Retry, hook)
		}

		built.Paths = append(built.Paths, engine.PathDescriptor{
			Name:     spec.Name,
			Priority: spec.Priority,
			Timeout:  spec.Timeout,
			Kind:     string(spec.Kind),
			Adapter:  adapter,
		})

		r.logger.Debug().
			Str("path", spec.Name).
			Str("kind", string(spec.Kind)).
			Int("priority", spec.Priority).
			Dur("timeout", spec.Timeout).
			Msg("path built")
	}

	return built, nil
}

func missingOptions(kind Kind) error {
	return fmt.Errorf("%s options are required", kind)
}
