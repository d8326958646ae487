// Package bootstrap assembles a running pathrunner from a configuration:
// telemetry, store, ledger, escalation sinks, admission policy, adapters and
// the orchestrator.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pathrunner/pkg/adapters"
	"github.com/openfroyo/pathrunner/pkg/config"
	"github.com/openfroyo/pathrunner/pkg/engine"
	"github.com/openfroyo/pathrunner/pkg/escalation"
	"github.com/openfroyo/pathrunner/pkg/ledger"
	"github.com/openfroyo/pathrunner/pkg/policy"
	"github.com/openfroyo/pathrunner/pkg/stores"
	"github.com/openfroyo/pathrunner/pkg/telemetry"
)

// systemActor is recorded in audit entries written by the service itself.
const systemActor = "pathrunner"

// App is a fully wired orchestrator with its collaborators.
type App struct {
	Orchestrator *engine.Orchestrator
	Ledger       *ledger.MemoryLedger
	Telemetry    *telemetry.Telemetry
	Metrics      *telemetry.Metrics
	Logger       zerolog.Logger

	// Store is nil when persistence is not configured.
	Store *stores.SQLiteStore

	// Policy is nil when admission is disabled.
	Policy *policy.Engine

	registry *adapters.Registry
	parser   *config.Parser

	mu      sync.Mutex
	cfg     *config.Config
	built   *adapters.Built
	closers []func() error
}

// Options customizes New.
type Options struct {
	// Version is reported in traces and by the API.
	Version string

	// Funcs are the functions inprocess paths can call. Defaults to
	// adapters.StandardFuncs.
	Funcs *adapters.FuncRegistry

	// LogWriter overrides the configured log output.
	LogWriter io.Writer

	// Parser is used by Watch. One is created when nil.
	Parser *config.Parser
}

// New builds an App. Everything acquired so far is released on failure.
func New(ctx context.Context, cfg *config.Config, opts Options) (app *App, err error) {
	tel, err := telemetry.NewTelemetryWithWriter(cfg.Telemetry(opts.Version), opts.LogWriter)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	a := &App{
		Telemetry: tel,
		Logger:    tel.Logger.Zerolog(),
		Metrics:   tel.Metrics,
		cfg:       cfg,
		parser:    opts.Parser,
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := a.openStore(ctx, cfg); err != nil {
		return nil, err
	}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(a.component("ledger")),
		ledger.WithPersistErrorHook(func(error) { a.Metrics.RecordLedgerPersistError() }),
	}
	if a.Store != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithPersister(a.Store))
	}
	a.Ledger = ledger.New(ledgerOpts...)

	sink, err := a.buildSinks(cfg)
	if err != nil {
		return nil, err
	}

	breaker, err := cfg.Breaker()
	if err != nil {
		return nil, err
	}

	funcs := opts.Funcs
	if funcs == nil {
		funcs = adapters.StandardFuncs()
	}
	a.registry = adapters.NewRegistry(
		adapters.WithFuncs(funcs),
		adapters.WithLogger(a.Logger),
		adapters.WithRetryHook(a.Metrics.RecordAdapterRetry),
	)

	specs, err := cfg.PathSpecs()
	if err != nil {
		return nil, err
	}
	if a.built, err = a.registry.Build(ctx, specs); err != nil {
		return nil, err
	}

	orchOpts := []engine.Option{
		engine.WithLedger(a.Ledger),
		engine.WithEscalationSink(sink),
		engine.WithRecorder(a.Metrics),
		engine.WithTracer(tel.Tracer.Tracer()),
		engine.WithLogger(a.component("orchestrator")),
		engine.WithCircuitConfig(breaker),
	}
	if cfg.PolicyEnabled() {
		if a.Policy, err = a.newPolicy(ctx, cfg); err != nil {
			return nil, err
		}
		orchOpts = append(orchOpts, engine.WithAdmission(a.Policy))
	}

	if a.Orchestrator, err = engine.NewOrchestrator(a.built.Paths, orchOpts...); err != nil {
		return nil, err
	}

	if window := cfg.WarmStartWindow(); window > 0 && a.Store != nil {
		if err := a.warmStart(ctx, window); err != nil {
			return nil, err
		}
	}

	a.audit(ctx, "paths.configured", cfg.Source, pathNames(a.built.Paths))
	a.Logger.Info().
		Int("paths", len(a.built.Paths)).
		Int("sinks", len(cfg.Escalation.Sinks)).
		Bool("persistent", a.Store != nil).
		Bool("policy", a.Policy != nil).
		Msg("pathrunner ready")
	return a, nil
}

func (a *App) component(name string) zerolog.Logger {
	return a.Logger.With().Str("component", name).Logger()
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) error {
	if cfg.Store.Path == "" {
		return nil
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// buildSinks creates the configured sinks behind one fan-out sink.
func (a *App) buildSinks(cfg *config.Config) (engine.EscalationSink, error) {
	named := make([]escalation.Named, 0, len(cfg.Escalation.Sinks))
	for _, s := range cfg.Escalation.Sinks {
		var sink engine.EscalationSink
		switch s.Type {
		case "log":
			sink = escalation.NewLogSink(a.component("escalation").With().Str("sink", s.Name).Logger())
		case "store":
			if a.Store == nil {
				return nil, engine.NewConfigError(fmt.Sprintf("sink %s needs a store", s.Name), nil)
			}
			sink = escalation.NewStoreSink(a.Store)
		case "webhook":
			wc, err := s.WebhookConfig()
			if err != nil {
				return nil, err
			}
			if sink, err = escalation.NewWebhookSink(wc); err != nil {
				return nil, fmt.Errorf("sink %s: %w", s.Name, err)
			}
		case "redis":
			rc, err := s.RedisConfig()
			if err != nil {
				return nil, err
			}
			rs, err := escalation.NewRedisSink(rc)
			if err != nil {
				return nil, fmt.Errorf("sink %s: %w", s.Name, err)
			}
			a.closers = append(a.closers, rs.Close)
			sink = rs
		default:
			return nil, engine.NewConfigError(fmt.Sprintf("unknown sink type %q", s.Type), nil)
		}
		named = append(named, escalation.Named{Name: s.Name, Sink: sink})
	}

	return escalation.NewMultiSink(named,
		escalation.WithDeliveryRecorder(a.Metrics),
		escalation.WithLogger(a.component("escalation")),
	)
}

func (a *App) newPolicy(ctx context.Context, cfg *config.Config) (*policy.Engine, error) {
	var opts []policy.Option
	if cfg.Policy.MaxParamsBytes != nil {
		opts = append(opts, policy.WithMaxParamsBytes(*cfg.Policy.MaxParamsBytes))
	}
	env := cfg.Policy.Environment
	if env == "" {
		env = cfg.Service.Environment
	}
	if env != "" {
		opts = append(opts, policy.WithEnvironment(env))
	}

	pe, err := policy.NewEngine(a.Logger, opts...)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// warmStart replays recently persisted attempts so circuits that were open
// before a restart stay open.
func (a *App) warmStart(ctx context.Context, window time.Duration) error {
	records, err := a.Store.ListAttempts(ctx, stores.AttemptQuery{Since: time.Now().Add(-window)})
	if err != nil {
		return fmt.Errorf("failed to load attempts for warm start: %w", err)
	}

	tracker := a.Orchestrator.HealthTracker()
	tracker.Replay(records)
	tracker.Retain(pathNames(a.Orchestrator.Paths()))

	a.Logger.Info().
		Int("attempts", len(records)).
		Dur("window", window).
		Msg("Health state restored from store")
	return nil
}

// Execute runs an action through the orchestrator.
func (a *App) Execute(ctx context.Context, action engine.Action) (*engine.Result, error) {
	return a.Orchestrator.Execute(ctx, action)
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Reconfigure rebuilds the path set from cfg and swaps it in atomically.
// Only the path list is reloaded; other sections take effect on restart.
// The previous adapters are released once no attempt can still be using them.
func (a *App) Reconfigure(ctx context.Context, cfg *config.Config) error {
	specs, err := cfg.PathSpecs()
	if err != nil {
		return err
	}
	built, err := a.registry.Build(ctx, specs)
	if err != nil {
		return err
	}
	if err := a.Orchestrator.Reconfigure(built.Paths); err != nil {
		_ = built.Close(ctx)
		return err
	}

	a.mu.Lock()
	old, oldCfg := a.built, a.cfg
	a.built, a.cfg = built, cfg
	a.mu.Unlock()

	for section, changed := range map[string]bool{
		"circuit":    !reflect.DeepEqual(oldCfg.Circuit, cfg.Circuit),
		"escalation": !reflect.DeepEqual(oldCfg.Escalation, cfg.Escalation),
		"store":      !reflect.DeepEqual(oldCfg.Store, cfg.Store),
		"policy":     !reflect.DeepEqual(oldCfg.Policy, cfg.Policy),
	} {
		if changed {
			a.Logger.Warn().Str("section", section).Msg("Configuration section changed; restart to apply")
		}
	}

	a.releaseLater(old)
	a.audit(ctx, "paths.reconfigured", cfg.Source, pathNames(built.Paths))
	return nil
}

// releaseLater closes a replaced path set after its longest timeout, which
// bounds any attempt started before the swap.
func (a *App) releaseLater(old *adapters.Built) {
	if old == nil {
		return
	}
	var longest time.Duration
	for _, p := range old.Paths {
		longest = max(longest, p.Timeout)
	}
	time.AfterFunc(longest+time.Second, func() {
		if err := old.Close(context.Background()); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to release replaced adapters")
		}
	})
}

// Watch reloads the configuration file and, when enabled, the policy files
// whenever they change, until ctx is done.
func (a *App) Watch(ctx context.Context) error {
	cfg := a.Config()
	if cfg.Source == "" {
		return errors.New("configuration was not loaded from a file")
	}

	if a.parser == nil {
		p, err := config.NewParser()
		if err != nil {
			return err
		}
		a.parser = p
	}
	err := a.parser.Watch(ctx, cfg.Source, a.Logger, func(next *config.Config) error {
		return a.Reconfigure(ctx, next)
	})
	if err != nil {
		return err
	}

	if a.Policy != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		if err := a.Policy.Watch(ctx, cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	return nil
}

// audit writes an audit entry when a store is configured. Failures are logged.
func (a *App) audit(ctx context.Context, action, target string, details interface{}) {
	if a.Store == nil {
		return
	}

	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     systemActor,
		Timestamp: time.Now().UTC(),
	}
	if target != "" {
		entry.TargetID = &target
	}
	if data, err := json.Marshal(details); err == nil {
		s := string(data)
		entry.Details = &s
	}
	if err := a.Store.CreateAuditEntry(ctx, entry); err != nil {
		a.Logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// Close releases adapters, sinks, the store and the tracer.
func (a *App) Close(ctx context.Context) error {
	var errs []error

	a.mu.Lock()
	built := a.built
	a.built = nil
	a.mu.Unlock()
	if built != nil {
		errs = append(errs, built.Close(ctx))
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil

	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func pathNames(paths []engine.PathDescriptor) []string {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = p.Name
	}
	return names
}
