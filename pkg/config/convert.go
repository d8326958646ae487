package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/pathrunner/pkg/adapters"
	"github.com/openfroyo/pathrunner/pkg/engine"
	"github.com/openfroyo/pathrunner/pkg/escalation"
	"github.com/openfroyo/pathrunner/pkg/telemetry"
)

// check runs the cross-section rules struct tags cannot express.
func (c *Config) check() error {
	var errs Errors
	for i, s := range c.Escalation.Sinks {
		if s.Type == "store" && c.Store.Path == "" {
			errs = append(errs, ValidationError{
				Path:     fmt.Sprintf("escalation.sinks[%d]", i),
				Message:  fmt.Sprintf("sink %s needs store.path", s.Name),
				Severity: "error",
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// parseDuration parses an optional duration string.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// PathSpecs converts the path list to adapter specs in file order.
func (c *Config) PathSpecs() ([]adapters.Spec, error) {
	specs := make([]adapters.Spec, 0, len(c.Paths))
	for _, p := range c.Paths {
		spec, err := p.Spec()
		if err != nil {
			return nil, fmt.Errorf("path %s: %w", p.Name, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Spec converts one path.
func (p PathConfig) Spec() (adapters.Spec, error) {
	timeout, err := parseDuration(p.Timeout, 0)
	if err != nil {
		return adapters.Spec{}, err
	}

	spec := adapters.Spec{
		Name:     p.Name,
		Kind:     adapters.Kind(p.Kind),
		Priority: p.Priority,
		Timeout:  timeout,
	}

	if p.Retry != nil {
		if spec.Retry, err = p.Retry.policy(); err != nil {
			return adapters.Spec{}, err
		}
	}

	switch {
	case p.InProcess != nil && spec.Kind == adapters.KindInProcess:
		spec.InProcess = &adapters.InProcessOptions{Func: p.InProcess.Func}
	case p.Starlark != nil && spec.Kind == adapters.KindStarlark:
		spec.Starlark = &adapters.StarlarkOptions{
			Script:   p.Starlark.Script,
			File:     p.Starlark.File,
			MaxSteps: p.Starlark.MaxSteps,
		}
	case p.WASM != nil && spec.Kind == adapters.KindWASM:
		spec.WASM = &adapters.WASMOptions{
			File:             p.WASM.File,
			MemoryLimitPages: p.WASM.MemoryLimitPages,
		}
	case p.SSH != nil && spec.Kind == adapters.KindSSH:
		target, err := p.SSH.Target.target()
		if err != nil {
			return adapters.Spec{}, err
		}
		spec.SSH = &adapters.SSHOptions{Target: target, Command: p.SSH.Command, ParseJSON: p.SSH.ParseJSON}
	case p.Runner != nil && spec.Kind == adapters.KindRunner:
		if spec.Runner, err = p.Runner.options(); err != nil {
			return adapters.Spec{}, err
		}
	case p.Webhook != nil && spec.Kind == adapters.KindWebhook:
		spec.Webhook = &adapters.WebhookOptions{
			URL:           p.Webhook.URL,
			Method:        p.Webhook.Method,
			Headers:       p.Webhook.Headers,
			RatePerSecond: p.Webhook.RatePerSecond,
			Burst:         p.Webhook.Burst,
		}
	}

	return spec, nil
}

func (r *RetryConfig) policy() (*adapters.RetryPolicy, error) {
	initial, err := parseDuration(r.InitialBackoff, 0)
	if err != nil {
		return nil, err
	}
	maxBackoff, err := parseDuration(r.MaxBackoff, 0)
	if err != nil {
		return nil, err
	}

	policy := &adapters.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: initial,
		MaxBackoff:     maxBackoff,
		Jitter:         r.Jitter,
	}
	for _, kind := range r.RetryOn {
		policy.RetryOn = append(policy.RetryOn, engine.FailureKind(kind))
	}
	return policy, nil
}

func (t TargetConfig) target() (adapters.SSHTarget, error) {
	connTimeout, err := parseDuration(t.ConnectionTimeout, 0)
	if err != nil {
		return adapters.SSHTarget{}, err
	}
	keepAlive, err := parseDuration(t.KeepAliveInterval, 0)
	if err != nil {
		return adapters.SSHTarget{}, err
	}

	return adapters.SSHTarget{
		Host:                  t.Host,
		Port:                  t.Port,
		User:                  t.User,
		Password:              t.Password,
		PrivateKeyPath:        t.PrivateKeyPath,
		PrivateKeyPassphrase:  t.PrivateKeyPassphrase,
		KnownHostsPath:        t.KnownHostsPath,
		StrictHostKeyChecking: t.StrictHostKeyChecking,
		ConnectionTimeout:     connTimeout,
		KeepAliveInterval:     keepAlive,
	}, nil
}

func (r *RunnerConfig) options() (*adapters.RunnerOptions, error) {
	startup, err := parseDuration(r.StartupTimeout, 0)
	if err != nil {
		return nil, err
	}

	opts := &adapters.RunnerOptions{
		Binary:         r.Binary,
		RemoteDir:      r.RemoteDir,
		Handler:        r.Handler,
		WorkDir:        r.WorkDir,
		Env:            r.Env,
		StartupTimeout: startup,
	}
	if r.Target != nil {
		target, err := r.Target.target()
		if err != nil {
			return nil, err
		}
		opts.Target = &target
	}
	return opts, nil
}

// Breaker returns the circuit parameters with defaults for unset fields.
func (c *Config) Breaker() (engine.CircuitConfig, error) {
	cfg := engine.DefaultCircuitConfig()
	if c.Circuit.FailureThreshold != nil {
		cfg.FailureThreshold = *c.Circuit.FailureThreshold
	}
	if c.Circuit.FailureRateThreshold != nil {
		cfg.FailureRateThreshold = *c.Circuit.FailureRateThreshold
	}
	if c.Circuit.WindowSize != nil {
		cfg.WindowSize = *c.Circuit.WindowSize
	}

	cooldown, err := parseDuration(c.Circuit.Cooldown, cfg.Cooldown)
	if err != nil {
		return engine.CircuitConfig{}, err
	}
	cfg.Cooldown = cooldown

	if err := cfg.Validate(); err != nil {
		return engine.CircuitConfig{}, fmt.Errorf("invalid circuit configuration: %w", err)
	}
	return cfg, nil
}

// WarmStartWindow is how far back persisted attempts are replayed.
// Zero disables the replay.
func (c *Config) WarmStartWindow() time.Duration {
	d, _ := parseDuration(c.Store.WarmStart, 0)
	return d
}

// PolicyEnabled reports whether action admission runs. It is on unless
// explicitly disabled.
func (c *Config) PolicyEnabled() bool {
	return c.Policy.Enabled == nil || *c.Policy.Enabled
}

// Telemetry returns the telemetry configuration, starting from the defaults.
func (c *Config) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if c.Service.Name != "" {
		cfg.ServiceName = c.Service.Name
	}
	if c.Service.Environment != "" {
		cfg.Environment = c.Service.Environment
	}

	if c.Logging.Level != "" {
		cfg.Logging.Level = c.Logging.Level
	}
	if c.Logging.Format != "" {
		cfg.Logging.Format = c.Logging.Format
	}
	if c.Logging.Output != "" {
		cfg.Logging.Output = c.Logging.Output
	}

	cfg.Tracing.Enabled = c.Tracing.Enabled
	if c.Tracing.Exporter != "" {
		cfg.Tracing.Exporter = c.Tracing.Exporter
	}
	cfg.Tracing.Endpoint = c.Tracing.Endpoint
	cfg.Tracing.Insecure = c.Tracing.Insecure
	if c.Tracing.SamplingRate != nil {
		cfg.Tracing.SamplingRate = *c.Tracing.SamplingRate
	}

	if c.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *c.Metrics.Enabled
	}
	cfg.Metrics.ListenAddress = c.Metrics.ListenAddress
	if c.Metrics.Path != "" {
		cfg.Metrics.Path = c.Metrics.Path
	}
	if c.Metrics.Namespace != "" {
		cfg.Metrics.Namespace = c.Metrics.Namespace
	}
	return cfg
}

// WebhookConfig converts a webhook sink block.
func (s SinkConfig) WebhookConfig() (escalation.WebhookConfig, error) {
	if s.Webhook == nil {
		return escalation.WebhookConfig{}, fmt.Errorf("sink %s: webhook block is required", s.Name)
	}
	timeout, err := parseDuration(s.Webhook.Timeout, 0)
	if err != nil {
		return escalation.WebhookConfig{}, err
	}
	return escalation.WebhookConfig{
		URL:           s.Webhook.URL,
		Headers:       s.Webhook.Headers,
		Timeout:       timeout,
		RatePerSecond: s.Webhook.RatePerSecond,
		Burst:         s.Webhook.Burst,
	}, nil
}

// RedisConfig converts a redis sink block.
func (s SinkConfig) RedisConfig() (escalation.RedisConfig, error) {
	if s.Redis == nil {
		return escalation.RedisConfig{}, fmt.Errorf("sink %s: redis block is required", s.Name)
	}
	dial, err := parseDuration(s.Redis.DialTimeout, 0)
	if err != nil {
		return escalation.RedisConfig{}, err
	}
	return escalation.RedisConfig{
		Addr:        s.Redis.Addr,
		Password:    s.Redis.Password,
		DB:          s.Redis.DB,
		Stream:      s.Redis.Stream,
		MaxLen:      s.Redis.MaxLen,
		DialTimeout: dial,
	}, nil
}
