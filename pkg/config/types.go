package config

// Config is the pathrunner configuration file. Field names follow the
// snake_case keys used in CUE, YAML and JSON sources. Durations are strings
// accepted by time.ParseDuration.
type Config struct {
	Service    ServiceConfig    `json:"service,omitempty" yaml:"service"`
	Logging    LoggingConfig    `json:"logging,omitempty" yaml:"logging"`
	Tracing    TracingConfig    `json:"tracing,omitempty" yaml:"tracing"`
	Metrics    MetricsConfig    `json:"metrics,omitempty" yaml:"metrics"`
	API        APIConfig        `json:"api,omitempty" yaml:"api"`
	Circuit    CircuitConfig    `json:"circuit,omitempty" yaml:"circuit"`
	Store      StoreConfig      `json:"store,omitempty" yaml:"store"`
	Policy     PolicyConfig     `json:"policy,omitempty" yaml:"policy"`
	Paths      []PathConfig     `json:"paths" yaml:"paths" validate:"required,min=1,unique=Name,dive"`
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`

	// Source is the file the configuration was read from.
	Source string `json:"-" yaml:"-"`
}

// ServiceConfig identifies the running service in logs and traces.
type ServiceConfig struct {
	Name        string `json:"name,omitempty" yaml:"name"`
	Environment string `json:"environment,omitempty" yaml:"environment"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `json:"format,omitempty" yaml:"format" validate:"omitempty,oneof=console json"`
	Output string `json:"output,omitempty" yaml:"output"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool     `json:"enabled,omitempty" yaml:"enabled"`
	Exporter     string   `json:"exporter,omitempty" yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string   `json:"endpoint,omitempty" yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate *float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate" validate:"omitempty,min=0,max=1"`
	Insecure     bool     `json:"insecure,omitempty" yaml:"insecure"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       *bool  `json:"enabled,omitempty" yaml:"enabled"`
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address"`
	Path          string `json:"path,omitempty" yaml:"path"`
	Namespace     string `json:"namespace,omitempty" yaml:"namespace"`
}

// APIConfig configures the HTTP API served by "pathrunner serve".
type APIConfig struct {
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address"`
}

// CircuitConfig overrides the breaker defaults. Unset fields keep them.
type CircuitConfig struct {
	FailureThreshold     *int     `json:"failure_threshold,omitempty" yaml:"failure_threshold" validate:"omitempty,min=0"`
	FailureRateThreshold *float64 `json:"failure_rate_threshold,omitempty" yaml:"failure_rate_threshold" validate:"omitempty,min=0,max=1"`
	WindowSize           *int     `json:"window_size,omitempty" yaml:"window_size" validate:"omitempty,min=1"`
	Cooldown             string   `json:"cooldown,omitempty" yaml:"cooldown" validate:"omitempty,duration"`
}

// StoreConfig configures the SQLite attempt and escalation store. An empty
// path disables persistence.
type StoreConfig struct {
	Path string `json:"path,omitempty" yaml:"path"`

	// WarmStart is how far back persisted attempts are replayed into the
	// health tracker at startup. Empty disables the replay.
	WarmStart string `json:"warm_start,omitempty" yaml:"warm_start" validate:"omitempty,duration"`
}

// PolicyConfig configures action admission.
type PolicyConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" yaml:"enabled"`
	Paths          []string `json:"paths,omitempty" yaml:"paths"`
	Watch          bool     `json:"watch,omitempty" yaml:"watch"`
	MaxParamsBytes *int     `json:"max_params_bytes,omitempty" yaml:"max_params_bytes" validate:"omitempty,min=0"`
	Environment    string   `json:"environment,omitempty" yaml:"environment"`
}

// PathConfig describes one execution path. Exactly the block named by Kind
// is used.
type PathConfig struct {
	Name     string       `json:"name" yaml:"name" validate:"required"`
	Kind     string       `json:"kind" yaml:"kind" validate:"required,oneof=inprocess starlark wasm ssh runner webhook"`
	Priority int          `json:"priority,omitempty" yaml:"priority" validate:"min=0"`
	Timeout  string       `json:"timeout" yaml:"timeout" validate:"required,duration"`
	Retry    *RetryConfig `json:"retry,omitempty" yaml:"retry" validate:"omitempty"`

	InProcess *InProcessConfig `json:"inprocess,omitempty" yaml:"inprocess" validate:"required_if=Kind inprocess"`
	Starlark  *StarlarkConfig  `json:"starlark,omitempty" yaml:"starlark" validate:"required_if=Kind starlark"`
	WASM      *WASMConfig      `json:"wasm,omitempty" yaml:"wasm" validate:"required_if=Kind wasm"`
	SSH       *SSHConfig       `json:"ssh,omitempty" yaml:"ssh" validate:"required_if=Kind ssh"`
	Runner    *RunnerConfig    `json:"runner,omitempty" yaml:"runner" validate:"required_if=Kind runner"`
	Webhook   *WebhookConfig   `json:"webhook,omitempty" yaml:"webhook" validate:"required_if=Kind webhook"`
}

// RetryConfig wraps a path's adapter in bounded retries.
type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts,omitempty" yaml:"max_attempts" validate:"min=0"`
	InitialBackoff string   `json:"initial_backoff,omitempty" yaml:"initial_backoff" validate:"omitempty,duration"`
	MaxBackoff     string   `json:"max_backoff,omitempty" yaml:"max_backoff" validate:"omitempty,duration"`
	Jitter         float64  `json:"jitter,omitempty" yaml:"jitter" validate:"min=0,max=1"`
	RetryOn        []string `json:"retry_on,omitempty" yaml:"retry_on" validate:"dive,oneof=timeout adapter_error"`
}

// InProcessConfig names a registered Go function.
type InProcessConfig struct {
	Func string `json:"function" yaml:"function" validate:"required"`
}

// StarlarkConfig holds an inline script or a script file.
type StarlarkConfig struct {
	Script   string `json:"script,omitempty" yaml:"script" validate:"required_without=File"`
	File     string `json:"file,omitempty" yaml:"file" validate:"required_without=Script"`
	MaxSteps uint64 `json:"max_steps,omitempty" yaml:"max_steps"`
}

// WASMConfig points at a compiled module.
type WASMConfig struct {
	File             string `json:"file" yaml:"file" validate:"required"`
	MemoryLimitPages uint32 `json:"memory_limit_pages,omitempty" yaml:"memory_limit_pages"`
}

// TargetConfig is an SSH host.
type TargetConfig struct {
	Host                  string `json:"host" yaml:"host" validate:"required"`
	Port                  int    `json:"port,omitempty" yaml:"port" validate:"omitempty,min=1,max=65535"`
	User                  string `json:"user" yaml:"user" validate:"required"`
	Password              string `json:"password,omitempty" yaml:"password"`
	PrivateKeyPath        string `json:"private_key_path,omitempty" yaml:"private_key_path"`
	PrivateKeyPassphrase  string `json:"private_key_passphrase,omitempty" yaml:"private_key_passphrase"`
	KnownHostsPath        string `json:"known_hosts_path,omitempty" yaml:"known_hosts_path"`
	StrictHostKeyChecking bool   `json:"strict_host_key_checking,omitempty" yaml:"strict_host_key_checking"`
	ConnectionTimeout     string `json:"connection_timeout,omitempty" yaml:"connection_timeout" validate:"omitempty,duration"`
	KeepAliveInterval     string `json:"keep_alive_interval,omitempty" yaml:"keep_alive_interval" validate:"omitempty,duration"`
}

// SSHConfig runs a templated command on a host.
type SSHConfig struct {
	Target    TargetConfig `json:"target" yaml:"target"`
	Command   string       `json:"command" yaml:"command" validate:"required"`
	ParseJSON bool         `json:"parse_json,omitempty" yaml:"parse_json"`
}

// RunnerConfig drives the micro-runner, locally or on Target.
type RunnerConfig struct {
	Binary         string            `json:"binary" yaml:"binary" validate:"required"`
	RemoteDir      string            `json:"remote_dir,omitempty" yaml:"remote_dir"`
	Target         *TargetConfig     `json:"target,omitempty" yaml:"target" validate:"omitempty"`
	Handler        string            `json:"handler" yaml:"handler" validate:"required"`
	WorkDir        string            `json:"work_dir,omitempty" yaml:"work_dir"`
	Env            map[string]string `json:"env,omitempty" yaml:"env"`
	StartupTimeout string            `json:"startup_timeout,omitempty" yaml:"startup_timeout" validate:"omitempty,duration"`
}

// WebhookConfig submits actions to an HTTP endpoint.
type WebhookConfig struct {
	URL           string            `json:"url" yaml:"url" validate:"required,url"`
	Method        string            `json:"method,omitempty" yaml:"method" validate:"omitempty,oneof=GET POST PUT PATCH"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers"`
	RatePerSecond float64           `json:"rate_per_second,omitempty" yaml:"rate_per_second" validate:"min=0"`
	Burst         int               `json:"burst,omitempty" yaml:"burst" validate:"min=0"`
}

// EscalationConfig lists the sinks records are delivered to.
type EscalationConfig struct {
	Sinks []SinkConfig `json:"sinks" yaml:"sinks" validate:"required,min=1,unique=Name,dive"`
}

// SinkConfig is one escalation sink.
type SinkConfig struct {
	Name    string             `json:"name" yaml:"name" validate:"required"`
	Type    string             `json:"type" yaml:"type" validate:"required,oneof=log webhook redis store"`
	Webhook *SinkWebhookConfig `json:"webhook,omitempty" yaml:"webhook" validate:"required_if=Type webhook"`
	Redis   *SinkRedisConfig   `json:"redis,omitempty" yaml:"redis" validate:"required_if=Type redis"`
}

// SinkWebhookConfig notifies an operator endpoint.
type SinkWebhookConfig struct {
	URL           string            `json:"url" yaml:"url" validate:"required,url"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers"`
	Timeout       string            `json:"timeout,omitempty" yaml:"timeout" validate:"omitempty,duration"`
	RatePerSecond float64           `json:"rate_per_second,omitempty" yaml:"rate_per_second" validate:"min=0"`
	Burst         int               `json:"burst,omitempty" yaml:"burst" validate:"min=0"`
}

// SinkRedisConfig appends records to a Redis stream.
type SinkRedisConfig struct {
	Addr        string `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	Password    string `json:"password,omitempty" yaml:"password"`
	DB          int    `json:"db,omitempty" yaml:"db" validate:"min=0"`
	Stream      string `json:"stream,omitempty" yaml:"stream"`
	MaxLen      int64  `json:"max_len,omitempty" yaml:"max_len" validate:"min=0"`
	DialTimeout string `json:"dial_timeout,omitempty" yaml:"dial_timeout" validate:"omitempty,duration"`
}

// ValidationError describes one problem found in a configuration source.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}
