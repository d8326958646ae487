package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/openfroyo/pathrunner/pkg/engine"
	"github.com/openfroyo/pathrunner/pkg/transports/ssh"
)

// SSHTarget is the remote host a path connects to.
type SSHTarget struct {
	Host                  string
	Port                  int
	User                  string
	Password              string
	PrivateKeyPath        string
	PrivateKeyPassphrase  string
	KnownHostsPath        string
	StrictHostKeyChecking bool
	ConnectionTimeout     time.Duration
	KeepAliveInterval     time.Duration
}

// config converts the target to a transport configuration.
func (t SSHTarget) config() *ssh.Config {
	cfg := ssh.DefaultConfig(t.Host, t.User)
	if t.Port != 0 {
		cfg.Port = t.Port
	}
	if t.Password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = t.Password
	}
	cfg.PrivateKeyPath = t.PrivateKeyPath
	cfg.PrivateKeyPassphrase = t.PrivateKeyPassphrase
	if t.KnownHostsPath != "" {
		cfg.KnownHostsPath = t.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = t.StrictHostKeyChecking
	if t.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = t.ConnectionTimeout
	}
	cfg.KeepAliveInterval = t.KeepAliveInterval
	return cfg
}

// SSHOptions runs Command on Target. Command is a text/template rendered with
// .Action, .CorrelationID and .Params; the quote function shell-quotes a
// value. The params are also written to stdin as a JSON object.
type SSHOptions struct {
	Target  SSHTarget
	Command string
	// ParseJSON decodes stdout as the output object instead of returning
	// {stdout, stderr, exit_code}.
	ParseJSON bool
}

type commandData struct {
	Action        string
	CorrelationID string
	Params        map[string]interface{}
}

var commandFuncs = template.FuncMap{
	"quote": shellQuote,
	"json": func(v interface{}) (string, error) {
		data, err := json.Marshal(v)
		return string(data), err
	},
}

// shellQuote wraps v in single quotes for a POSIX shell.
func shellQuote(v interface{}) string {
	s := fmt.Sprint(v)
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type sshAdapter struct {
	client    *ssh.Client
	command   *template.Template
	parseJSON bool
}

func (r *Registry) newSSH(_ context.Context, spec Spec) (engine.Adapter, error) {
	opts := spec.SSH
	if opts == nil || opts.Command == "" {
		return nil, missingOptions(KindSSH)
	}

	tmpl, err := template.New(spec.Name).Funcs(commandFuncs).Option("missingkey=error").Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid command template: %w", err)
	}

	client, err := ssh.NewClient(opts.Target.config())
	if err != nil {
		return nil, err
	}

	return &sshAdapter{client: client, command: tmpl, parseJSON: opts.ParseJSON}, nil
}

func (a *sshAdapter) Invoke(ctx context.Context, action engine.Action) engine.Outcome {
	var cmd bytes.Buffer
	data := commandData{Action: action.Name, CorrelationID: action.CorrelationID, Params: action.Params}
	if err := a.command.Execute(&cmd, data); err != nil {
		return engine.FailedWith(engine.NewAdapterError("failed to render command", err))
	}

	stdin, err := paramsJSON(action.Params)
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("failed to encode params", err))
	}

	if err := a.client.Connect(ctx); err != nil {
		return transportFailure(ctx, err)
	}

	result, err := a.client.Run(ctx, cmd.String(), bytes.NewReader(stdin))
	if err != nil {
		return transportFailure(ctx, err)
	}

	if result.ExitCode != 0 {
		msg := fmt.Sprintf("remote command exited with status %d", result.ExitCode)
		if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		return engine.Failed(engine.FailureAdapter, msg)
	}

	if a.parseJSON {
		var output map[string]interface{}
		if err := json.Unmarshal([]byte(result.Stdout), &output); err != nil {
			return engine.FailedWith(engine.NewAdapterError("remote command returned invalid JSON", err))
		}
		return engine.Succeeded(output)
	}
	return engine.Succeeded(map[string]interface{}{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
	})
}

// Close disconnects from the host.
func (a *sshAdapter) Close(context.Context) error {
	return a.client.Disconnect()
}

// transportFailure maps a transport error to an outcome. Context errors win
// so that a timed out or cancelled attempt is classified as such.
func transportFailure(ctx context.Context, err error) engine.Outcome {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return engine.FailedWith(ctxErr)
	}
	adapterErr := engine.NewAdapterError("ssh transport failed", err)
	var transportErr *ssh.TransportError
	if errors.As(err, &transportErr) {
		adapterErr = adapterErr.WithRetryable(transportErr.Temporary())
	}
	return engine.FailedWith(adapterErr)
}

func paramsJSON(params map[string]interface{}) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(params)
}
