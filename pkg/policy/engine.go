package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// DefaultMaxParamsBytes is the params size limit when none is configured.
const DefaultMaxParamsBytes = 64 << 10

// Engine evaluates actions against Rego policies. It implements
// engine.Admission.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger

	maxParamsBytes int
	environment    string
	clock          func() time.Time
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxParamsBytes sets the limit enforced by the params-size policy.
// Zero or less disables it.
func WithMaxParamsBytes(n int) Option {
	return func(e *Engine) { e.maxParamsBytes = n }
}

// WithEnvironment sets input.context.environment.
func WithEnvironment(env string) Option {
	return func(e *Engine) { e.environment = env }
}

// WithClock overrides the evaluation timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a policy engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:       make(map[string]*compiledPolicy),
		logger:         logger.With().Str("component", "policy-engine").Logger(),
		maxParamsBytes: DefaultMaxParamsBytes,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		cp, err := compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, errors.New("policy name is required")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if err := p.Severity.Validate(); err != nil {
		return nil, err
	}

	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, errors.New("policy is empty")
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query}, nil
}

// Admit implements engine.Admission. Blocking violations and evaluation
// failures refuse the action.
func (e *Engine) Admit(ctx context.Context, action engine.Action) error {
	decision, err := e.Evaluate(ctx, action)
	if err != nil {
		return err
	}
	for _, w := range decision.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("action", action.Name).
			Msg(w.Message)
	}
	if !decision.Allowed {
		return &DeniedError{Action: action.Name, Violations: decision.Violations}
	}
	return nil
}

// Evaluate runs every enabled policy against the action.
func (e *Engine) Evaluate(ctx context.Context, action engine.Action) (*Decision, error) {
	start := time.Now()

	input, err := e.input(action)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	decision := &Decision{Allowed: true, EvaluatedPolicies: make([]string, 0, len(policies))}
	for _, cp := range policies {
		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		for _, v := range violations {
			if v.Severity.Blocks() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}
	decision.Duration = time.Since(start)

	e.logger.Debug().
		Str("action", action.Name).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Action policy evaluation completed")

	return decision, nil
}

// input builds the policy input document. It is round-tripped through JSON
// so that policies see exactly what an HTTP client would send.
func (e *Engine) input(action engine.Action) (map[string]interface{}, error) {
	params := action.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	in := Input{
		Action: ActionInput{
			Name:          action.Name,
			CorrelationID: action.CorrelationID,
			Params:        params,
			ParamsSize:    len(encoded),
		},
		Context: InputContext{
			Timestamp:      e.clock().UTC(),
			MaxParamsBytes: e.maxParamsBytes,
			Environment:    e.environment,
		},
	}

	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

// evaluate runs one policy's deny query.
func evaluate(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation converts a deny entry. Entries may be plain strings or
// objects with message and severity fields.
func newViolation(p Policy, entry interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch val := entry.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		for key, field := range val {
			switch key {
			case "message":
				v.Message, _ = field.(string)
			case "severity":
				if s, ok := field.(string); ok && Severity(s).Validate() == nil {
					v.Severity = Severity(s)
				}
			default:
				if v.Details == nil {
					v.Details = make(map[string]interface{})
				}
				v.Details[key] = field
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

// LoadPolicies loads .rego and .json policies from files or directories and
// adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies...)
}

// AddPolicies compiles and adds policies. Nothing is added if any policy
// fails to compile or collides with a built-in.
func (e *Engine) AddPolicies(ctx context.Context, policies ...Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		if existing, ok := e.policies[cp.policy.Name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s conflicts with a built-in policy", cp.policy.Name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// ReplaceCustom swaps every non-built-in policy for the given set.
func (e *Engine) ReplaceCustom(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			if _, clash := compiled[name]; clash {
				return fmt.Errorf("policy %s conflicts with a built-in policy", name)
			}
			compiled[name] = cp
		}
	}
	e.policies = compiled
	return nil
}

// Watch reloads the custom policies under paths whenever they change, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return NewLoader(e.logger).Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceCustom(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	e.logger.Info().Str("policy", name).Msg("Policy " + state)
	return nil
}

