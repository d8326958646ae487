package engine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/pathrunner/pkg/engine"

// Orchestrator executes actions over a priority-ordered set of paths.
// It is safe for concurrent use; each Execute call walks the paths sequentially.
type Orchestrator struct {
	// paths is replaced as a whole on reconfiguration
	paths atomic.Pointer[pathSet]

	health    *HealthTracker
	ledger    Ledger
	sink      EscalationSink
	admission Admission
	recorder  Recorder
	tracer    trace.Tracer
	logger    zerolog.Logger
	clock     func() time.Time
	newID     func() string
	circuit   CircuitConfig
}

// pathSet is an immutable, ordered path list.
type pathSet struct {
	ordered []PathDescriptor
	names   []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLedger sets the attempt ledger. Required.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithEscalationSink sets the escalation sink. Required.
func WithEscalationSink(s EscalationSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithAdmission sets an admission check run before any path is tried.
func WithAdmission(a Admission) Option {
	return func(o *Orchestrator) { o.admission = a }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTracer sets the tracer used for execution and attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithCircuitConfig sets the breaker parameters of the internal health tracker.
func WithCircuitConfig(c CircuitConfig) Option {
	return func(o *Orchestrator) { o.circuit = c }
}

// WithHealthTracker supplies a pre-built (for example pre-warmed) health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(o *Orchestrator) { o.health = h }
}

// WithClock overrides the clock used for attempt timestamps and the internal tracker.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithIDGenerator overrides correlation and escalation id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator creates an orchestrator over the given paths.
// An invalid path list or missing collaborator is reported as a configuration error.
func NewOrchestrator(paths []PathDescriptor, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		recorder: noopRecorder{},
		logger:   zerolog.Nop(),
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
		circuit:  DefaultCircuitConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.ledger == nil {
		return nil, NewConfigError("ledger is required", nil)
	}
	if o.sink == nil {
		return nil, NewConfigError("escalation sink is required", nil)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.health == nil {
		if err := o.circuit.Validate(); err != nil {
			return nil, NewConfigError("invalid circuit configuration", err)
		}
		o.health = NewHealthTracker(o.circuit).WithClock(o.clock)
	}
	o.health.OnTransition(o.onTransition)

	set, err := buildPathSet(paths)
	if err != nil {
		return nil, err
	}
	o.paths.Store(set)

	return o, nil
}

// buildPathSet validates and orders a path list.
func buildPathSet(paths []PathDescriptor) (*pathSet, error) {
	if len(paths) == 0 {
		return nil, NewConfigError("at least one path is required", nil)
	}

	seen := make(map[string]struct{}, len(paths))
	ordered := make([]PathDescriptor, len(paths))
	copy(ordered, paths)

	for i, p := range ordered {
		switch {
		case p.Name == "":
			return nil, NewConfigError(fmt.Sprintf("path %d has no name", i), nil)
		case p.Adapter == nil:
			return nil, NewConfigError("path has no adapter", nil).WithPath(p.Name)
		case p.Timeout <= 0:
			return nil, NewConfigError("path timeout must be positive", nil).WithPath(p.Name)
		case p.Priority < 0:
			return nil, NewConfigError("path priority must not be negative", nil).WithPath(p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, NewConfigError("duplicate path name", nil).
				WithPath(p.Name).
				WithCode(ErrCodeDuplicatePath)
		}
		seen[p.Name] = struct{}{}
	}

	// Stable sort keeps registration order for equal priorities.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	names := make([]string, len(ordered))
	for i, p := range ordered {
		names[i] = p.Name
	}
	return &pathSet{ordered: ordered, names: names}, nil
}

// Reconfigure atomically replaces the path list. Executions already running keep
// the list they started with. Health state is kept for paths whose name survives.
func (o *Orchestrator) Reconfigure(paths []PathDescriptor) error {
	set, err := buildPathSet(paths)
	if err != nil {
		return err
	}
	o.paths.Store(set)
	o.health.Retain(set.names)

	o.logger.Info().Strs("paths", set.names).Msg("Path set reconfigured")
	return nil
}

// Paths returns the current path list in execution order.
func (o *Orchestrator) Paths() []PathDescriptor {
	set := o.paths.Load()
	out := make([]PathDescriptor, len(set.ordered))
	copy(out, set.ordered)
	return out
}

// Health returns the breaker state of every configured path in execution order.
func (o *Orchestrator) Health() []HealthState {
	set := o.paths.Load()
	out := make([]HealthState, 0, len(set.names))
	for _, name := range set.names {
		out = append(out, o.health.State(name))
	}
	return out
}

// HealthTracker returns the orchestrator's tracker.
func (o *Orchestrator) HealthTracker() *HealthTracker {
	return o.health
}

// Ledger returns the orchestrator's ledger.
func (o *Orchestrator) Ledger() Ledger {
	return o.ledger
}

// Execute runs the action on the first path that succeeds.
//
// It returns a succeeded result with the path's output, or an escalated result carrying
// the escalation record once every eligible path has failed. A failed escalation
// delivery does not change the status; it is reported in Result.EscalationError.
// If ctx is cancelled no further path is started and a cancelled result is returned
// together with a cancellation error.
func (o *Orchestrator) Execute(ctx context.Context, action Action) (*Result, error) {
	startedAt := o.clock()

	if err := action.Validate(); err != nil {
		return nil, NewRejectedError("invalid action", err).WithCode(ErrCodeValidation)
	}
	if action.CorrelationID == "" {
		action.CorrelationID = o.newID()
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("pathrunner.action", action.Name),
			attribute.String("pathrunner.correlation_id", action.CorrelationID),
		))
	defer span.End()

	logger := o.logger.With().
		Str("correlation_id", action.CorrelationID).
		Str("action", action.Name).
		Logger()

	if o.admission != nil {
		if err := o.admission.Admit(ctx, action); err != nil {
			logger.Warn().Err(err).Msg("Action rejected by admission")
			span.SetStatus(codes.Error, "rejected")
			return nil, NewRejectedError("action rejected", err).WithCorrelationID(action.CorrelationID)
		}
	}

	set := o.paths.Load()
	result := &Result{
		CorrelationID: action.CorrelationID,
		StartedAt:     startedAt,
		Attempts:      make([]AttemptRecord, 0, len(set.ordered)),
	}

	for _, path := range set.ordered {
		if ctx.Err() != nil {
			return o.cancelled(ctx, span, logger, result)
		}

		permit, ok := o.health.Acquire(path.Name)
		if !ok {
			logger.Debug().Str("path", path.Name).Msg("Skipping path with open circuit")
			result.SkippedPaths = append(result.SkippedPaths, path.Name)
			o.recorder.RecordSkip(path.Name)
			continue
		}

		record := o.attempt(ctx, path, action)

		// The ledger write must survive caller cancellation.
		if err := o.ledger.Append(context.WithoutCancel(ctx), record); err != nil {
			logger.Error().Err(err).Str("path", path.Name).Msg("Failed to append attempt to ledger")
		}
		permit.Record(record.Outcome, record.EndTime())

		result.Attempts = append(result.Attempts, record)
		o.recorder.RecordAttempt(path.Name, record.Outcome, record.Duration)

		if record.Outcome.IsSuccess() {
			result.Status = ExecutionSucceeded
			result.Output = record.Outcome.Output
			result.PathUsed = path.Name
			result.Duration = o.clock().Sub(startedAt)
			o.recorder.RecordExecution(result.Status, result.Duration)

			span.SetAttributes(attribute.String("pathrunner.path", path.Name))
			span.SetStatus(codes.Ok, "")
			logger.Info().
				Str("path", path.Name).
				Int("attempts", len(result.Attempts)).
				Dur("duration", result.Duration).
				Msg("Action succeeded")
			return result, nil
		}

		logger.Debug().
			Str("path", path.Name).
			Str("kind", string(record.Outcome.Kind)).
			Str("message", record.Outcome.Message).
			Msg("Path attempt failed")

		if record.Outcome.Kind == FailureCancelled && ctx.Err() != nil {
			return o.cancelled(ctx, span, logger, result)
		}
	}

	if ctx.Err() != nil {
		return o.cancelled(ctx, span, logger, result)
	}
	return o.escalate(ctx, span, logger, action, result), nil
}

// attempt invokes one path under its timeout and turns whatever happens into a record.
func (o *Orchestrator) attempt(ctx context.Context, path PathDescriptor, action Action) AttemptRecord {
	attemptCtx, cancel := context.WithTimeout(ctx, path.Timeout)
	defer cancel()

	attemptCtx, span := o.tracer.Start(attemptCtx, "orchestrator.attempt",
		trace.WithAttributes(
			attribute.String("pathrunner.path", path.Name),
			attribute.String("pathrunner.path_kind", path.Kind),
			attribute.Int64("pathrunner.timeout_ms", path.Timeout.Milliseconds()),
		))
	defer span.End()

	startedAt := o.clock()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failed(FailureAdapter, fmt.Sprintf("adapter panic: %v", r))
			}
		}()
		done <- path.Adapter.Invoke(attemptCtx, action)
	}()

	var outcome Outcome
	select {
	case outcome = <-done:
		outcome = normalizeOutcome(ctx, attemptCtx, outcome)
	case <-attemptCtx.Done():
		// The adapter ignored its deadline; abandon it.
		outcome = contextOutcome(ctx, path)
	}

	if outcome.IsSuccess() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, outcome.Message)
		span.SetAttributes(attribute.String("pathrunner.failure_kind", string(outcome.Kind)))
	}

	return AttemptRecord{
		CorrelationID: action.CorrelationID,
		PathName:      path.Name,
		ActionName:    action.Name,
		StartTime:     startedAt,
		Duration:      o.clock().Sub(startedAt),
		Outcome:       outcome,
	}
}

// normalizeOutcome fills in missing fields and attributes failures that coincide with
// the deadline or caller cancellation to timeout or cancelled.
func normalizeOutcome(parent, attemptCtx context.Context, out Outcome) Outcome {
	if out.Status.Validate() != nil {
		return Failed(FailureAdapter, "adapter returned no outcome")
	}
	if out.IsSuccess() {
		out.Kind = ""
		out.Message = ""
		return out
	}
	switch {
	case parent.Err() != nil:
		out.Kind = FailureCancelled
	case attemptCtx.Err() == context.DeadlineExceeded:
		out.Kind = FailureTimeout
	case out.Kind == "":
		out.Kind = FailureAdapter
	}
	return out
}

func contextOutcome(parent context.Context, path PathDescriptor) Outcome {
	if parent.Err() != nil {
		return Failed(FailureCancelled, fmt.Sprintf("cancelled: %v", context.Cause(parent)))
	}
	return Failed(FailureTimeout, fmt.Sprintf("no answer within %s", path.Timeout))
}

func (o *Orchestrator) cancelled(
	ctx context.Context,
	span trace.Span,
	logger zerolog.Logger,
	result *Result,
) (*Result, error) {
	result.Status = ExecutionCancelled
	result.Duration = o.clock().Sub(result.StartedAt)
	o.recorder.RecordExecution(result.Status, result.Duration)

	span.SetStatus(codes.Error, "cancelled")
	logger.Info().Int("attempts", len(result.Attempts)).Msg("Execution cancelled")

	return result, NewCancelledError("execution cancelled", ctx.Err()).
		WithCorrelationID(result.CorrelationID)
}

func (o *Orchestrator) escalate(
	ctx context.Context,
	span trace.Span,
	logger zerolog.Logger,
	action Action,
	result *Result,
) *Result {
	attempts := make([]AttemptRecord, len(result.Attempts))
	copy(attempts, result.Attempts)

	record := EscalationRecord{
		ID:            o.newID(),
		CorrelationID: action.CorrelationID,
		Action:        action,
		Attempts:      attempts,
		SkippedPaths:  result.SkippedPaths,
		CreatedAt:     o.clock(),
	}

	result.Status = ExecutionEscalated
	result.Escalation = &record

	logger.Warn().
		Str("escalation_id", record.ID).
		Int("attempts", len(attempts)).
		Strs("skipped", record.SkippedPaths).
		Msg("All paths failed, escalating")

	if err := o.sink.Escalate(context.WithoutCancel(ctx), record); err != nil {
		escErr := NewEscalationError("escalation not acknowledged", err).
			WithCorrelationID(action.CorrelationID)
		result.EscalationError = escErr.Error()
		o.recorder.RecordEscalation(false)
		span.RecordError(escErr)
		logger.Error().Err(err).Str("escalation_id", record.ID).Msg("Escalation delivery failed")
	} else {
		o.recorder.RecordEscalation(true)
	}

	result.Duration = o.clock().Sub(result.StartedAt)
	o.recorder.RecordExecution(result.Status, result.Duration)
	span.SetStatus(codes.Error, string(FailureAllPathsExhausted))

	return result
}

func (o *Orchestrator) onTransition(path string, from, to CircuitState, at time.Time) {
	o.recorder.RecordCircuitState(path, from, to)
	o.logger.Info().
		Str("path", path).
		Str("from", string(from)).
		Str("to", string(to)).
		Time("at", at).
		Msg("Circuit state changed")
}

// Err returns the error equivalent of a non-successful result, or nil.
func (r *Result) Err() error {
	switch r.Status {
	case ExecutionSucceeded:
		return nil
	case ExecutionEscalated:
		return NewExhaustedError(r.CorrelationID, len(r.Attempts), len(r.SkippedPaths))
	case ExecutionCancelled:
		return NewCancelledError("execution cancelled", nil).WithCorrelationID(r.CorrelationID)
	default:
		return fmt.Errorf("unknown execution status: %s", r.Status)
	}
}
