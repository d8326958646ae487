package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pathrunner/pkg/engine"
	"github.com/openfroyo/pathrunner/pkg/stores"
)

// DeliveryRecorder receives per-sink delivery results.
type DeliveryRecorder interface {
	RecordSinkDelivery(sink string, err error)
}

// LogSink writes escalation records to a structured logger. It always acknowledges.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs every record at error level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Escalate logs the record.
func (s *LogSink) Escalate(ctx context.Context, record engine.EscalationRecord) error {
	paths := make([]string, 0, len(record.Attempts))
	for _, a := range record.Attempts {
		paths = append(paths, a.PathName)
	}

	s.logger.Error().
		Str("escalation_id", record.ID).
		Str("correlation_id", record.CorrelationID).
		Str("action", record.Action.Name).
		Strs("attempted_paths", paths).
		Strs("skipped_paths", record.SkippedPaths).
		Time("created_at", record.CreatedAt).
		Msg("Action escalated: all execution paths failed")
	return nil
}

// EscalationStore persists escalation records.
type EscalationStore interface {
	SaveEscalation(ctx context.Context, record engine.EscalationRecord) error
}

// StoreSink persists escalation records so operators can list and acknowledge them.
type StoreSink struct {
	store EscalationStore
}

// NewStoreSink creates a sink backed by store.
func NewStoreSink(store EscalationStore) *StoreSink {
	return &StoreSink{store: store}
}

// Escalate saves the record. A record already stored under the same escalation
// ID counts as acknowledged.
func (s *StoreSink) Escalate(ctx context.Context, record engine.EscalationRecord) error {
	err := s.store.SaveEscalation(ctx, record)
	if err != nil && !errors.Is(err, stores.ErrAlreadyExists) {
		return fmt.Errorf("store sink: %w", err)
	}
	return nil
}

// Named pairs a sink with the name used in logs and metrics.
type Named struct {
	Name string
	Sink engine.EscalationSink
}

// MultiSink delivers each record to every child concurrently. The record is
// acknowledged when at least one child acknowledges it.
type MultiSink struct {
	sinks    []Named
	recorder DeliveryRecorder
	logger   zerolog.Logger
}

// MultiOption configures a MultiSink.
type MultiOption func(*MultiSink)

// WithDeliveryRecorder reports every child delivery to r.
func WithDeliveryRecorder(r DeliveryRecorder) MultiOption {
	return func(m *MultiSink) { m.recorder = r }
}

// WithLogger sets the logger used for child failures.
func WithLogger(logger zerolog.Logger) MultiOption {
	return func(m *MultiSink) { m.logger = logger }
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks []Named, opts ...MultiOption) (*MultiSink, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("multi sink needs at least one child")
	}
	seen := make(map[string]bool, len(sinks))
	for _, s := range sinks {
		if s.Name == "" || s.Sink == nil {
			return nil, fmt.Errorf("multi sink child needs a name and a sink")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate sink name: %s", s.Name)
		}
		seen[s.Name] = true
	}

	m := &MultiSink{sinks: sinks, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Escalate delivers to all children and waits for every one of them.
func (m *MultiSink) Escalate(ctx context.Context, record engine.EscalationRecord) error {
	errs := make([]error, len(m.sinks))

	var wg sync.WaitGroup
	for i, s := range m.sinks {
		wg.Add(1)
		go func(i int, s Named) {
			defer wg.Done()
			errs[i] = deliver(ctx, s.Sink, record)
		}(i, s)
	}
	wg.Wait()

	acked := 0
	var failed []error
	for i, err := range errs {
		name := m.sinks[i].Name
		if m.recorder != nil {
			m.recorder.RecordSinkDelivery(name, err)
		}
		if err != nil {
			m.logger.Warn().
				Err(err).
				Str("sink", name).
				Str("correlation_id", record.CorrelationID).
				Msg("Escalation sink failed")
			failed = append(failed, fmt.Errorf("%s: %w", name, err))
			continue
		}
		acked++
	}

	if acked == 0 {
		return errors.Join(failed...)
	}
	return nil
}

// deliver calls the sink and turns a panic into an error.
func deliver(ctx context.Context, sink engine.EscalationSink, record engine.EscalationRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Escalate(ctx, record)
}
