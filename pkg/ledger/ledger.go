package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// Persister durably stores attempt records.
type Persister interface {
	SaveAttempt(ctx context.Context, record engine.AttemptRecord) error
}

// Filter selects attempt records. Empty fields match everything.
type Filter struct {
	CorrelationID string
	PathName      string
}

// Match reports whether the record satisfies the filter.
func (f Filter) Match(r engine.AttemptRecord) bool {
	if f.CorrelationID != "" && r.CorrelationID != f.CorrelationID {
		return false
	}
	if f.PathName != "" && r.PathName != f.PathName {
		return false
	}
	return true
}

// MemoryLedger is an append-only, in-process attempt ledger indexed by correlation id
// and path name. Records can be mirrored to a Persister and streamed to subscribers.
type MemoryLedger struct {
	// mu protects records and indexes
	mu            sync.RWMutex
	records       []engine.AttemptRecord
	byCorrelation map[string][]int
	byPath        map[string][]int

	// subMu protects subscriptions; deliveries hold it for reading
	subMu sync.RWMutex
	subs  map[string]*subscription

	persister      Persister
	onPersistError func(error)
	logger         zerolog.Logger
	dropped        atomic.Int64
}

type subscription struct {
	ch     chan engine.AttemptRecord
	filter Filter
}

// Option configures a MemoryLedger.
type Option func(*MemoryLedger)

// WithPersister mirrors every appended record to p.
func WithPersister(p Persister) Option {
	return func(l *MemoryLedger) { l.persister = p }
}

// WithPersistErrorHook is called whenever the persister fails.
func WithPersistErrorHook(fn func(error)) Option {
	return func(l *MemoryLedger) { l.onPersistError = fn }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *MemoryLedger) { l.logger = logger }
}

// New creates an empty ledger.
func New(opts ...Option) *MemoryLedger {
	l := &MemoryLedger{
		byCorrelation: make(map[string][]int),
		byPath:        make(map[string][]int),
		subs:          make(map[string]*subscription),
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ engine.Ledger = (*MemoryLedger)(nil)

// Append records an attempt. The in-memory write always happens first; a persister
// failure is logged and reported to the error hook but not returned.
func (l *MemoryLedger) Append(ctx context.Context, record engine.AttemptRecord) error {
	if record.CorrelationID == "" {
		return fmt.Errorf("attempt record has no correlation id")
	}
	if record.PathName == "" {
		return fmt.Errorf("attempt record has no path name")
	}
	if err := record.Outcome.Status.Validate(); err != nil {
		return fmt.Errorf("attempt record: %w", err)
	}

	l.mu.Lock()
	idx := len(l.records)
	l.records = append(l.records, record)
	l.byCorrelation[record.CorrelationID] = append(l.byCorrelation[record.CorrelationID], idx)
	l.byPath[record.PathName] = append(l.byPath[record.PathName], idx)
	l.mu.Unlock()

	l.publish(record)

	if l.persister != nil {
		if err := l.persister.SaveAttempt(ctx, record); err != nil {
			l.logger.Error().
				Err(err).
				Str("correlation_id", record.CorrelationID).
				Str("path", record.PathName).
				Msg("Failed to persist attempt record")
			if l.onPersistError != nil {
				l.onPersistError(err)
			}
		}
	}

	return nil
}

// Query returns every attempt for a correlation id, ordered by start time.
func (l *MemoryLedger) Query(ctx context.Context, correlationID string) ([]engine.AttemptRecord, error) {
	l.mu.RLock()
	out := l.collect(l.byCorrelation[correlationID], 0)
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// ByPath returns the most recent attempts on a path in append order.
// A limit of zero or less returns all of them.
func (l *MemoryLedger) ByPath(ctx context.Context, pathName string, limit int) ([]engine.AttemptRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(l.byPath[pathName], limit), nil
}

// All returns every record in append order.
func (l *MemoryLedger) All() []engine.AttemptRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]engine.AttemptRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Dropped returns how many feed deliveries were dropped because a subscriber was slow.
func (l *MemoryLedger) Dropped() int64 {
	return l.dropped.Load()
}

// collect copies the records at the given indexes, keeping the last limit. Caller holds mu.
func (l *MemoryLedger) collect(indexes []int, limit int) []engine.AttemptRecord {
	if limit > 0 && len(indexes) > limit {
		indexes = indexes[len(indexes)-limit:]
	}
	out := make([]engine.AttemptRecord, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, l.records[i])
	}
	return out
}

// Subscribe streams records appended from now on that match filter. The channel is
// closed when ctx is done or the returned cancel function is called. Records are
// dropped for a subscriber whose buffer is full.
func (l *MemoryLedger) Subscribe(ctx context.Context, filter Filter, buffer int) (<-chan engine.AttemptRecord, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	id := uuid.New().String()
	sub := &subscription{
		ch:     make(chan engine.AttemptRecord, buffer),
		filter: filter,
	}

	l.subMu.Lock()
	l.subs[id] = sub
	l.subMu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			close(sub.ch)
			l.subMu.Unlock()
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return sub.ch, cancel
}

func (l *MemoryLedger) publish(record engine.AttemptRecord) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()

	for _, sub := range l.subs {
		if !sub.filter.Match(record) {
			continue
		}
		select {
		case sub.ch <- record:
		default:
			l.dropped.Add(1)
		}
	}
}
