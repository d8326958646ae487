package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitConfig holds the breaker parameters shared by every path.
type CircuitConfig struct {
	// FailureThreshold opens the circuit after this many consecutive failures. 0 disables the bound.
	FailureThreshold int `json:"failure_threshold"`

	// FailureRateThreshold opens the circuit when the failure ratio over a full window
	// reaches this value. 0 disables the bound.
	FailureRateThreshold float64 `json:"failure_rate_threshold"`

	// WindowSize is the number of most recent outcomes used for the failure rate.
	WindowSize int `json:"window_size"`

	// Cooldown is how long an open circuit stays open before admitting a probe.
	Cooldown time.Duration `json:"cooldown"`
}

// DefaultCircuitConfig returns the default breaker parameters.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold:     3,
		FailureRateThreshold: 0.5,
		WindowSize:           10,
		Cooldown:             60 * time.Second,
	}
}

// Validate checks the breaker parameters.
func (c CircuitConfig) Validate() error {
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure threshold must not be negative: %d", c.FailureThreshold)
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		return fmt.Errorf("failure rate threshold must be within [0, 1]: %v", c.FailureRateThreshold)
	}
	if c.FailureThreshold == 0 && c.FailureRateThreshold == 0 {
		return fmt.Errorf("at least one of failure threshold or failure rate threshold must be set")
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("window size must be at least 1: %d", c.WindowSize)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive: %s", c.Cooldown)
	}
	return nil
}

// TransitionFunc is notified of every breaker state change.
type TransitionFunc func(path string, from, to CircuitState, at time.Time)

// HealthTracker keeps one circuit breaker per path.
//
// Transitions of a path are serialized by that path's lock. Eligibility checks read an
// atomically published snapshot and never block on writers. The state reached depends
// only on the sequence of recorded outcomes and their timestamps, so replaying a ledger
// into a cold tracker reproduces the live state.
type HealthTracker struct {
	cfg          CircuitConfig
	clock        func() time.Time
	onTransition TransitionFunc

	// mu protects the breakers map, not the breakers themselves
	mu       sync.RWMutex
	breakers map[string]*breaker
}

// breaker is the state of a single path.
type breaker struct {
	mu sync.Mutex

	state       CircuitState
	consecutive int
	openedAt    time.Time
	probe       bool

	// ring buffer of the last WindowSize outcomes, true meaning failure
	window   []bool
	head     int
	count    int
	failures int

	snapshot atomic.Pointer[HealthState]
}

// NewHealthTracker creates a tracker. Invalid parameters are replaced by the defaults.
func NewHealthTracker(cfg CircuitConfig) *HealthTracker {
	if cfg.Validate() != nil {
		cfg = DefaultCircuitConfig()
	}
	return &HealthTracker{
		cfg:      cfg,
		clock:    time.Now,
		breakers: make(map[string]*breaker),
	}
}

// WithClock overrides the tracker's clock (used for deterministic tests).
func (h *HealthTracker) WithClock(clock func() time.Time) *HealthTracker {
	h.clock = clock
	return h
}

// OnTransition registers a callback for breaker state changes.
func (h *HealthTracker) OnTransition(fn TransitionFunc) *HealthTracker {
	h.onTransition = fn
	return h
}

// Config returns the breaker parameters.
func (h *HealthTracker) Config() CircuitConfig {
	return h.cfg
}

func (h *HealthTracker) breakerFor(path string) *breaker {
	h.mu.RLock()
	b, ok := h.breakers[path]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok = h.breakers[path]; ok {
		return b
	}
	b = &breaker{
		state:  CircuitClosed,
		window: make([]bool, h.cfg.WindowSize),
	}
	b.publish(path)
	h.breakers[path] = b
	return b
}

// IsEligible reports whether the path may be attempted now. It does not reserve the
// half-open probe; use Acquire for that.
func (h *HealthTracker) IsEligible(path string) bool {
	h.mu.RLock()
	b, ok := h.breakers[path]
	h.mu.RUnlock()
	if !ok {
		return true
	}

	snap := b.snapshot.Load()
	switch snap.State {
	case CircuitOpen:
		return !h.clock().Before(snap.OpenedAt.Add(h.cfg.Cooldown))
	case CircuitHalfOpen:
		return !snap.ProbeInFlight
	default:
		return true
	}
}

// Permit is the right to attempt a path once. A half-open permit holds the path's
// single probe slot until it is recorded or released.
type Permit struct {
	tracker *HealthTracker
	path    string
	probe   bool
	done    atomic.Bool
}

// Path returns the path the permit was issued for.
func (p *Permit) Path() string {
	return p.path
}

// Probe reports whether the permit holds the half-open probe slot.
func (p *Permit) Probe() bool {
	return p.probe
}

// Record feeds the attempt outcome to the tracker and consumes the permit.
func (p *Permit) Record(outcome Outcome, at time.Time) {
	if !p.done.CompareAndSwap(false, true) {
		return
	}
	p.tracker.record(p.path, outcome, at, true, p.probe)
}

// Release gives the permit back without an outcome, freeing a held probe slot.
func (p *Permit) Release() {
	if !p.done.CompareAndSwap(false, true) {
		return
	}
	if !p.probe {
		return
	}
	b := p.tracker.breakerFor(p.path)
	b.mu.Lock()
	b.probe = false
	b.publish(p.path)
	b.mu.Unlock()
}

// Acquire reserves an attempt on the path. It moves an open circuit whose cooldown
// has elapsed to half-open, and grants the half-open probe to exactly one caller.
func (h *HealthTracker) Acquire(path string) (*Permit, bool) {
	b := h.breakerFor(path)
	now := h.clock()

	b.mu.Lock()
	var moved []transition
	if b.state == CircuitOpen && !now.Before(b.openedAt.Add(h.cfg.Cooldown)) {
		moved = append(moved, b.moveTo(CircuitHalfOpen))
	}

	var permit *Permit
	switch b.state {
	case CircuitClosed:
		permit = &Permit{tracker: h, path: path}
	case CircuitHalfOpen:
		if !b.probe {
			b.probe = true
			permit = &Permit{tracker: h, path: path, probe: true}
		}
	}
	b.publish(path)
	b.mu.Unlock()

	h.notify(path, moved, now)
	return permit, permit != nil
}

// RecordOutcome feeds an outcome observed at the given time. It is the replay entry
// point; live attempts go through Permit.Record.
func (h *HealthTracker) RecordOutcome(path string, outcome Outcome, at time.Time) {
	h.record(path, outcome, at, false, false)
}

// Replay feeds attempt records in order, using each record's end time.
func (h *HealthTracker) Replay(records []AttemptRecord) {
	for _, r := range records {
		h.RecordOutcome(r.PathName, r.Outcome, r.EndTime())
	}
}

// record applies one outcome. Live outcomes come from permits; only the probe
// permit may resolve a half-open circuit, and only replay moves an open circuit
// on time alone.
func (h *HealthTracker) record(path string, outcome Outcome, at time.Time, live, probe bool) {
	b := h.breakerFor(path)

	b.mu.Lock()
	var moved []transition
	if probe {
		b.probe = false
	}

	// A cancelled attempt says nothing about the path.
	if !outcome.IsSuccess() && outcome.Kind == FailureCancelled {
		b.publish(path)
		b.mu.Unlock()
		return
	}

	if !live && b.state == CircuitOpen && !at.Before(b.openedAt.Add(h.cfg.Cooldown)) {
		moved = append(moved, b.moveTo(CircuitHalfOpen))
	}

	failed := !outcome.IsSuccess()
	b.observe(failed)

	switch b.state {
	case CircuitClosed:
		if failed && h.shouldOpen(b) {
			b.openedAt = at
			moved = append(moved, b.moveTo(CircuitOpen))
		}
	case CircuitHalfOpen:
		if live && !probe {
			// Admitted while closed; the probe still decides.
			break
		}
		b.probe = false
		if failed {
			b.openedAt = at
			moved = append(moved, b.moveTo(CircuitOpen))
		} else {
			b.reset()
			moved = append(moved, b.moveTo(CircuitClosed))
		}
	}
	b.publish(path)
	b.mu.Unlock()

	h.notify(path, moved, at)
}

func (h *HealthTracker) shouldOpen(b *breaker) bool {
	if h.cfg.FailureThreshold > 0 && b.consecutive >= h.cfg.FailureThreshold {
		return true
	}
	if h.cfg.FailureRateThreshold > 0 && b.count == len(b.window) {
		return b.rate() >= h.cfg.FailureRateThreshold
	}
	return false
}

func (h *HealthTracker) notify(path string, moved []transition, at time.Time) {
	if h.onTransition == nil {
		return
	}
	for _, t := range moved {
		h.onTransition(path, t.from, t.to, at)
	}
}

// State returns the current state of one path.
func (h *HealthTracker) State(path string) HealthState {
	h.mu.RLock()
	b, ok := h.breakers[path]
	h.mu.RUnlock()
	if !ok {
		return HealthState{Path: path, State: CircuitClosed}
	}
	return *b.snapshot.Load()
}

// Snapshot returns the state of every known path, sorted by name.
func (h *HealthTracker) Snapshot() []HealthState {
	h.mu.RLock()
	states := make([]HealthState, 0, len(h.breakers))
	for _, b := range h.breakers {
		states = append(states, *b.snapshot.Load())
	}
	h.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Path < states[j].Path })
	return states
}

// Retain drops breakers of paths not in names. Surviving paths keep their state.
func (h *HealthTracker) Retain(names []string) {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for name := range h.breakers {
		if _, ok := keep[name]; !ok {
			delete(h.breakers, name)
		}
	}
}

type transition struct {
	from, to CircuitState
}

// moveTo changes state and returns the transition. Caller holds b.mu.
func (b *breaker) moveTo(to CircuitState) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	return t
}

// observe pushes one outcome into the counters. Caller holds b.mu.
func (b *breaker) observe(failed bool) {
	if failed {
		b.consecutive++
	} else {
		b.consecutive = 0
	}

	if b.count == len(b.window) {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.head] = failed
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)
}

// reset clears counters after a successful probe. Caller holds b.mu.
func (b *breaker) reset() {
	b.consecutive = 0
	b.head = 0
	b.count = 0
	b.failures = 0
	for i := range b.window {
		b.window[i] = false
	}
}

func (b *breaker) rate() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

// publish stores a fresh snapshot. Caller holds b.mu (or owns b exclusively).
func (b *breaker) publish(path string) {
	b.snapshot.Store(&HealthState{
		Path:                path,
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		FailureRate:         b.rate(),
		Samples:             b.count,
		OpenedAt:            b.openedAt,
		ProbeInFlight:       b.probe,
	})
}
