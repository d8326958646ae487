package engine

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func consecutiveOnly(threshold int, cooldown time.Duration) CircuitConfig {
	return CircuitConfig{
		FailureThreshold: threshold,
		WindowSize:       10,
		Cooldown:         cooldown,
	}
}

func TestCircuitConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CircuitConfig
		wantErr bool
	}{
		{"defaults", DefaultCircuitConfig(), false},
		{"consecutive only", consecutiveOnly(3, time.Second), false},
		{"rate only", CircuitConfig{FailureRateThreshold: 0.5, WindowSize: 4, Cooldown: time.Second}, false},
		{"no bound", CircuitConfig{WindowSize: 4, Cooldown: time.Second}, true},
		{"negative threshold", CircuitConfig{FailureThreshold: -1, WindowSize: 4, Cooldown: time.Second}, true},
		{"rate above one", CircuitConfig{FailureRateThreshold: 1.5, WindowSize: 4, Cooldown: time.Second}, true},
		{"zero window", CircuitConfig{FailureThreshold: 3, Cooldown: time.Second}, true},
		{"zero cooldown", CircuitConfig{FailureThreshold: 3, WindowSize: 4}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHealthTrackerOpensExactlyAtThreshold(t *testing.T) {
	clock := newFakeClock()
	h := NewHealthTracker(consecutiveOnly(3, time.Minute)).WithClock(clock.Now)

	fail := Failed(FailureAdapter, "boom")
	for i := 1; i <= 2; i++ {
		h.RecordOutcome("primary", fail, clock.Now())
		if got := h.State("primary").State; got != CircuitClosed {
			t.Fatalf("after %d failures state = %s, want closed", i, got)
		}
		if !h.IsEligible("primary") {
			t.Fatalf("after %d failures path should still be eligible", i)
		}
	}

	h.RecordOutcome("primary", fail, clock.Now())
	state := h.State("primary")
	if state.State != CircuitOpen {
		t.Fatalf("after 3 failures state = %s, want open", state.State)
	}
	if state.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", state.ConsecutiveFailures)
	}
	if !state.OpenedAt.Equal(clock.Now()) {
		t.Errorf("OpenedAt = %v, want %v", state.OpenedAt, clock.Now())
	}
	if h.IsEligible("primary") {
		t.Error("open path should not be eligible before cooldown")
	}
}

func TestHealthTrackerSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	h := NewHealthTracker(consecutiveOnly(3, time.Minute)).WithClock(clock.Now)

	fail := Failed(FailureAdapter, "boom")
	h.RecordOutcome("p", fail, clock.Now())
	h.RecordOutcome("p", fail, clock.Now())
	h.RecordOutcome("p", Succeeded(nil), clock.Now())
	h.RecordOutcome("p", fail, clock.Now())
	h.RecordOutcome("p", fail, clock.Now())

	if got := h.State("p").State; got != CircuitClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if got := h.State("p").ConsecutiveFailures; got != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got)
	}
}

func TestHealthTrackerFailureRateOpensOnFullWindow(t *testing.T) {
	clock := newFakeClock()
	cfg := CircuitConfig{FailureRateThreshold: 0.5, WindowSize: 4, Cooldown: time.Minute}
	h := NewHealthTracker(cfg).WithClock(clock.Now)

	fail := Failed(FailureAdapter, "boom")
	ok := Succeeded(nil)

	// 2 of 3 failed: rate is high but the window is not full yet.
	h.RecordOutcome("p", fail, clock.Now())
	h.RecordOutcome("p", ok, clock.Now())
	h.RecordOutcome("p", fail, clock.Now())
	if got := h.State("p").State; got != CircuitClosed {
		t.Fatalf("state before full window = %s, want closed", got)
	}

	h.RecordOutcome("p", ok, clock.Now())
	if got := h.State("p").FailureRate; got != 0.5 {
		t.Fatalf("FailureRate = %v, want 0.5", got)
	}
	// The success that filled the window does not open the circuit.
	if got := h.State("p").State; got != CircuitClosed {
		t.Fatalf("state after success = %s, want closed", got)
	}

	h.RecordOutcome("p", fail, clock.Now())
	if got := h.State("p").State; got != CircuitOpen {
		t.Fatalf("state = %s, want open", got)
	}
}

func TestHealthTrackerCooldownAndProbe(t *testing.T) {
	clock := newFakeClock()
	h := NewHealthTracker(consecutiveOnly(1, time.Minute)).WithClock(clock.Now)

	h.RecordOutcome("p", Failed(FailureTimeout, "slow"), clock.Now())
	if _, ok := h.Acquire("p"); ok {
		t.Fatal("Acquire on open circuit should fail")
	}

	clock.Advance(59 * time.Second)
	if h.IsEligible("p") {
		t.Fatal("path should not be eligible before cooldown elapsed")
	}

	clock.Advance(time.Second)
	if !h.IsEligible("p") {
		t.Fatal("path should be eligible once cooldown elapsed")
	}

	probe, ok := h.Acquire("p")
	if !ok || !probe.Probe() {
		t.Fatal("first Acquire after cooldown should return the probe")
	}
	if got := h.State("p").State; got != CircuitHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}
	if _, ok := h.Acquire("p"); ok {
		t.Fatal("second Acquire while probe in flight should fail")
	}
	if h.IsEligible("p") {
		t.Fatal("path should not be eligible while probe in flight")
	}

	probe.Record(Succeeded(nil), clock.Now())
	state := h.State("p")
	if state.State != CircuitClosed {
		t.Fatalf("state after successful probe = %s, want closed", state.State)
	}
	if state.ConsecutiveFailures != 0 || state.Samples != 0 {
		t.Errorf("counters not reset: %+v", state)
	}
}

func TestHealthTrackerFailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	h := NewHealthTracker(consecutiveOnly(1, time.Minute)).WithClock(clock.Now)

	h.RecordOutcome("p", Failed(FailureAdapter, "boom"), clock.Now())
	clock.Advance(time.Minute)

	probe, ok := h.Acquire("p")
	if !ok {
		t.Fatal("expected probe")
	}
	clock.Advance(time.Second)
	probe.Record(Failed(FailureAdapter, "still broken"), clock.Now())

	state := h.State("p")
	if state.State != CircuitOpen {
		t.Fatalf("state = %s, want open", state.State)
	}
	if !state.OpenedAt.Equal(clock.Now()) {
		t.Errorf("OpenedAt = %v, want reset to %v", state.OpenedAt, clock.Now())
	}
	if h.IsEligible("p") {
		t.Error("reopened path should wait for a new cooldown")
	}
}

func TestHealthTrackerSingleConcurrentProbe(t *testing.T) {
	clock := newFakeClock()
	h := NewHealthTracker(consecutiveOnly(1, time.Second)).WithClock(clock.Now)

	h.RecordOutcome("p", Failed(FailureAdapter, "boom"), clock.Now())
	clock.Advance(time.Second)

	const callers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := h.Acquire("p"); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("granted %d probes, want exactly 1", granted)
	}
}

func TestHealthTrackerLateClosedPermitDoesNotResolveProbe(t *testing.T) {
	clock := newFakeClock()
	h := NewHealthTracker(consecutiveOnly(1, time.Minute)).WithClock(clock.Now)

	slow, ok := h.Acquire("p")
	if !ok || slow.Probe() {
		t.Fatal("expected a closed-circuit permit")
	}
	h.RecordOutcome("p", Failed(FailureAdapter, "boom"), clock.Now())
	clock.Advance(time.Minute)

	probe, ok := h.Acquire("p")
	if !ok || !probe.Probe() {
		t.Fatal("expected the probe")
	}

	slow.Record(Succeeded(nil), clock.Now())
	state := h.State("p")
	if state.State != CircuitHalfOpen || !state.ProbeInFlight {
		t.Fatalf("state after late closed permit = %+v, want half_open with probe in flight", state)
	}
	if _, ok := h.Acquire("p"); ok {
		t.Fatal("a second probe was granted")
	}

	probe.Record(Failed(FailureAdapter, "still broken"), clock.Now())
	if got := h.State("p").State; got != CircuitOpen {
		t.Errorf("state after failed probe = %s, want open", got)
	}
}

func TestHealthTrackerReleaseFreesProbe(t *testing.T) {
	clock := newFakeClock()
	h := NewHealthTracker(consecutiveOnly(1, time.Second)).WithClock(clock.Now)

	h.RecordOutcome("p", Failed(FailureAdapter, "boom"), clock.Now())
	clock.Advance(time.Second)

	probe, ok := h.Acquire("p")
	if !ok {
		t.Fatal("expected probe")
	}
	probe.Release()

	if _, ok := h.Acquire("p"); !ok {
		t.Error("probe slot should be free after Release")
	}
}

func TestHealthTrackerCancelledOutcomeIsNeutral(t *testing.T) {
	clock := newFakeClock()
	h := NewHealthTracker(consecutiveOnly(2, time.Minute)).WithClock(clock.Now)

	h.RecordOutcome("p", Failed(FailureAdapter, "boom"), clock.Now())
	h.RecordOutcome("p", Failed(FailureCancelled, "caller left"), clock.Now())
	h.RecordOutcome("p", Failed(FailureCancelled, "caller left"), clock.Now())

	state := h.State("p")
	if state.State != CircuitClosed {
		t.Fatalf("state = %s, want closed", state.State)
	}
	if state.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", state.ConsecutiveFailures)
	}
}

func TestHealthTrackerReplayIsDeterministic(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fail := Failed(FailureAdapter, "boom")
	ok := Succeeded(nil)

	records := []AttemptRecord{
		{PathName: "a", StartTime: start, Duration: time.Second, Outcome: fail},
		{PathName: "b", StartTime: start.Add(time.Second), Duration: time.Second, Outcome: ok},
		{PathName: "a", StartTime: start.Add(2 * time.Second), Duration: time.Second, Outcome: fail},
		{PathName: "a", StartTime: start.Add(3 * time.Second), Duration: time.Second, Outcome: fail},
		{PathName: "b", StartTime: start.Add(4 * time.Second), Duration: time.Second, Outcome: fail},
		// probe after cooldown, fails and reopens
		{PathName: "a", StartTime: start.Add(2 * time.Minute), Duration: time.Second, Outcome: fail},
	}

	replay := func() []HealthState {
		h := NewHealthTracker(consecutiveOnly(3, time.Minute)).WithClock(func() time.Time { return start })
		h.Replay(records)
		return h.Snapshot()
	}

	first := replay()
	second := replay()

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 paths, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("replay mismatch for %s: %+v vs %+v", first[i].Path, first[i], second[i])
		}
	}

	if first[0].Path != "a" || first[0].State != CircuitOpen {
		t.Errorf("path a = %+v, want open", first[0])
	}
	wantOpened := start.Add(2*time.Minute + time.Second)
	if !first[0].OpenedAt.Equal(wantOpened) {
		t.Errorf("path a OpenedAt = %v, want %v", first[0].OpenedAt, wantOpened)
	}
	if first[1].State != CircuitClosed || first[1].ConsecutiveFailures != 1 {
		t.Errorf("path b = %+v, want closed with 1 failure", first[1])
	}
}

func TestHealthTrackerRetain(t *testing.T) {
	h := NewHealthTracker(consecutiveOnly(1, time.Minute))
	h.RecordOutcome("keep", Failed(FailureAdapter, "x"), time.Now())
	h.RecordOutcome("drop", Failed(FailureAdapter, "x"), time.Now())

	h.Retain([]string{"keep"})

	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].Path != "keep" {
		t.Fatalf("Snapshot() = %+v, want only keep", snap)
	}
	if snap[0].State != CircuitOpen {
		t.Errorf("retained path lost its state: %s", snap[0].State)
	}
}

func TestHealthTrackerTransitionCallback(t *testing.T) {
	clock := newFakeClock()
	var got []CircuitState
	h := NewHealthTracker(consecutiveOnly(1, time.Second)).
		WithClock(clock.Now).
		OnTransition(func(path string, from, to CircuitState, at time.Time) {
			got = append(got, to)
		})

	h.RecordOutcome("p", Failed(FailureAdapter, "x"), clock.Now())
	clock.Advance(time.Second)
	probe, _ := h.Acquire("p")
	probe.Record(Succeeded(nil), clock.Now())

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}
