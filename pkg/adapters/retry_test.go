package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// scripted returns the outcomes in order and repeats the last one.
func scripted(calls *int, outcomes ...engine.Outcome) engine.Adapter {
	return engine.AdapterFunc(func(ctx context.Context, action engine.Action) engine.Outcome {
		i := *calls
		*calls++
		if i >= len(outcomes) {
			i = len(outcomes) - 1
		}
		return outcomes[i]
	})
}

func retryable(msg string) engine.Outcome {
	return engine.FailedWith(engine.NewAdapterError(msg, nil).WithRetryable(true))
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetryAdapter(t *testing.T) {
	tests := []struct {
		name      string
		policy    RetryPolicy
		outcomes  []engine.Outcome
		wantCalls int
		wantOK    bool
	}{
		{
			name:      "success first time",
			policy:    fastPolicy(3),
			outcomes:  []engine.Outcome{engine.Succeeded(nil)},
			wantCalls: 1,
			wantOK:    true,
		},
		{
			name:      "retryable then success",
			policy:    fastPolicy(3),
			outcomes:  []engine.Outcome{retryable("a"), retryable("b"), engine.Succeeded(nil)},
			wantCalls: 3,
			wantOK:    true,
		},
		{
			name:      "attempts exhausted",
			policy:    fastPolicy(2),
			outcomes:  []engine.Outcome{retryable("a")},
			wantCalls: 2,
		},
		{
			name:      "not retryable",
			policy:    fastPolicy(5),
			outcomes:  []engine.Outcome{engine.Failed(engine.FailureAdapter, "bad input")},
			wantCalls: 1,
		},
		{
			name: "retry on kind",
			policy: RetryPolicy{
				MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
				RetryOn: []engine.FailureKind{engine.FailureAdapter},
			},
			outcomes:  []engine.Outcome{engine.Failed(engine.FailureAdapter, "flaky"), engine.Succeeded(nil)},
			wantCalls: 2,
			wantOK:    true,
		},
		{
			name:      "cancelled never retried",
			policy:    RetryPolicy{MaxAttempts: 5, RetryOn: []engine.FailureKind{engine.FailureAdapter}},
			outcomes:  []engine.Outcome{{Status: engine.OutcomeFailure, Kind: engine.FailureCancelled, Retryable: true}},
			wantCalls: 1,
		},
		{
			name:      "retries disabled",
			policy:    RetryPolicy{},
			outcomes:  []engine.Outcome{retryable("a")},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			adapter := WithRetry(scripted(&calls, tt.outcomes...), tt.policy, nil)
			out := adapter.Invoke(context.Background(), engine.Action{Name: "x"})
			if out.IsSuccess() != tt.wantOK {
				t.Errorf("success = %v, want %v (%+v)", out.IsSuccess(), tt.wantOK, out)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryAdapterStopsBeforeDeadline(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second}
	adapter := WithRetry(scripted(&calls, retryable("busy")), policy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := adapter.Invoke(ctx, engine.Action{Name: "x"})
	if out.IsSuccess() {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("retry waited past the deadline")
	}
}

func TestRetryAdapterStopsOnCancel(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second}
	adapter := WithRetry(scripted(&calls, retryable("busy")), policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	adapter.Invoke(ctx, engine.Action{Name: "x"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("retry ignored cancellation")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Jitter: 0.5}

	for n, base := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		5: time.Second,
		40: time.Second,
	} {
		got := p.backoff(n)
		if got < base || got > base+base/2 {
			t.Errorf("backoff(%d) = %v, want within [%v, %v]", n, got, base, base+base/2)
		}
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{name: "zero value", policy: RetryPolicy{}},
		{name: "full", policy: RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Second, Jitter: 0.1, RetryOn: []engine.FailureKind{engine.FailureTimeout}}},
		{name: "negative attempts", policy: RetryPolicy{MaxAttempts: -1}, wantErr: true},
		{name: "negative backoff", policy: RetryPolicy{InitialBackoff: -time.Second}, wantErr: true},
		{name: "jitter above one", policy: RetryPolicy{Jitter: 1.5}, wantErr: true},
		{name: "cancelled kind", policy: RetryPolicy{RetryOn: []engine.FailureKind{engine.FailureCancelled}}, wantErr: true},
		{name: "unknown kind", policy: RetryPolicy{RetryOn: []engine.FailureKind{"gremlins"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
