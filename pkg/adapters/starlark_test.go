package adapters

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

func buildStarlark(t *testing.T, opts *StarlarkOptions) engine.Adapter {
	t.Helper()
	adapter, err := NewRegistry().newStarlark(context.Background(), Spec{Name: "script", Kind: KindStarlark, Timeout: time.Second, Starlark: opts})
	if err != nil {
		t.Fatalf("newStarlark() error = %v", err)
	}
	return adapter
}

func TestStarlarkAdapter(t *testing.T) {
	tests := []struct {
		name   string
		script string
		params map[string]interface{}
		wantOK bool
		check  func(t *testing.T, out engine.Outcome)
	}{
		{
			name: "dict result",
			script: `
def run(action, params):
    return {"action": action["name"], "replicas": params["replicas"] * 2}
`,
			params: map[string]interface{}{"replicas": float64(3)},
			wantOK: true,
			check: func(t *testing.T, out engine.Outcome) {
				if out.Output["action"] != "scale" || out.Output["replicas"] != int64(6) {
					t.Errorf("output = %v", out.Output)
				}
			},
		},
		{
			name: "none result",
			script: `
def run(action, params):
    pass
`,
			wantOK: true,
			check: func(t *testing.T, out engine.Outcome) {
				if out.Output == nil || len(out.Output) != 0 {
					t.Errorf("output = %v, want empty map", out.Output)
				}
			},
		},
		{
			name: "scalar result",
			script: `
def run(action, params):
    return [1, "two"]
`,
			wantOK: true,
			check: func(t *testing.T, out engine.Outcome) {
				list, ok := out.Output["result"].([]interface{})
				if !ok || len(list) != 2 {
					t.Errorf("output = %v", out.Output)
				}
			},
		},
		{
			name: "struct result",
			script: `
def run(action, params):
    return struct(ok = True, id = action["correlation_id"])
`,
			wantOK: true,
			check: func(t *testing.T, out engine.Outcome) {
				if out.Output["ok"] != true || out.Output["id"] != "corr-1" {
					t.Errorf("output = %v", out.Output)
				}
			},
		},
		{
			name: "fail",
			script: `
def run(action, params):
    fail("backend refused " + action["name"])
`,
			check: func(t *testing.T, out engine.Outcome) {
				if out.Kind != engine.FailureAdapter || !strings.Contains(out.Message, "backend refused scale") {
					t.Errorf("outcome = %+v", out)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := buildStarlark(t, &StarlarkOptions{Script: tt.script})
			out := adapter.Invoke(context.Background(), engine.Action{Name: "scale", CorrelationID: "corr-1", Params: tt.params})
			if out.IsSuccess() != tt.wantOK {
				t.Fatalf("outcome = %+v, want success=%v", out, tt.wantOK)
			}
			tt.check(t, out)
		})
	}
}

func TestStarlarkAdapterFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "action.star")
	script := "def run(action, params):\n    return {\"from\": \"file\"}\n"
	if err := os.WriteFile(file, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	adapter := buildStarlark(t, &StarlarkOptions{File: file})
	out := adapter.Invoke(context.Background(), engine.Action{Name: "x"})
	if !out.IsSuccess() || out.Output["from"] != "file" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestStarlarkAdapterBuildErrors(t *testing.T) {
	reg := NewRegistry()
	tests := []struct {
		name string
		opts *StarlarkOptions
	}{
		{name: "no options"},
		{name: "empty", opts: &StarlarkOptions{}},
		{name: "syntax error", opts: &StarlarkOptions{Script: "def run(:"}},
		{name: "no run", opts: &StarlarkOptions{Script: "x = 1"}},
		{name: "run not callable", opts: &StarlarkOptions{Script: "run = 1"}},
		{name: "missing file", opts: &StarlarkOptions{File: "/nonexistent/action.star"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.newStarlark(context.Background(), Spec{Name: "s", Kind: KindStarlark, Timeout: time.Second, Starlark: tt.opts})
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStarlarkAdapterContextDeadline(t *testing.T) {
	adapter := buildStarlark(t, &StarlarkOptions{Script: `
def run(action, params):
    n = 0
    for i in range(1000000000):
        n += i
    return {"n": n}
`})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := adapter.Invoke(ctx, engine.Action{Name: "spin"})
	if out.Kind != engine.FailureTimeout {
		t.Errorf("outcome = %+v, want timeout", out)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("script was not interrupted")
	}
}

func TestStarlarkAdapterCancelled(t *testing.T) {
	adapter := buildStarlark(t, &StarlarkOptions{Script: `
def run(action, params):
    for i in range(1000000000):
        pass
`})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out := adapter.Invoke(ctx, engine.Action{Name: "spin"})
	if out.Kind != engine.FailureCancelled {
		t.Errorf("outcome = %+v, want cancelled", out)
	}
}

func TestStarlarkAdapterMaxSteps(t *testing.T) {
	adapter := buildStarlark(t, &StarlarkOptions{MaxSteps: 1000, Script: `
def run(action, params):
    for i in range(1000000):
        pass
`})

	out := adapter.Invoke(context.Background(), engine.Action{Name: "spin"})
	if out.IsSuccess() || out.Kind != engine.FailureAdapter {
		t.Errorf("outcome = %+v, want adapter failure", out)
	}
}

func TestStarlarkAdapterConcurrent(t *testing.T) {
	adapter := buildStarlark(t, &StarlarkOptions{Script: `
def run(action, params):
    return {"n": params["n"]}
`})

	done := make(chan engine.Outcome, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			done <- adapter.Invoke(context.Background(), engine.Action{Name: "x", Params: map[string]interface{}{"n": n}})
		}(i)
	}
	for i := 0; i < 8; i++ {
		if out := <-done; !out.IsSuccess() {
			t.Errorf("outcome = %+v", out)
		}
	}
}
