package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

func buildWebhook(t *testing.T, opts *WebhookOptions) engine.Adapter {
	t.Helper()
	adapter, err := NewRegistry().newWebhook(context.Background(), Spec{Name: "hook", Kind: KindWebhook, Timeout: time.Second, Webhook: opts})
	if err != nil {
		t.Fatalf("newWebhook() error = %v", err)
	}
	return adapter
}

func TestWebhookAdapter(t *testing.T) {
	var got webhookRequest
	var gotHeader, gotCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		gotHeader = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"j-42"}`))
	}))
	defer server.Close()

	adapter := buildWebhook(t, &WebhookOptions{URL: server.URL, Headers: map[string]string{"Authorization": "Bearer token"}})
	out := adapter.Invoke(context.Background(), engine.Action{
		Name:          "deploy",
		CorrelationID: "corr-7",
		Params:        map[string]interface{}{"version": "1.2.3"},
	})
	if !out.IsSuccess() {
		t.Fatalf("Invoke() = %+v, want success", out)
	}
	if out.Output["job_id"] != "j-42" || out.Output["status_code"] != http.StatusOK {
		t.Errorf("output = %v", out.Output)
	}
	if got.Action != "deploy" || got.CorrelationID != "corr-7" || got.Params["version"] != "1.2.3" {
		t.Errorf("request = %+v", got)
	}
	if gotHeader != "Bearer token" || gotCorrelation != "corr-7" {
		t.Errorf("headers = %q, %q", gotHeader, gotCorrelation)
	}
}

func TestWebhookAdapterStatus(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantOK        bool
		wantRetryable bool
		check         func(t *testing.T, out engine.Outcome)
	}{
		{name: "plain text body", status: http.StatusAccepted, body: "queued", wantOK: true, check: func(t *testing.T, out engine.Outcome) {
			if out.Output["body"] != "queued" || out.Output["status_code"] != http.StatusAccepted {
				t.Errorf("output = %v", out.Output)
			}
		}},
		{name: "empty body", status: http.StatusNoContent, wantOK: true},
		{name: "json object body", status: http.StatusOK, body: `{"restarted":true}`, wantOK: true, check: func(t *testing.T, out engine.Outcome) {
			if out.Output["restarted"] != true || out.Output["status_code"] != http.StatusOK {
				t.Errorf("output = %v", out.Output)
			}
		}},
		{name: "json null body", status: http.StatusOK, body: "null", wantOK: true, check: func(t *testing.T, out engine.Outcome) {
			if len(out.Output) != 1 || out.Output["status_code"] != http.StatusOK {
				t.Errorf("output = %v", out.Output)
			}
		}},
		{name: "json array body", status: http.StatusOK, body: `["web-1","web-2"]`, wantOK: true, check: func(t *testing.T, out engine.Outcome) {
			hosts, ok := out.Output["body"].([]interface{})
			if !ok || len(hosts) != 2 || hosts[0] != "web-1" {
				t.Errorf("output = %v", out.Output)
			}
		}},
		{name: "json number body", status: http.StatusOK, body: "42", wantOK: true, check: func(t *testing.T, out engine.Outcome) {
			if out.Output["body"] != float64(42) {
				t.Errorf("output = %v", out.Output)
			}
		}},
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", wantRetryable: true, check: func(t *testing.T, out engine.Outcome) {
			if !strings.Contains(out.Message, "502") || !strings.Contains(out.Message, "upstream down") {
				t.Errorf("message = %q", out.Message)
			}
		}},
		{name: "rate limited", status: http.StatusTooManyRequests, wantRetryable: true},
		{name: "client error", status: http.StatusBadRequest, body: "bad params"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			out := buildWebhook(t, &WebhookOptions{URL: server.URL}).Invoke(context.Background(), engine.Action{Name: "x"})
			if out.IsSuccess() != tt.wantOK {
				t.Fatalf("outcome = %+v, want success=%v", out, tt.wantOK)
			}
			if !tt.wantOK {
				if out.Kind != engine.FailureAdapter {
					t.Errorf("kind = %s, want adapter_error", out.Kind)
				}
				if out.Retryable != tt.wantRetryable {
					t.Errorf("retryable = %v, want %v", out.Retryable, tt.wantRetryable)
				}
			}
			if tt.check != nil {
				tt.check(t, out)
			}
		})
	}
}

func TestWebhookAdapterDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := buildWebhook(t, &WebhookOptions{URL: server.URL}).Invoke(ctx, engine.Action{Name: "x"})
	if out.Kind != engine.FailureTimeout {
		t.Errorf("outcome = %+v, want timeout", out)
	}
}

func TestWebhookAdapterRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	adapter := buildWebhook(t, &WebhookOptions{URL: server.URL, RatePerSecond: 0.1, Burst: 1})
	if out := adapter.Invoke(context.Background(), engine.Action{Name: "x"}); !out.IsSuccess() {
		t.Fatalf("first Invoke() = %+v", out)
	}

	// The next token is ten seconds away, beyond the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out := adapter.Invoke(ctx, engine.Action{Name: "x"})
	if out.Kind != engine.FailureTimeout {
		t.Errorf("outcome = %+v, want timeout", out)
	}
}

func TestWebhookAdapterUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	out := buildWebhook(t, &WebhookOptions{URL: url}).Invoke(context.Background(), engine.Action{Name: "x"})
	if out.Kind != engine.FailureAdapter || !out.Retryable {
		t.Errorf("outcome = %+v, want retryable adapter failure", out)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	msg := strings.Repeat("é", 200) // 400 bytes
	got := truncate(msg, 255)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") || len(got) != 254+len("...") {
		t.Errorf("len = %d, suffix ok = %v", len(got), strings.HasSuffix(got, "..."))
	}
	if truncate("short", 255) != "short" {
		t.Error("short string changed")
	}
}
