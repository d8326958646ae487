package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pathrunner/pkg/engine"
	"github.com/openfroyo/pathrunner/pkg/stores"
)

func testRecord() engine.EscalationRecord {
	return engine.EscalationRecord{
		ID:            "esc-1",
		CorrelationID: "corr-1",
		Action:        engine.Action{Name: "restart", Params: map[string]interface{}{"service": "nginx"}},
		Attempts: []engine.AttemptRecord{{
			CorrelationID: "corr-1",
			PathName:      "api",
			ActionName:    "restart",
			Outcome:       engine.Failed(engine.FailureAdapter, "503"),
		}},
		SkippedPaths: []string{"script"},
		CreatedAt:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	if err := sink.Escalate(context.Background(), testRecord()); err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["correlation_id"] != "corr-1" || entry["level"] != "error" {
		t.Errorf("entry = %v", entry)
	}
	if paths, ok := entry["attempted_paths"].([]interface{}); !ok || len(paths) != 1 || paths[0] != "api" {
		t.Errorf("attempted_paths = %v", entry["attempted_paths"])
	}
}

type fakeStore struct {
	err   error
	saved []engine.EscalationRecord
}

func (f *fakeStore) SaveEscalation(ctx context.Context, r engine.EscalationRecord) error {
	f.saved = append(f.saved, r)
	return f.err
}

func TestStoreSink(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"saved", nil, false},
		{"duplicate is acknowledged", stores.ErrAlreadyExists, false},
		{"failure", errors.New("disk full"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{err: tt.err}
			err := NewStoreSink(store).Escalate(context.Background(), testRecord())
			if (err != nil) != tt.wantErr {
				t.Errorf("Escalate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(store.saved) != 1 {
				t.Errorf("saved %d records, want 1", len(store.saved))
			}
		})
	}
}

func TestStoreSinkKeepsRepeatedCorrelationID(t *testing.T) {
	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	sink := NewStoreSink(store)

	first := testRecord()
	first.CorrelationID = "ticket-42"
	second := first
	second.ID = "esc-2"
	second.CreatedAt = first.CreatedAt.Add(time.Minute)

	for _, rec := range []engine.EscalationRecord{first, second} {
		if err := sink.Escalate(ctx, rec); err != nil {
			t.Fatalf("Escalate(%s) error = %v", rec.ID, err)
		}
	}
	// Redelivery of an already stored escalation stays acknowledged.
	if err := sink.Escalate(ctx, first); err != nil {
		t.Errorf("redelivery error = %v", err)
	}

	saved, err := store.ListEscalations(ctx, stores.EscalationQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 2 {
		t.Fatalf("stored %d escalations for ticket-42, want 2", len(saved))
	}
	for _, esc := range saved {
		if esc.Record.CorrelationID != "ticket-42" {
			t.Errorf("escalation %s correlation = %q", esc.Record.ID, esc.Record.CorrelationID)
		}
	}
}

func TestWebhookSinkDelivers(t *testing.T) {
	type delivery struct {
		record engine.EscalationRecord
		token  string
	}
	received := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d delivery
		d.token = r.Header.Get("X-Token")
		if err := json.NewDecoder(r.Body).Decode(&d.record); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- d
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "s3cret"}})
	if err != nil {
		t.Fatalf("NewWebhookSink() error = %v", err)
	}
	if err := sink.Escalate(context.Background(), testRecord()); err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	got := <-received
	if got.record.CorrelationID != "corr-1" || len(got.record.Attempts) != 1 {
		t.Errorf("received %+v", got.record)
	}
	if got.token != "s3cret" {
		t.Errorf("X-Token = %q", got.token)
	}
}

func TestWebhookSinkRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink, _ := NewWebhookSink(WebhookConfig{URL: srv.URL})
	err := sink.Escalate(context.Background(), testRecord())
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("Escalate() error = %v, want status 500", err)
	}
}

func TestWebhookSinkRateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sink, _ := NewWebhookSink(WebhookConfig{URL: srv.URL, RatePerSecond: 0.01, Burst: 1})
	if err := sink.Escalate(context.Background(), testRecord()); err != nil {
		t.Fatalf("first delivery error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sink.Escalate(ctx, testRecord()); err == nil {
		t.Error("second delivery should be rate limited")
	}
}

func TestNewWebhookSinkRequiresURL(t *testing.T) {
	if _, err := NewWebhookSink(WebhookConfig{}); err == nil {
		t.Error("expected error")
	}
}

func TestRedisSinkUnreachable(t *testing.T) {
	sink, err := NewRedisSink(RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRedisSink() error = %v", err)
	}
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Escalate(ctx, testRecord()); err == nil {
		t.Error("expected delivery error for unreachable redis")
	}
}

// TestRedisSinkIntegration requires a running Redis.
func TestRedisSinkIntegration(t *testing.T) {
	sink, _ := NewRedisSink(RedisConfig{Addr: "localhost:6379", Stream: "pathrunner:test:escalations", MaxLen: 100})
	defer sink.Close()

	ctx := context.Background()
	if err := sink.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	if err := sink.Escalate(ctx, testRecord()); err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	n, err := sink.client.XLen(ctx, "pathrunner:test:escalations").Result()
	if err != nil || n == 0 {
		t.Errorf("XLen = %d, %v", n, err)
	}
}

type deliveries struct {
	mu     sync.Mutex
	result map[string]error
}

func (d *deliveries) RecordSinkDelivery(sink string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.result[sink] = err
}

func sinkFunc(err error, calls *atomic.Int32) engine.EscalationSink {
	return engine.EscalationSinkFunc(func(ctx context.Context, r engine.EscalationRecord) error {
		calls.Add(1)
		return err
	})
}

func TestMultiSinkAcknowledgesWhenAnyChildDoes(t *testing.T) {
	var calls atomic.Int32
	rec := &deliveries{result: map[string]error{}}

	m, err := NewMultiSink([]Named{
		{Name: "webhook", Sink: sinkFunc(errors.New("down"), &calls)},
		{Name: "log", Sink: sinkFunc(nil, &calls)},
	}, WithDeliveryRecorder(rec))
	if err != nil {
		t.Fatalf("NewMultiSink() error = %v", err)
	}

	if err := m.Escalate(context.Background(), testRecord()); err != nil {
		t.Errorf("Escalate() error = %v, want nil", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if rec.result["webhook"] == nil || rec.result["log"] != nil {
		t.Errorf("recorded deliveries = %v", rec.result)
	}
}

func TestMultiSinkFailsWhenAllChildrenFail(t *testing.T) {
	var calls atomic.Int32
	panicking := engine.EscalationSinkFunc(func(context.Context, engine.EscalationRecord) error {
		panic("boom")
	})

	m, _ := NewMultiSink([]Named{
		{Name: "redis", Sink: sinkFunc(errors.New("refused"), &calls)},
		{Name: "broken", Sink: panicking},
	})

	err := m.Escalate(context.Background(), testRecord())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "redis: refused") || !strings.Contains(err.Error(), "broken: sink panicked") {
		t.Errorf("error = %v", err)
	}
}

func TestNewMultiSinkValidation(t *testing.T) {
	log := NewLogSink(zerolog.Nop())
	tests := []struct {
		name  string
		sinks []Named
	}{
		{"empty", nil},
		{"unnamed", []Named{{Sink: log}}},
		{"nil sink", []Named{{Name: "log"}}},
		{"duplicate", []Named{{Name: "log", Sink: log}, {Name: "log", Sink: log}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMultiSink(tt.sinks); err == nil {
				t.Error("expected error")
			}
		})
	}
}
