package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func attempt(corr, path string, offset time.Duration, ok bool) engine.AttemptRecord {
	out := engine.Succeeded(nil)
	if !ok {
		out = engine.Failed(engine.FailureAdapter, "down")
	}
	return engine.AttemptRecord{
		CorrelationID: corr,
		PathName:      path,
		ActionName:    "deploy",
		StartTime:     base.Add(offset),
		Duration:      time.Millisecond,
		Outcome:       out,
	}
}

func TestAppendRejectsIncompleteRecords(t *testing.T) {
	l := New()
	tests := []struct {
		name   string
		record engine.AttemptRecord
	}{
		{"no correlation", engine.AttemptRecord{PathName: "a", Outcome: engine.Succeeded(nil)}},
		{"no path", engine.AttemptRecord{CorrelationID: "c", Outcome: engine.Succeeded(nil)}},
		{"no outcome", engine.AttemptRecord{CorrelationID: "c", PathName: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := l.Append(context.Background(), tt.record); err == nil {
				t.Error("expected error")
			}
		})
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}

func TestQueryOrdersByStartTime(t *testing.T) {
	l := New()
	ctx := context.Background()

	// Appended out of order on purpose.
	_ = l.Append(ctx, attempt("c1", "second", 2*time.Second, true))
	_ = l.Append(ctx, attempt("c2", "other", time.Second, true))
	_ = l.Append(ctx, attempt("c1", "first", time.Second, false))

	got, err := l.Query(ctx, "c1")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 2 || got[0].PathName != "first" || got[1].PathName != "second" {
		t.Errorf("Query() = %+v", got)
	}

	none, _ := l.Query(ctx, "missing")
	if len(none) != 0 {
		t.Errorf("Query(missing) = %+v, want empty", none)
	}
}

func TestByPathLimit(t *testing.T) {
	l := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = l.Append(ctx, attempt(fmt.Sprintf("c%d", i), "api", time.Duration(i)*time.Second, true))
	}

	got, _ := l.ByPath(ctx, "api", 2)
	if len(got) != 2 || got[0].CorrelationID != "c3" || got[1].CorrelationID != "c4" {
		t.Errorf("ByPath(limit=2) = %+v", got)
	}
	all, _ := l.ByPath(ctx, "api", 0)
	if len(all) != 5 {
		t.Errorf("ByPath(limit=0) returned %d records, want 5", len(all))
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := New()
	ctx := context.Background()

	const writers, each = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = l.Append(ctx, attempt(fmt.Sprintf("w%d", w), "p", time.Duration(i), true))
			}
		}(w)
	}
	wg.Wait()

	if l.Len() != writers*each {
		t.Fatalf("Len() = %d, want %d", l.Len(), writers*each)
	}
	for w := 0; w < writers; w++ {
		got, _ := l.Query(ctx, fmt.Sprintf("w%d", w))
		if len(got) != each {
			t.Errorf("writer %d has %d records, want %d", w, len(got), each)
		}
	}
}

type failingPersister struct {
	mu    sync.Mutex
	saved int
	err   error
}

func (p *failingPersister) SaveAttempt(ctx context.Context, r engine.AttemptRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved++
	return p.err
}

func TestPersisterFailureIsNotPropagated(t *testing.T) {
	p := &failingPersister{err: errors.New("disk full")}
	var hooked int
	l := New(WithPersister(p), WithPersistErrorHook(func(error) { hooked++ }))

	if err := l.Append(context.Background(), attempt("c", "a", 0, true)); err != nil {
		t.Fatalf("Append() error = %v, want nil", err)
	}
	if l.Len() != 1 {
		t.Error("record should be kept in memory")
	}
	if p.saved != 1 || hooked != 1 {
		t.Errorf("saved=%d hooked=%d, want 1 and 1", p.saved, hooked)
	}
}

func TestSubscribeFiltersAndCloses(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())

	feed, _ := l.Subscribe(ctx, Filter{PathName: "api"}, 4)

	_ = l.Append(context.Background(), attempt("c1", "script", 0, true))
	_ = l.Append(context.Background(), attempt("c1", "api", time.Second, false))

	select {
	case r := <-feed:
		if r.PathName != "api" {
			t.Errorf("received %s, want api", r.PathName)
		}
	case <-time.After(time.Second):
		t.Fatal("no record received")
	}

	cancel()
	select {
	case _, ok := <-feed:
		if ok {
			t.Error("unexpected extra record")
		}
	case <-time.After(time.Second):
		t.Fatal("feed not closed after context cancel")
	}
}

func TestSubscribeDropsForSlowSubscriber(t *testing.T) {
	l := New()
	_, stop := l.Subscribe(context.Background(), Filter{}, 1)
	defer stop()

	for i := 0; i < 3; i++ {
		_ = l.Append(context.Background(), attempt("c", "a", time.Duration(i), true))
	}
	if l.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", l.Dropped())
	}

	stop()
	stop() // idempotent
}
