package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/pathrunner/pkg/bootstrap"
	"github.com/openfroyo/pathrunner/pkg/config"
	"github.com/openfroyo/pathrunner/pkg/engine"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const serverConfig = `
service:
  name: api-test
store:
  path: %q
paths:
  - name: primary
    kind: inprocess
    timeout: 1s
    inprocess:
      function: %s
escalation:
  sinks:
    - name: db
      type: store
`

func newTestServer(t *testing.T, fn string) *Server {
	t.Helper()
	p, err := config.NewParser()
	if err != nil {
		t.Fatalf("NewParser() error = %v", err)
	}
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	cfg, err := p.Parse([]byte(fmt.Sprintf(serverConfig, dbPath, fn)), config.FormatYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	app, err := bootstrap.New(context.Background(), cfg, bootstrap.Options{LogWriter: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("bootstrap.New() error = %v", err)
	}
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return NewServer(app, "test")
}

func do(t *testing.T, s *Server, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, "echo")
	w := do(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body map[string]string
	decode(t, w, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestExecuteAction(t *testing.T) {
	s := newTestServer(t, "echo")

	w := do(t, s, http.MethodPost, "/v1/actions", engine.Action{
		Name:          "restart.web",
		Params:        map[string]interface{}{"service": "nginx"},
		CorrelationID: "corr-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res engine.Result
	decode(t, w, &res)
	if res.Status != engine.ExecutionSucceeded || res.PathUsed != "primary" || res.CorrelationID != "corr-1" {
		t.Errorf("result = %+v", res)
	}
	if got := w.Header().Get("X-Correlation-ID"); got != "corr-1" {
		t.Errorf("X-Correlation-ID = %q", got)
	}

	w = do(t, s, http.MethodGet, "/v1/attempts/corr-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("attempts status = %d", w.Code)
	}
	var attempts struct {
		Attempts []engine.AttemptRecord `json:"attempts"`
	}
	decode(t, w, &attempts)
	if len(attempts.Attempts) != 1 || attempts.Attempts[0].PathName != "primary" {
		t.Errorf("attempts = %+v", attempts.Attempts)
	}

	if w := do(t, s, http.MethodGet, "/v1/attempts/unknown", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown correlation status = %d", w.Code)
	}
}

func TestExecuteActionErrors(t *testing.T) {
	s := newTestServer(t, "echo")

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{name: "malformed", body: "not an object", status: http.StatusBadRequest},
		{name: "missing name", body: map[string]interface{}{"params": map[string]interface{}{}}, status: http.StatusBadRequest},
		{name: "denied by policy", body: engine.Action{Name: "Bad Name"}, status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/v1/actions", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			var body errorBody
			decode(t, w, &body)
			if body.Error == "" {
				t.Error("error body has no message")
			}
		})
	}
}

func TestEscalationLifecycle(t *testing.T) {
	s := newTestServer(t, "fail")

	w := do(t, s, http.MethodPost, "/v1/actions", engine.Action{Name: "restart.web"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res engine.Result
	decode(t, w, &res)
	if res.Status != engine.ExecutionEscalated || res.Escalation == nil {
		t.Fatalf("result = %+v", res)
	}
	id := res.Escalation.ID

	w = do(t, s, http.MethodGet, "/v1/escalations?pending=true", nil)
	var list struct {
		Escalations []struct {
			Record engine.EscalationRecord `json:"record"`
		} `json:"escalations"`
	}
	decode(t, w, &list)
	if len(list.Escalations) != 1 || list.Escalations[0].Record.ID != id {
		t.Fatalf("pending escalations = %+v", list.Escalations)
	}

	if w := do(t, s, http.MethodPost, "/v1/escalations/"+id+"/ack", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("ack without actor status = %d", w.Code)
	}

	w = do(t, s, http.MethodPost, "/v1/escalations/"+id+"/ack", map[string]string{"actor": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body = %s", w.Code, w.Body.String())
	}
	var acked struct {
		AcknowledgedBy *string `json:"acknowledged_by"`
	}
	decode(t, w, &acked)
	if acked.AcknowledgedBy == nil || *acked.AcknowledgedBy != "alice" {
		t.Errorf("acknowledged_by = %v", acked.AcknowledgedBy)
	}

	if w := do(t, s, http.MethodPost, "/v1/escalations/"+id+"/ack", map[string]string{"actor": "bob"}); w.Code != http.StatusConflict {
		t.Errorf("second ack status = %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/v1/escalations/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing escalation status = %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/v1/escalations?pending=true", nil)
	decode(t, w, &list)
	if len(list.Escalations) != 0 {
		t.Errorf("pending after ack = %d", len(list.Escalations))
	}
}

func TestListPaths(t *testing.T) {
	s := newTestServer(t, "echo")
	do(t, s, http.MethodPost, "/v1/actions", engine.Action{Name: "restart.web"})

	w := do(t, s, http.MethodGet, "/v1/paths", nil)
	var body struct {
		Paths []struct {
			Name   string             `json:"name"`
			Kind   string             `json:"kind"`
			Health engine.HealthState `json:"health"`
		} `json:"paths"`
	}
	decode(t, w, &body)
	if len(body.Paths) != 1 || body.Paths[0].Name != "primary" || body.Paths[0].Kind != "inprocess" {
		t.Fatalf("paths = %+v", body.Paths)
	}
	if body.Paths[0].Health.State != engine.CircuitClosed {
		t.Errorf("health = %+v", body.Paths[0].Health)
	}

	w = do(t, s, http.MethodGet, "/v1/paths/primary/attempts?limit=5", nil)
	var attempts struct {
		Attempts []engine.AttemptRecord `json:"attempts"`
	}
	decode(t, w, &attempts)
	if len(attempts.Attempts) != 1 {
		t.Errorf("path attempts = %d", len(attempts.Attempts))
	}

	if w := do(t, s, http.MethodGet, "/v1/paths/primary/attempts?limit=-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "echo")
	do(t, s, http.MethodPost, "/v1/actions", engine.Action{Name: "restart.web"})

	w := do(t, s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "pathrunner_") {
		t.Errorf("metrics output has no pathrunner series")
	}
}

func TestStreamAttempts(t *testing.T) {
	s := newTestServer(t, "echo")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	base := "http://" + ln.Addr().String()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/v1/attempts/stream?correlation_id=streamed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	// The subscription exists once the response headers arrive.
	go func() {
		_, _ = s.app.Execute(context.Background(), engine.Action{Name: "restart.web", CorrelationID: "other"})
		_, _ = s.app.Execute(context.Background(), engine.Action{Name: "restart.web", CorrelationID: "streamed"})
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var record engine.AttemptRecord
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &record); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		if record.CorrelationID != "streamed" {
			t.Fatalf("received attempt for %s", record.CorrelationID)
		}
		return
	}
	t.Fatalf("stream ended without an attempt: %v", scanner.Err())
}
