package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

const maxWebhookResponse = 1 << 20

// WebhookOptions submits the action as a JSON POST. A 2xx response is a
// success; 429 and 5xx responses are retryable failures.
type WebhookOptions struct {
	URL     string
	Method  string
	Headers map[string]string
	// RatePerSecond bounds requests to the endpoint; zero disables limiting.
	RatePerSecond float64
	Burst         int
}

type webhookRequest struct {
	Action        string                 `json:"action"`
	CorrelationID string                 `json:"correlation_id"`
	Params        map[string]interface{} `json:"params,omitempty"`
}

type webhookAdapter struct {
	opts    WebhookOptions
	client  *http.Client
	limiter *rate.Limiter
}

func (r *Registry) newWebhook(_ context.Context, spec Spec) (engine.Adapter, error) {
	opts := spec.Webhook
	if opts == nil || opts.URL == "" {
		return nil, missingOptions(KindWebhook)
	}
	if opts.Method == "" {
		opts.Method = http.MethodPost
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	// The path deadline bounds every request, so the client has no timeout.
	return &webhookAdapter{
		opts:    *opts,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (a *webhookAdapter) Invoke(ctx context.Context, action engine.Action) engine.Outcome {
	if err := a.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return engine.FailedWith(ctxErr)
		}
		// The wait would outlast the deadline.
		return engine.FailedWith(engine.NewTimeoutError("rate limit wait exceeds deadline", err))
	}

	body, err := json.Marshal(webhookRequest{
		Action:        action.Name,
		CorrelationID: action.CorrelationID,
		Params:        action.Params,
	})
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("failed to encode request", err))
	}

	req, err := http.NewRequestWithContext(ctx, a.opts.Method, a.opts.URL, bytes.NewReader(body))
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("failed to build request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", action.CorrelationID)
	for k, v := range a.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return engine.FailedWith(ctxErr)
		}
		return engine.FailedWith(engine.NewAdapterError("request failed", err).WithRetryable(true))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return engine.FailedWith(ctxErr)
		}
		return engine.FailedWith(engine.NewAdapterError("failed to read response", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		msg := fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
		if text := strings.TrimSpace(string(data)); text != "" {
			msg += ": " + truncate(text, 256)
		}
		return engine.FailedWith(engine.NewAdapterError(msg, nil).
			WithCode(engine.ErrCodeAdapterFailed).
			WithRetryable(retryable).
			WithDetail("status", resp.StatusCode))
	}

	output := responseOutput(data)
	output["status_code"] = resp.StatusCode
	return engine.Succeeded(output)
}

// responseOutput converts a 2xx body to attempt output. A JSON object is used
// as is, null and empty bodies give an empty map, and any other body is kept
// under "body".
func responseOutput(data []byte) map[string]interface{} {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]interface{}{}
	}
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return map[string]interface{}{"body": string(data)}
	}
	switch v := decoded.(type) {
	case map[string]interface{}:
		return v
	case nil:
		return map[string]interface{}{}
	default:
		return map[string]interface{}{"body": v}
	}
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
