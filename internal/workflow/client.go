// ABOUTME: HTTP client for n8n workflow webhooks with classified retry
// ABOUTME: Retries timeouts, network errors and 5xx with exponential backoff; fails fast on 4xx

package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/robertvill8/orbit-backend/internal/apperr"
	"github.com/robertvill8/orbit-backend/internal/store"
)

// ErrUnknownWorkflow is returned when no endpoint is configured for a workflow name.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// maxErrorBody bounds how much of a failed response is kept in error messages.
const maxErrorBody = 512

// Defaults applied to a zero Config.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 10 * time.Second
)

// Recorder persists one record per HTTP attempt.
type Recorder interface {
	SaveWorkflowCall(ctx context.Context, call *store.WorkflowCall) error
}

// Config configures the workflow client.
type Config struct {
	BaseURL   string
	APIKey    string
	Endpoints map[string]string

	// Timeout bounds a single attempt
	Timeout time.Duration
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Client invokes named workflows on the automation platform.
type Client struct {
	cfg        Config
	httpClient *http.Client
	recorder   Recorder
	logger     *slog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a workflow client. recorder may be nil.
func NewClient(cfg Config, recorder Recorder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(DefaultBackoffMax, cfg.BackoffBase)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		recorder:   recorder,
		logger:     logger.With("component", "workflow"),
		sleep:      sleepContext,
	}
}

// newBackOff returns the retry schedule: BackoffBase doubling up to
// BackoffMax, without jitter.
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = c.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type sessionIDKey struct{}

// WithSessionID attaches the session id that workflow call records are filed under.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the session id set by WithSessionID, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// Invoke POSTs payload to the named workflow and returns the JSON response.
//
// Each attempt is bounded by Config.Timeout. Timeouts, network errors and 5xx
// responses are retried up to Config.MaxAttempts total attempts with
// exponential backoff. Any other non-2xx response, or an unknown workflow
// name, fails immediately. The returned error matches apperr.ErrTransient or
// apperr.ErrPermanent.
func (c *Client) Invoke(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	invocationID := uuid.New().String()
	service := "workflow:" + name
	start := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Permanent(service, 0, fmt.Errorf("encoding payload: %w", err))
	}

	endpoint, ok := c.cfg.Endpoints[name]
	if !ok {
		callErr := apperr.Permanent(service, 0, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name))
		c.record(ctx, invocationID, name, 1, body, nil, 0, time.Since(start), callErr)
		return nil, callErr
	}
	url := c.cfg.BaseURL + endpoint

	bo := c.newBackOff()

	for attempt := 1; ; attempt++ {
		status, respBody, callErr := c.attempt(ctx, service, url, body)
		c.record(ctx, invocationID, name, attempt, body, respBody, status, time.Since(start), callErr)

		if callErr == nil {
			c.logger.Debug("workflow call succeeded",
				"workflow", name,
				"attempt", attempt,
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return normalizeResponse(respBody), nil
		}

		if !apperr.IsTransient(callErr) || attempt >= c.cfg.MaxAttempts {
			c.logger.Warn("workflow call failed",
				"workflow", name,
				"attempts", attempt,
				"error", callErr,
			)
			return nil, callErr
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("invoking %s: %w", name, ctx.Err())
		}

		wait := bo.NextBackOff()
		c.logger.Info("retrying workflow call",
			"workflow", name,
			"attempt", attempt,
			"wait", wait,
			"error", callErr,
		)

		if err := c.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("invoking %s: %w", name, err)
		}
	}
}

// attempt performs a single HTTP request and classifies its outcome.
func (c *Client) attempt(ctx context.Context, service, url string, body []byte) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, apperr.Permanent(service, 0, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, nil, apperr.Transient(service, 0, fmt.Errorf("timed out after %s", c.cfg.Timeout))
		}
		return 0, nil, apperr.Transient(service, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, apperr.Transient(service, resp.StatusCode, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, respBody, apperr.FromStatus(service, resp.StatusCode, errors.New(describeFailure(resp.StatusCode, respBody)))
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) record(ctx context.Context, invocationID, name string, attempt int, request, response []byte, status int, latency time.Duration, callErr error) {
	if c.recorder == nil {
		return
	}

	call := &store.WorkflowCall{
		InvocationID:   invocationID,
		SessionID:      SessionIDFromContext(ctx),
		WorkflowName:   name,
		Attempt:        attempt,
		RequestPayload: request,
		StatusCode:     status,
		Status:         store.CallSuccess,
		LatencyMS:      latency.Milliseconds(),
	}
	if callErr != nil {
		call.Status = store.CallFailed
		call.ErrorMessage = callErr.Error()
	} else {
		call.ResponsePayload = normalizeResponse(response)
	}

	// Recording must not be skipped because the caller gave up.
	if err := c.recorder.SaveWorkflowCall(context.WithoutCancel(ctx), call); err != nil {
		c.logger.Error("failed to record workflow call", "workflow", name, "attempt", attempt, "error", err)
	}
}

// normalizeResponse turns an empty body into {} and a non-JSON body into a JSON string.
func normalizeResponse(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}

func describeFailure(status int, body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return http.StatusText(status)
	}
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
