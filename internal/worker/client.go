// ABOUTME: Typed HTTP client for the long-running agent-worker process
// ABOUTME: Wraps /turn and /resume and records one telemetry sample per call

package worker

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

	"github.com/2389/relay-gateway/internal/store"
)

// ErrWorkerUnavailable indicates the worker could not be reached (connection
// failure or timeout), as opposed to the worker answering with an error.
var ErrWorkerUnavailable = errors.New("worker unavailable")

// HTTPError is a non-2xx answer from the worker. The status and body are
// surfaced so the router can show the user what went wrong.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("worker returned HTTP %d: %s", e.Status, e.Body)
}

// PendingAction is one action the worker wants approved before proceeding.
type PendingAction struct {
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Interrupt is the worker's request to pause for a human decision.
type Interrupt struct {
	InterruptID    string          `json:"interrupt_id"`
	PendingActions []PendingAction `json:"pending_actions"`
	ActionCount    int             `json:"action_count"`
}

// Decision answers one pending action of an interrupt.
type Decision struct {
	Type string `json:"type"` // "approve" or "reject"
}

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// TurnResult is the worker's answer to a turn or resume call.
type TurnResult struct {
	SessionID string           `json:"session_id"`
	Text      string           `json:"text"`
	Events    []map[string]any `json:"events"`
	Interrupt *Interrupt       `json:"interrupt,omitempty"`

	// Provider/model labels when the worker reports them; used for telemetry.
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
}

// UsageRecorder receives one telemetry sample per worker invocation.
type UsageRecorder interface {
	SaveWorkerUsage(ctx context.Context, usage *store.WorkerUsage) error
}

// Client calls the worker process over HTTP. No retries and no per-call
// timeout overrides live here; the router decides what the user sees.
type Client struct {
	baseURL string
	http    *http.Client
	usage   UsageRecorder
	logger  *slog.Logger
}

// NewClient creates a worker client. timeout bounds every call; expiry is
// reported as ErrWorkerUnavailable, never as success.
func NewClient(baseURL string, timeout time.Duration, usage UsageRecorder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		usage:   usage,
		logger:  logger.With("component", "worker-client"),
	}
}

type turnRequest struct {
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type resumeRequest struct {
	SessionID string     `json:"session_id"`
	Decisions []Decision `json:"decisions"`
}

// Turn sends user text to the worker and returns its reply, which may carry
// an interrupt.
func (c *Client) Turn(ctx context.Context, sessionID, text string, metadata map[string]any) (*TurnResult, error) {
	return c.call(ctx, "/turn", sessionID, turnRequest{
		SessionID: sessionID,
		Text:      text,
		Metadata:  metadata,
	})
}

// Resume supplies approve/reject decisions for a prior interrupt and
// continues the same turn.
func (c *Client) Resume(ctx context.Context, sessionID string, decisions []Decision) (*TurnResult, error) {
	return c.call(ctx, "/resume", sessionID, resumeRequest{
		SessionID: sessionID,
		Decisions: decisions,
	})
}

// call posts the request, decodes the result, and records telemetry on both
// the success and failure paths.
func (c *Client) call(ctx context.Context, path, sessionID string, payload any) (*TurnResult, error) {
	started := time.Now()

	result, err := c.post(ctx, path, payload)

	sample := &store.WorkerUsage{
		SessionID: sessionID,
		LatencyMS: time.Since(started).Milliseconds(),
		Success:   err == nil,
	}
	if result != nil {
		sample.Provider = result.Provider
		sample.Model = result.Model
		sample.InputTokens = result.InputTokens
		sample.OutputTokens = result.OutputTokens
	}
	if err != nil {
		sample.ErrorCode = errorCode(err)
	}
	if recErr := c.usage.SaveWorkerUsage(ctx, sample); recErr != nil {
		c.logger.Warn("recording worker usage failed", "error", recErr)
	}

	return result, err
}

// post performs the HTTP exchange and classifies failures.
func (c *Client) post(ctx context.Context, path string, payload any) (*TurnResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrWorkerUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var result TurnResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding worker response: %w", err)
	}
	return &result, nil
}

// errorCode maps a call failure to a stable telemetry label.
func errorCode(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("http_%d", httpErr.Status)
	}
	if errors.Is(err, ErrWorkerUnavailable) {
		return "unavailable"
	}
	return "internal"
}
