// Package synthesis implements the client for the external node-graph
// image-synthesis engine: workflow submission, status polling, and
// result retrieval.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verdantlabs/canopy/internal/fault"
)

// ErrNoImage is returned by FetchResult when the finished job carries
// no image output.
var ErrNoImage = errors.New("synthesis: no image found in outputs")

// WorkflowError is an engine-reported execution failure, distinct from
// a timeout: the job finished, badly. Retry policy treats the two
// differently.
type WorkflowError struct {
	Type    string
	Message string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("synthesis: workflow failed: %s: %s", e.Type, e.Message)
}

// pollInterval is the fixed delay between status checks while waiting
// for a job to complete.
const pollInterval = 5 * time.Second

// Client talks to a synthesis engine over its HTTP protocol.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// poll overrides pollInterval in tests.
	poll time.Duration
}

// NewClient creates a synthesis client for the engine at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		poll:       pollInterval,
	}
}

type submitRequest struct {
	Prompt   Workflow `json:"prompt"`
	ClientID string   `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit posts a workflow to the engine and returns the job id.
func (c *Client) Submit(ctx context.Context, wf Workflow) (string, error) {
	body, err := json.Marshal(submitRequest{
		Prompt:   wf,
		ClientID: fmt.Sprintf("client_%d_%d", time.Now().Unix(), rand.IntN(9000)+1000),
	})
	if err != nil {
		return "", fmt.Errorf("synthesis: marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("synthesis: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("synthesis: submit workflow: %v: %w", err, fault.ErrNetwork)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("synthesis: submit status %d: %s: %w", resp.StatusCode, string(errBody), fault.ErrBackend)
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("synthesis: decode submit response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("synthesis: submit response has no prompt id: %w", fault.ErrBackend)
	}
	return result.PromptID, nil
}

// jobHistory is the engine's per-job history document.
type jobHistory struct {
	Status struct {
		Completed bool            `json:"completed"`
		StatusStr string          `json:"status_str"`
		Messages  [][]json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// JobState summarizes a job's progress.
type JobState int

const (
	StatePending JobState = iota
	StateCompleted
	StateFailed
)

// Status fetches the job's current state. An engine-reported failure
// is returned as a *WorkflowError with the exception type and message
// pulled from the engine's message log.
func (c *Client) Status(ctx context.Context, jobID string) (JobState, error) {
	hist, err := c.history(ctx, jobID)
	if err != nil {
		return StatePending, err
	}
	if hist == nil {
		return StatePending, nil
	}
	if hist.Status.Completed {
		return StateCompleted, nil
	}
	if hist.Status.StatusStr == "error" {
		return StateFailed, executionError(hist)
	}
	return StatePending, nil
}

// executionError extracts the structured exception from the engine's
// message log. Messages are [kind, payload] pairs; the payload of an
// "execution_error" entry carries exception_type and exception_message.
func executionError(hist *jobHistory) *WorkflowError {
	we := &WorkflowError{Type: "Error", Message: "Unknown"}
	for _, msg := range hist.Status.Messages {
		if len(msg) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var payload struct {
			ExceptionType    string `json:"exception_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(msg[1], &payload); err == nil {
			if payload.ExceptionType != "" {
				we.Type = payload.ExceptionType
			}
			if payload.ExceptionMessage != "" {
				we.Message = payload.ExceptionMessage
			}
		}
		break
	}
	return we
}

// AwaitCompletion polls the job at a fixed interval until it
// completes, the engine reports failure, or maxWait elapses. Timeout
// is surfaced as fault.ErrTimeout, distinct from engine-reported
// failure, so the caller's retry policy can tell "never finished" from
// "finished badly".
func (c *Client) AwaitCompletion(ctx context.Context, jobID string, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		state, err := c.Status(ctx, jobID)
		switch {
		case err != nil && state == StateFailed:
			return err
		case err != nil:
			// Transient history-fetch failure; keep polling until the budget runs out.
		case state == StateCompleted:
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("synthesis: job %s not completed after %s: %w", jobID, maxWait, fault.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("synthesis: await completion: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// FetchResult downloads the finished job's image bytes.
func (c *Client) FetchResult(ctx context.Context, jobID string) ([]byte, error) {
	hist, err := c.history(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if hist == nil {
		return nil, ErrNoImage
	}

	var ref *imageRef
	for _, out := range hist.Outputs {
		if len(out.Images) > 0 {
			ref = &out.Images[0]
			break
		}
	}
	if ref == nil {
		return nil, ErrNoImage
	}

	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("synthesis: create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis: download image: %v: %w", err, fault.ErrNetwork)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesis: download status %d: %w", resp.StatusCode, fault.ErrBackend)
	}
	return io.ReadAll(resp.Body)
}

// history fetches the job-history document; a nil result means the
// engine has no entry for the job yet.
func (c *Client) history(ctx context.Context, jobID string) (*jobHistory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("synthesis: create history request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis: fetch history: %v: %w", err, fault.ErrNetwork)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesis: history status %d: %w", resp.StatusCode, fault.ErrBackend)
	}

	// The history document is keyed by job id.
	var doc map[string]jobHistory
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("synthesis: decode history: %w", err)
	}
	hist, ok := doc[jobID]
	if !ok {
		return nil, nil
	}
	return &hist, nil
}

// NewSeed draws a fresh random seed for one synthesis iteration.
func NewSeed() int64 {
	return rand.Int64N(4294967295) + 1
}
