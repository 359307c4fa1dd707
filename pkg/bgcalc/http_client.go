package bgcalc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Polling parameters of HTTPResult.Get.
const (
	initialResultWait = 500 * time.Millisecond
	resultWaitFactor  = 1.09

	DefaultResultWaitMaxTime = time.Hour
	DefaultHTTPTimeout       = 30 * time.Second
)

// maxErrorBody bounds the amount of an error response kept in messages.
const maxErrorBody = 1024

// ErrUnexpectedStatus is returned for non-success HTTP responses.
var ErrUnexpectedStatus = errors.New("unexpected task server response")

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the task server address, e.g. http://localhost:8082.
	BaseURL string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// ResultWaitMaxTime bounds HTTPResult.Get.
	ResultWaitMaxTime time.Duration
	// Doer overrides the HTTP client (tests).
	Doer   *http.Client
	Logger *slog.Logger
}

// HTTPClient sends tasks to a task server.
type HTTPClient struct {
	base    string
	http    *http.Client
	maxWait time.Duration
	logger  *slog.Logger
}

// NewHTTPClient creates a client for the server at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	_, err := url.ParseRequestURI(base)
	if err != nil {
		return nil, fmt.Errorf("invalid task server url %q: %w", cfg.BaseURL, err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}

	if cfg.ResultWaitMaxTime <= 0 {
		cfg.ResultWaitMaxTime = DefaultResultWaitMaxTime
	}

	client := cfg.Doer
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{base: base, http: client, maxWait: cfg.ResultWaitMaxTime, logger: logger}, nil
}

// SendTask posts the task and returns a handle polling for its result.
func (c *HTTPClient) SendTask(ctx context.Context, name string, args any) (Result, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode task args: %w", err)
	}

	var rec TaskRecord

	err = c.do(ctx, http.MethodPost, "/task/"+url.PathEscape(name), payload, &rec)
	if err != nil {
		return nil, fmt.Errorf("send task %s: %w", name, err)
	}

	return &HTTPResult{client: c, record: rec}, nil
}

// Revoke asks the server to cancel a task.
func (c *HTTPClient) Revoke(ctx context.Context, taskID string, terminate bool, signal string) error {
	q := url.Values{}
	q.Set("terminate", fmt.Sprint(terminate))
	q.Set("signal", signal)

	err := c.do(ctx, http.MethodPost, "/revoke/"+url.PathEscape(taskID)+"?"+q.Encode(), nil, nil)
	if err != nil {
		return fmt.Errorf("revoke task %s: %w", taskID, err)
	}

	return nil
}

// Fetch returns the current record of a task.
func (c *HTTPClient) Fetch(ctx context.Context, taskID string) (TaskRecord, error) {
	var rec TaskRecord

	err := c.do(ctx, http.MethodGet, "/result/"+url.PathEscape(taskID), nil, &rec)
	if err != nil {
		return TaskRecord{}, fmt.Errorf("fetch task %s: %w", taskID, err)
	}

	return rec, nil
}

// Health checks that the server responds.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return fmt.Errorf("%w: %s: %s", ErrUnexpectedStatus, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// HTTPResult polls the task server for a task outcome.
type HTTPResult struct {
	client *HTTPClient
	record TaskRecord
}

// ID returns the task identifier.
func (r *HTTPResult) ID() string { return r.record.TaskID }

// Get polls with a geometrically growing interval until the task is done or
// the configured wait limit is reached.
func (r *HTTPResult) Get(ctx context.Context) (json.RawMessage, error) {
	wait := initialResultWait
	var total time.Duration

	for {
		rec, err := r.client.Fetch(ctx, r.record.TaskID)
		if err != nil {
			return nil, err
		}

		r.record = rec

		if rec.Status == StatusDone {
			err = recordError(rec)
			if err != nil {
				return nil, err
			}

			return rec.Result, nil
		}

		if total >= r.client.maxWait {
			return nil, fmt.Errorf("%w: task %s after %s", ErrResultTimeout, rec.TaskID, total)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		total += wait
		wait = time.Duration(float64(wait) * resultWaitFactor)
	}
}
