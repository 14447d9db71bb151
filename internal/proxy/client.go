package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL       = "https://api.openai.com/v1"
	defaultTimeout       = 60 * time.Second
	defaultStreamTimeout = 120 * time.Second
	maxRetries           = 3
	initialBackoff       = 500 * time.Millisecond
)

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	streamTimeout time.Duration
}

// NewClient creates a client for the default endpoint with the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		// Deadlines come from the request context so long streams are not cut
		// off by a client-wide timeout.
		httpClient:    &http.Client{},
		streamTimeout: defaultStreamTimeout,
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// SetStreamTimeout bounds how long a single streaming request may hold the
// upstream connection. Non-positive values keep the default.
func (c *Client) SetStreamTimeout(d time.Duration) {
	if d > 0 {
		c.streamTimeout = d
	}
}

// Chat sends a chat completion request and returns the response body as a
// ReadCloser. For streaming requests the body contains SSE events; the caller
// is responsible for closing it. For non-streaming requests the body contains
// the complete JSON response.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	timeout := defaultTimeout
	if req.Stream {
		timeout = c.streamTimeout
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doChat(ctx, body, timeout)
		if err == nil {
			return rc, nil
		}

		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// ErrStreamTruncated is returned by Stream when the body ends before the
// service signalled completion with [DONE] or a finish_reason.
var ErrStreamTruncated = errors.New("model stream ended before completion")

// Stream runs a streaming chat completion and calls onDelta for every
// non-empty content delta, in the order the service produced them. It
// returns nil only once the service signals completion. An error from onDelta
// aborts the request and is returned unchanged.
func (c *Client) Stream(ctx context.Context, req ChatRequest, onDelta func(delta string) error) error {
	req.Stream = true
	rc, err := c.Chat(ctx, req)
	if err != nil {
		return err
	}
	defer rc.Close()

	finished := false
	err = readSSE(rc, func(data string) error {
		if data == "[DONE]" {
			return errStreamDone
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return &StreamError{Message: chunk.Error.Message, Type: chunk.Error.Type}
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil {
				finished = true
			}
			if choice.Delta.Content == "" {
				continue
			}
			if err := onDelta(choice.Delta.Content); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errStreamDone) {
		return nil
	}
	if err == nil {
		if finished {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrStreamTruncated, io.ErrUnexpectedEOF)
	}
	var te *transportError
	if errors.As(err, &te) && ctx.Err() != nil {
		return fmt.Errorf("reading stream: %w", ctx.Err())
	}
	return err
}

// StreamError is an error event sent by the service in the middle of a stream.
type StreamError struct {
	Message string
	Type    string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return "model stream error: " + e.Message
	}
	return fmt.Sprintf("model stream error (%s): %s", e.Type, e.Message)
}

var errStreamDone = errors.New("stream done")

// StatusError is returned when the service answers with a non-200 status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *Client) doChat(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	// Wrap the body so the timeout context cancel is called when the caller closes it.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = &transportError{err: err}
	}
	return n, err
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// transportError marks failures reading the upstream body.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "upstream read error: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// ListModels returns the models visible to the configured API key.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
