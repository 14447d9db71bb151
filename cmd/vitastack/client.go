package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kalambet/vitastack/internal/config"
)

// apiClient talks to a running vitastack server.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: "http://" + cfg.Server.Addr(),
		token:   cfg.Server.APIToken,
		// Streams are bounded by the server's model timeout, not here.
		httpClient: &http.Client{},
	}, nil
}

func (c *apiClient) post(ctx context.Context, path, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is vitastack running? (%w)", err)
	}
	return resp, nil
}

// streamProtocol posts a profile to /v1/protocol and copies the protocol text
// to w as it arrives. The final session status is read from the response
// trailer once the body is drained.
func (c *apiClient) streamProtocol(ctx context.Context, payload []byte, w io.Writer) error {
	resp, err := c.post(ctx, "/v1/protocol", "application/json", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading protocol stream: %w", err)
	}

	switch status := resp.Trailer.Get("X-Session-Status"); status {
	case "", "normal":
		return nil
	default:
		return fmt.Errorf("session ended with status %s", status)
	}
}

func decodeError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, envelope.Error.Message)
	}
	if len(body) == 0 {
		return errors.New(http.StatusText(resp.StatusCode))
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
