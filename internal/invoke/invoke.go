// ABOUTME: Blocking HTTP client for an agent's /invocations endpoint
// ABOUTME: Joins the text parts of the result content into one reply

package invoke

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
)

// ErrNoContent is returned when a successful response carries no text.
var ErrNoContent = errors.New("invocation returned no text content")

// Request is the invocation body.
type Request struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}

// Response is the invocation reply envelope.
type Response struct {
	Result struct {
		Role    string `json:"role"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

// Text joins the non-empty content parts with a blank line.
func (r Response) Text() string {
	var parts []string
	for _, c := range r.Result.Content {
		if strings.TrimSpace(c.Text) != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invocation request failed (%d): %s", e.StatusCode, e.Body)
}

// Client posts prompts to one invocation URL.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client for url. A nil httpClient gets a 2 minute timeout.
func New(url string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        url,
		httpClient: httpClient,
		logger:     logger.With("component", "invoke", "url", url),
	}
}

// URL returns the invocation endpoint.
func (c *Client) URL() string { return c.url }

// Invoke sends the prompt and waits for the full reply.
func (c *Client) Invoke(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("invoking agent: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("invocation failed", "status", resp.StatusCode)
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	text := out.Text()
	if text == "" {
		return "", ErrNoContent
	}
	return text, nil
}
