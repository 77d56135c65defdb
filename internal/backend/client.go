// Package backend is the HTTP client for the question-answering service.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
)

// ClientConfig configures the backend client
type ClientConfig struct {
	BaseURL string        // e.g., "http://localhost:8080"
	APIKey  string        // sent as x-api-key when set
	Timeout time.Duration // per-request timeout
	TopK    int           // sources requested per question
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://localhost:8080",
		Timeout: 30 * time.Second,
		TopK:    3,
	}
}

// Client talks to /api/suggest, /api/ask and /api/tts.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new backend client
func NewClient(cfg *ClientConfig, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("component", "backend").Logger(),
	}
}

// Timeout is the configured per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.config.Timeout
}

// Suggest fetches starter questions.
func (c *Client) Suggest(ctx context.Context) ([]string, error) {
	var resp suggestResponse
	if err := c.post(ctx, "/api/suggest", struct{}{}, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug().Int("count", len(resp.Suggestions)).Str("source", resp.Source).Msg("Suggestions received")
	return resp.Suggestions, nil
}

// Ask sends a question and returns the answer with its sources.
func (c *Client) Ask(ctx context.Context, question string) (*Answer, error) {
	var ans Answer
	if err := c.post(ctx, "/api/ask", askRequest{Question: question, TopK: c.config.TopK}, &ans); err != nil {
		return nil, err
	}
	c.logger.Debug().
		Int("textLen", len(ans.Text)).
		Int("sources", len(ans.Sources)).
		Msg("Answer received")
	return &ans, nil
}

// Speak synthesizes text. The returned AudioData may be empty; callers
// decide whether that is an error.
func (c *Client) Speak(ctx context.Context, text string) (*SpeechResponse, error) {
	var resp SpeechResponse
	if err := c.post(ctx, "/api/tts", ttsRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	errb := oops.In("backend").With("path", path)

	body, err := sonic.Marshal(in)
	if err != nil {
		return errb.Wrapf(err, "marshal request")
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errb.Wrapf(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("x-api-key", c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("Request failed")
		return errb.Wrapf(fmt.Errorf("%w: %w", ErrTransport, err), "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errb.Wrapf(fmt.Errorf("%w: %w", ErrTransport, err), "read response")
	}

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Backend response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		_ = sonic.Unmarshal(respBody, &apiErr)
		if apiErr.Error == quotaExceededCode {
			return errb.With("status", resp.StatusCode).Wrap(ErrQuotaExceeded)
		}
		return errb.
			With("status", resp.StatusCode).
			Wrapf(fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, truncate(string(respBody), 200)), "request rejected")
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(respBody, out); err != nil {
		return errb.Wrapf(fmt.Errorf("%w: %w", ErrTransport, err), "decode response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
