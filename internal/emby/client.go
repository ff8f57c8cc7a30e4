package emby

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"emby-panel/internal/apperr"
	"emby-panel/internal/model"

	"go.uber.org/zap"
)

const (
	DefaultTimeout = 10 * time.Second
	tokenHeader    = "X-Emby-Token"
	maxErrorBody   = 4 << 10
)

// APIError is a non-2xx answer from an upstream server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("emby returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("emby returned status: %d", e.StatusCode)
}

// StatusOf returns the upstream status code carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client talks to exactly one upstream server.
type Client struct {
	server  model.Server
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client = &http.Client{Timeout: d}
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func NewClient(server model.Server, opts ...Option) *Client {
	c := &Client{
		server:  server,
		baseURL: strings.TrimRight(server.URL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		log:     zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("emby").With(zap.String("server_id", server.ID))
	return c
}

// Factory builds a client for a server descriptor.
type Factory func(model.Server) *Client

func NewFactory(opts ...Option) Factory {
	return func(server model.Server) *Client {
		return NewClient(server, opts...)
	}
}

func (c *Client) Server() model.Server {
	return c.server
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperr.Internal("encode upstream request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return apperr.Upstream(fmt.Sprintf("invalid server url for %s", c.server.Name), err, false, false)
	}
	req.Header.Set(tokenHeader, c.server.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Upstream(fmt.Sprintf("server %s is unreachable", c.server.Name), err, true, true)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		msg := apiErr.Message
		if msg == "" {
			msg = fmt.Sprintf("server %s rejected the request (status %d)", c.server.Name, resp.StatusCode)
		}
		return apperr.Upstream(msg, apiErr, false, resp.StatusCode >= http.StatusInternalServerError)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Upstream(fmt.Sprintf("server %s sent an unreadable response", c.server.Name), err, false, true)
	}
	return nil
}

// errorMessage extracts a human readable reason from an error body, which
// upstream servers send either as plain text or as a JSON object.
func errorMessage(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "{") {
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err == nil {
			for _, key := range []string{"message", "Message", "error", "ErrorMessage"} {
				if s, ok := body[key].(string); ok && s != "" {
					return s
				}
			}
		}
		return ""
	}
	if strings.HasPrefix(text, "<") {
		return ""
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func normalizeTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() || t.Year() <= 1 {
		return nil
	}
	u := t.UTC()
	return &u
}
