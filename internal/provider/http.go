package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

// APIError carries a non-2xx provider response.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status=%d message=%s", e.Provider, e.Status, e.Message)
}

// Client is the JSON-over-HTTPS transport shared by the gateway clients.
type Client struct {
	Name    string
	BaseURL string
	HTTP    *http.Client
	// Auth decorates each request, typically with a bearer token.
	Auth func(*http.Request)
}

// DoJSON sends body (if any) and decodes a 2xx response into out. Network
// errors, 429 and 5xx map to ErrProviderUnavailable; other 4xx responses
// wrap ErrRejected around an *APIError.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.Name, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Auth != nil {
		c.Auth(req)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return apperr.Unavailable(c.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Unavailable(c.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Provider: c.Name, Status: resp.StatusCode, Message: errorMessage(raw)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return apperr.Unavailable(c.Name, apiErr)
		}
		return fmt.Errorf("%w: %w", ErrRejected, apiErr)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.Name, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var env struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Message != "" {
		return env.Message
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
