package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// APIError is a non-2xx response from helperd.
type APIError struct {
	Status  int
	Kind    string
	Message string
	Step    string
	Receipt string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "helperd %d %s", e.Status, e.Kind)
	if e.Step != "" {
		fmt.Fprintf(&b, " (%s)", e.Step)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Receipt != "" {
		fmt.Fprintf(&b, " [receipt %s]", e.Receipt)
	}
	return b.String()
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (g *globals) client() *client {
	return &client{
		base:  strings.TrimRight(g.endpoint, "/"),
		token: g.token,
		http:  &http.Client{Timeout: g.timeout},
	}
}

type requestOption func(*http.Request)

func withIdempotencyKey(key string) requestOption {
	return func(r *http.Request) {
		if key != "" {
			r.Header.Set("Idempotency-Key", key)
		}
	}
}

// do sends body as JSON and decodes the response into out, which may be nil.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any, opts ...requestOption) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, payload []byte) error {
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
			Step    string `json:"step"`
		} `json:"error"`
		Receipt string `json:"receipt"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(payload, &body); err != nil || body.Error.Kind == "" {
		apiErr.Kind = http.StatusText(status)
		apiErr.Message = strings.TrimSpace(string(payload))
		return apiErr
	}
	apiErr.Kind = body.Error.Kind
	apiErr.Message = body.Error.Message
	apiErr.Step = body.Error.Step
	apiErr.Receipt = body.Receipt
	return apiErr
}
