package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiError carries a non-2xx escrowd response.
type apiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("escrowd: %d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("escrowd: %d: %s", e.Status, e.Message)
}

type client struct {
	base   string
	token  string
	caller string
	http   *http.Client
}

func newClient(base, token, caller string) *client {
	return &client{
		base:   strings.TrimRight(strings.TrimSpace(base), "/"),
		token:  strings.TrimSpace(token),
		caller: strings.TrimSpace(caller),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

type requestOptions struct {
	query          url.Values
	idempotencyKey string
	accept         string
}

func (c *client) newRequest(ctx context.Context, method, path string, body any, opts requestOptions) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	target := c.base + path
	if len(opts.query) > 0 {
		target += "?" + opts.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.accept != "" {
		req.Header.Set("Accept", opts.accept)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.caller != "" {
		req.Header.Set("X-Caller", c.caller)
	}
	if opts.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.idempotencyKey)
	}
	return req, nil
}

// call sends a JSON request and decodes a JSON response into out when non-nil.
func (c *client) call(ctx context.Context, method, path string, body any, opts requestOptions, out any) error {
	raw, err := c.fetch(ctx, method, path, body, opts)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// fetch returns the raw response body of a successful request.
func (c *client) fetch(ctx context.Context, method, path string, body any, opts requestOptions) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body, opts)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode, Kind: resp.Header.Get("X-Error-Kind")}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	return raw, nil
}

func escrowPath(id string, action string) string {
	p := "/v1/escrows/" + url.PathEscape(strings.TrimSpace(id))
	if action != "" {
		p += "/" + action
	}
	return p
}
