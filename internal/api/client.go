package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPClient abstracts HTTP operations for testability. *http.Client
// satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client drives a running shim tool server.
type Client struct {
	baseURL string
	http    HTTPClient
}

// NewClient returns a client for the server at baseURL. A nil hc uses
// http.DefaultClient.
func NewClient(baseURL string, hc HTTPClient) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// State fetches the exam state.
func (c *Client) State(ctx context.Context) (*StateResponse, error) {
	var st StateResponse
	if err := c.do(ctx, http.MethodGet, "/api/state", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RunProcedure runs a procedure and returns the state after it. slice is
// ignored when negative.
func (c *Client) RunProcedure(ctx context.Context, name string, slice int) (*StateResponse, error) {
	q := url.Values{}
	if slice >= 0 {
		q.Set("slice", strconv.Itoa(slice))
	}
	var st StateResponse
	if err := c.do(ctx, http.MethodPost, "/api/procedures/"+name, q, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ClearError leaves the tool's error state.
func (c *Client) ClearError(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/clear-error", nil, nil)
}

// Connect asks the server to (re)open its device connections.
func (c *Client) Connect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/connect", nil, nil)
}

// SetShimMode selects "slice-wise" or "volume" solutions.
func (c *Client) SetShimMode(ctx context.Context, mode string) error {
	return c.do(ctx, http.MethodPost, "/api/shim-mode", url.Values{"mode": {mode}}, nil)
}

// SaveResults asks the server to write a results directory and returns it.
func (c *Client) SaveResults(ctx context.Context) (string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodPost, "/api/results", nil, &out); err != nil {
		return "", err
	}
	return out["dir"], nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
