package cmd

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

	apperrors "github.com/3leaps/godispatch/internal/errors"
)

// apiClient talks to a running coordinator's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

// apiError is a non-2xx response decoded from the error envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func newAPIClient(server string, timeout time.Duration) (*apiClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(server), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", server)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{base: u.String(), http: &http.Client{Timeout: timeout}}, nil
}

// do sends body with contentType and decodes a JSON response into out.
// A 204 leaves out untouched and returns (false, nil).
func (c *apiClient) do(ctx context.Context, method, path, contentType string, body []byte, out any) (bool, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return false, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return false, decodeAPIError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
	}
	return true, nil
}

func decodeAPIError(status int, raw []byte) error {
	var env apperrors.HTTPErrorResponse
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		return &apiError{Status: status, Code: env.Error.Code, Message: env.Error.Message, Details: env.Error.Details}
	}
	return &apiError{Status: status, Message: strings.TrimSpace(string(raw))}
}
