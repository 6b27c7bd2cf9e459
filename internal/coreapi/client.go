package coreapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eversaid/wrapper/internal/config"
	"github.com/eversaid/wrapper/internal/metrics"
)

// ErrUnavailable is returned when the Core API cannot be reached or does not
// answer within the configured timeout.
var ErrUnavailable = errors.New("core api unavailable")

// APIError is a non-2xx answer from the Core API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("core api returned %d: %s", e.StatusCode, e.Body)
}

// Unauthorized reports whether the Core API rejected the credentials.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// Client talks to the Core API auth endpoints and forwards authenticated
// calls on behalf of anonymous sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg config.CoreAPIConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a Core API user.
func (c *Client) Register(ctx context.Context, email, password string) error {
	return c.postJSON(ctx, "register", "/api/v1/auth/register", credentials{email, password}, nil)
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (*Tokens, error) {
	var t Tokens
	if err := c.postJSON(ctx, "login", "/api/v1/auth/login", credentials{email, password}, &t); err != nil {
		return nil, err
	}
	if t.AccessToken == "" || t.RefreshToken == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Body: "login response is missing tokens"}
	}
	return &t, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	var t Tokens
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.postJSON(ctx, "refresh", "/api/v1/auth/refresh", body, &t); err != nil {
		return nil, err
	}
	if t.AccessToken == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Body: "refresh response is missing tokens"}
	}
	if t.RefreshToken == "" {
		t.RefreshToken = refreshToken
	}
	return &t, nil
}

// Forward sends an authenticated request to the Core API and returns the
// raw response. The caller owns resp.Body. Only transport failures are
// errors here; status handling is up to the caller.
func (c *Client) Forward(ctx context.Context, method, path, accessToken string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.TokenServiceRequestDuration.WithLabelValues(op, outcome(err)).Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", ErrUnavailable, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("decoding %s response: %v", op, err)}
	}
	return nil
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("%dxx", apiErr.StatusCode/100)
	default:
		return "error"
	}
}
