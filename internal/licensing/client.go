// Package licensing is the client for the external key-licensing API.
//
// Every endpoint answers with the same envelope:
//
//	{"status": "success"|"error", "message": "...", "data": ...}
//
// A call succeeds only when the HTTP status is 2xx and the envelope status is
// not "error". A 404 on a key-scoped endpoint is reported as ErrNotFound so
// callers can tell "the key is gone" apart from transient failures.
package licensing

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

	"golang.org/x/time/rate"

	"github.com/resellerhub/backend/internal/metrics"
)

// APIVersion is the response contract this client speaks.
const APIVersion = "v1"

// ErrNotFound means the licensing API does not know the key.
var ErrNotFound = errors.New("licensing: key not found")

// APIError is a non-2xx or status=error response that is not ErrNotFound.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("licensing: status %d", e.StatusCode)
	}
	return fmt.Sprintf("licensing: status %d: %s", e.StatusCode, e.Message)
}

// Status values accepted by ChangeStatus.
const (
	StatusBlocked = 0
	StatusActive  = 1
)

type KeyInfo struct {
	KeyCode       string     `json:"key_code"`
	Status        int        `json:"status"`
	ActivateCount int        `json:"activate_count"`
	ActivateLimit int        `json:"activate_limit"`
	Duration      int        `json:"duration"`
	Unit          string     `json:"unit"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

type Device struct {
	UDID        string     `json:"udid"`
	Name        string     `json:"name,omitempty"`
	Banned      bool       `json:"banned"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// KeyDetails is the detail lookup payload.
type KeyDetails struct {
	Key     KeyInfo  `json:"key"`
	Devices []Device `json:"devices"`
}

type CreateParams struct {
	DurationDays int
	PackageIDs   []int32
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the licensing API with a server-held API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Option func(*Client)

// WithHTTPClient overrides the default timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outbound calls per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateKey issues a new key and returns its code.
func (c *Client) CreateKey(ctx context.Context, p CreateParams) (string, error) {
	body := map[string]any{
		"quantity":    1,
		"package_ids": p.PackageIDs,
		"duration":    p.DurationDays,
		"unit":        "day",
	}
	var out struct {
		KeyCode string `json:"key_code"`
	}
	if err := c.do(ctx, "create", http.MethodPost, "/keys", body, &out); err != nil {
		return "", err
	}
	if out.KeyCode == "" {
		return "", &APIError{StatusCode: http.StatusOK, Message: "no key code in response"}
	}
	return out.KeyCode, nil
}

// Details returns the key and its activated devices.
func (c *Client) Details(ctx context.Context, code string) (*KeyDetails, error) {
	var out KeyDetails
	if err := c.do(ctx, "details", http.MethodGet, keyPath(code), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangeStatus blocks (StatusBlocked) or unblocks (StatusActive) a key.
func (c *Client) ChangeStatus(ctx context.Context, code string, status int) error {
	return c.do(ctx, "change_status", http.MethodPatch, keyPath(code)+"/status", map[string]int{"status": status}, nil)
}

// Reset clears the key's activations.
func (c *Client) Reset(ctx context.Context, code string) error {
	return c.do(ctx, "reset", http.MethodPost, keyPath(code)+"/reset", nil, nil)
}

func (c *Client) Delete(ctx context.Context, code string) error {
	return c.do(ctx, "delete", http.MethodDelete, keyPath(code), nil, nil)
}

// BanDevice bans one device identifier from using the key.
func (c *Client) BanDevice(ctx context.Context, code, udid string) error {
	return c.do(ctx, "ban_device", http.MethodPost, keyPath(code)+"/ban-device", map[string]string{"udid": udid}, nil)
}

func keyPath(code string) string {
	return "/keys/" + url.PathEscape(code)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	defer func() { metrics.LicensingCalls.WithLabelValues(op, outcome(err)).Inc() }()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("licensing %s: %w", op, err)
	}

	var reader io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("licensing %s: encode: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+APIVersion+path, reader)
	if err != nil {
		return fmt.Errorf("licensing %s: %w", op, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("licensing %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("licensing %s: read body: %w", op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/keys/") {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if decodeErr != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "invalid JSON response"}
	}
	if strings.EqualFold(env.Status, "error") {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "unexpected data shape"}
		}
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "api_error"
		}
		return "transport_error"
	}
}

// ErrorMessage returns the licensing API's own message when there is one.
func ErrorMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return ""
}
