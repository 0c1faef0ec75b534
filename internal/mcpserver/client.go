package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/voucherescrow/internal/auth"
)

// Config holds the configuration for reaching the operator API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // sent as X-Admin-Secret
}

// Envelope is the operator API response shape.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Kind    string          `json:"kind,omitempty"`
}

// APIError is a non-2xx operator API response.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d, %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// EscrowClient is an HTTP client for /v1/admin/escrow.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new operator API client.
func NewEscrowClient(cfg Config) *EscrowClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			// Releases wait for confirmation
			Timeout: 3 * time.Minute,
		},
	}
}

const basePath = "/v1/admin/escrow"

func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (*Envelope, error) {
	u, err := url.Parse(c.cfg.APIURL + basePath + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.AdminSecret != "" {
		req.Header.Set(auth.HeaderAdminSecret, c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env Envelope
	decodeErr := json.Unmarshal(respBody, &env)
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		if decodeErr == nil && env.Message != "" {
			apiErr.Message = env.Message
			apiErr.Kind = env.Kind
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return &env, nil
}

// Status returns the controller status.
func (c *EscrowClient) Status(ctx context.Context) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodGet, "/status", nil, nil)
}

// Init initializes the controller.
func (c *EscrowClient) Init(ctx context.Context) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodPost, "/init", nil, nil)
}

// Start starts reconciliation.
func (c *EscrowClient) Start(ctx context.Context) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodPost, "/start", nil, nil)
}

// Stop stops reconciliation.
func (c *EscrowClient) Stop(ctx context.Context) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodPost, "/stop", nil, nil)
}

// ScanPending runs a scan now.
func (c *EscrowClient) ScanPending(ctx context.Context) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodPost, "/scan", nil, nil)
}

// Release settles a listing to its seller.
func (c *EscrowClient) Release(ctx context.Context, id uint64) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodPost, "/listings/"+strconv.FormatUint(id, 10)+"/release", nil, nil)
}

// Refund returns a listing's funds to its buyer.
func (c *EscrowClient) Refund(ctx context.Context, id uint64) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodPost, "/listings/"+strconv.FormatUint(id, 10)+"/refund", nil, nil)
}

// Attempts lists journal records, optionally filtered by status. An empty
// cursor starts from the most recent attempt.
func (c *EscrowClient) Attempts(ctx context.Context, status string, limit int, cursor string) (*Envelope, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/attempts", q, nil)
}

// Attempt returns the journal record for one listing.
func (c *EscrowClient) Attempt(ctx context.Context, id uint64) (*Envelope, error) {
	return c.doRequest(ctx, http.MethodGet, "/attempts/"+strconv.FormatUint(id, 10), nil, nil)
}
