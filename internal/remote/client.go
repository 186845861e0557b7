// Package remote implements the sync backend over the row store HTTP API.
package remote

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

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 64 << 10
)

var errMissingBaseURL = errors.New("remote: base url is required")

// StatusError is a non-2xx response. It wraps protocol.ErrRejected or protocol.ErrUnavailable.
type StatusError struct {
	Status  int
	Code    string
	Message string
	class   error
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.class
}

// Config describes how to reach the backend.
type Config struct {
	BaseURL string
	// Token returns the current session token; it may be nil for unauthenticated probes.
	Token      func() string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the row store API.
type Client struct {
	baseURL    *url.URL
	token      func() string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	token := cfg.Token
	if token == nil {
		token = func() string { return "" }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, token: token, httpClient: httpClient, logger: logger}, nil
}

// Upsert sends rows to POST /v1/tables/{table}/upsert.
func (c *Client) Upsert(ctx context.Context, table string, rows []protocol.Row, conflictKeys []string) error {
	request := protocol.UpsertRequest{Rows: rows, ConflictKeys: conflictKeys}
	return c.do(ctx, http.MethodPost, tablePath(table, "upsert"), request, nil)
}

// Update sends a conditional update to POST /v1/tables/{table}/update.
func (c *Client) Update(ctx context.Context, table string, patch protocol.Row, match protocol.Predicate) error {
	request := protocol.UpdateRequest{Patch: patch, Match: match}
	return c.do(ctx, http.MethodPost, tablePath(table, "update"), request, nil)
}

// Select reads rows through POST /v1/tables/{table}/select.
func (c *Client) Select(ctx context.Context, query protocol.Query) ([]protocol.Row, error) {
	var response protocol.SelectResponse
	if err := c.do(ctx, http.MethodPost, tablePath(query.Table, "select"), query.SelectRequest, &response); err != nil {
		return nil, err
	}
	return response.Rows, nil
}

// Ping checks GET /healthz.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func tablePath(table, action string) string {
	return "/v1/tables/" + url.PathEscape(protocol.NormalizeTable(table)) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", protocol.ErrRejected, err)
		}
		payload = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrUnavailable, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, response.Body)
			return nil
		}
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", protocol.ErrUnavailable, err)
		}
		return nil
	}

	statusErr := &StatusError{Status: response.StatusCode, class: classifyStatus(response.StatusCode)}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	var errorBody protocol.ErrorResponse
	if json.Unmarshal(raw, &errorBody) == nil && errorBody.Error != "" {
		statusErr.Code = errorBody.Code
		statusErr.Message = errorBody.Error
	} else {
		statusErr.Message = strings.TrimSpace(string(raw))
	}
	c.logger.Debug(
		"backend request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.String("code", statusErr.Code),
	)
	return statusErr
}

// classifyStatus treats authentication, throttling and server failures as transient.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return protocol.ErrUnavailable
	case status >= 400:
		return protocol.ErrRejected
	}
	return protocol.ErrUnavailable
}
