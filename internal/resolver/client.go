// Package resolver is the HTTP client of the query resolver service, which turns
// Trilogy text plus model sources into dialect SQL.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// DefaultTimeout bounds a single resolver call.
const DefaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// Address is the resolver base URL, e.g. http://localhost:5678
	Address string
	// Timeout bounds each request (default 30s)
	Timeout time.Duration
	// HTTPClient overrides the transport (optional)
	HTTPClient *http.Client
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Client talks to the resolver service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a resolver client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("resolver address is not configured")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.Address, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// GenerateQuery resolves one query.
func (c *Client) GenerateQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	var out QueryResponse
	if err := c.post(ctx, "/generate_query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateQueries resolves several labelled queries in one round trip.
func (c *Client) GenerateQueries(ctx context.Context, req MultiQueryRequest) (*MultiQueryResponse, error) {
	var out MultiQueryResponse
	if err := c.post(ctx, "/generate_queries", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateQuery returns diagnostics for a query and its extra filters.
func (c *Client) ValidateQuery(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	var out ValidateResponse
	if err := c.post(ctx, "/validate_query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DrilldownQuery rewrites a query for a drilldown and returns the new text.
func (c *Client) DrilldownQuery(ctx context.Context, req DrilldownRequest) (string, error) {
	var out DrilldownResponse
	if err := c.post(ctx, "/drilldown_query", req, &out); err != nil {
		return "", err
	}
	return out.Query, nil
}

// errorBody is the resolver's error payload.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling resolver %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading resolver %s response: %w", path, err)
	}
	c.logger.Debug("resolver call", "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return &core.ResolutionError{Message: detailMessage(data)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("resolver %s returned status %d: %s", path, resp.StatusCode, detailMessage(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding resolver %s response: %w", path, err)
	}
	return nil
}

// detailMessage extracts the "detail" message, which is either a string or a
// list of validation errors.
func detailMessage(data []byte) string {
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(data))
	}
	var msg string
	if err := json.Unmarshal(body.Detail, &msg); err == nil {
		return msg
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			msgs = append(msgs, it.Msg)
		}
		return strings.Join(msgs, "; ")
	}
	return string(body.Detail)
}
