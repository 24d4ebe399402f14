// Package jira is a small client for the Jira REST v2 API: fetching a single
// issue and paging through a JQL search. Calls go through a circuit breaker
// and are retried on transient failures.
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jhgg/jeev-jiracache/internal/issue"
	"github.com/jhgg/jeev-jiracache/pkg/config"
	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	"github.com/jhgg/jeev-jiracache/pkg/metrics"
	"github.com/jhgg/jeev-jiracache/pkg/resilience"
)

const (
	issuePath  = "/rest/api/2/issue/"
	searchPath = "/rest/api/2/search"

	maxBodySize = 32 << 20
)

// Client talks to one Jira server.
type Client struct {
	server     string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	logger     *slog.Logger
}

// NewClient creates a client for cfg.Server. A nil httpClient uses a default
// one; each request is bounded by cfg.Timeout.
func NewClient(cfg config.JiraConfig, httpClient *http.Client, m *metrics.Metrics) (*Client, error) {
	server := strings.TrimRight(cfg.Server, "/")
	if server == "" {
		return nil, fmt.Errorf("%w: jira server is required", apperrors.ErrInvalidInput)
	}
	if _, err := url.Parse(server); err != nil {
		return nil, fmt.Errorf("%w: jira server %q: %v", apperrors.ErrInvalidInput, server, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if m == nil {
		m = metrics.New(nil)
	}

	breaker := resilience.NewCircuitBreaker("jira", resilience.CircuitBreakerConfig{
		IsFailure: isTransient,
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &Client{
		server:     server,
		token:      cfg.Token,
		httpClient: httpClient,
		timeout:    cfg.Timeout,
		breaker:    breaker,
		retry:      resilience.RetryConfig{MaxAttempts: 3, ShouldRetry: isTransient},
		logger:     slog.Default().With("component", "jira", "server", server),
	}, nil
}

// Server returns the base URL issues are linked to.
func (c *Client) Server() string {
	return c.server
}

// FetchOne returns a single issue. A missing issue yields an error matching
// ErrIssueNotFound.
func (c *Client) FetchOne(ctx context.Context, key, expand string) (*issue.Issue, error) {
	q := url.Values{}
	if expand != "" {
		q.Set("expand", expand)
	}
	body, err := c.get(ctx, issuePath+url.PathEscape(strings.ToUpper(key)), q)
	if err != nil {
		return nil, err
	}
	iss, err := issue.Parse(body, c.server)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrUpstream, key, err)
	}
	return iss, nil
}

type searchResponse struct {
	StartAt    int               `json:"startAt"`
	MaxResults int               `json:"maxResults"`
	Total      int               `json:"total"`
	Issues     []json.RawMessage `json:"issues"`
}

// SearchPage returns up to pageSize issues matching jql starting at
// startAt. An empty page means there is nothing further.
func (c *Client) SearchPage(ctx context.Context, jql string, pageSize, startAt int, expand string) ([]*issue.Issue, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(pageSize))
	if expand != "" {
		q.Set("expand", expand)
	}
	body, err := c.get(ctx, searchPath, q)
	if err != nil {
		return nil, err
	}

	var page searchResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: decoding search page: %v", apperrors.ErrUpstream, err)
	}
	out := make([]*issue.Issue, 0, len(page.Issues))
	for _, raw := range page.Issues {
		iss, err := issue.Parse(raw, c.server)
		if err != nil {
			return nil, fmt.Errorf("%w: search page at %d: %v", apperrors.ErrUpstream, startAt, err)
		}
		out = append(out, iss)
	}
	c.logger.Debug("search page fetched", "start_at", startAt, "returned", len(out), "total", page.Total)
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var body []byte
	err := resilience.Retry(ctx, "jira GET "+path, c.retry, func() error {
		return c.breaker.Execute(func() error {
			return resilience.WithTimeout(ctx, c.timeout, "jira GET "+path, func(ctx context.Context) error {
				var err error
				body, err = c.do(ctx, path, query)
				return err
			})
		})
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) || errors.Is(err, apperrors.ErrUpstream) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", apperrors.ErrUpstream, err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.server + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("jira: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jira: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("jira: reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}
