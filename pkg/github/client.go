// Package github is a hand-rolled GitHub API client: REST for repository,
// webhook, and rate-limit operations, GraphQL for the batched pull request
// query. Every failure maps to one of the typed errors in errors.go, and
// every response has its rate-limit headers inspected before the body is
// parsed.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL    = "https://api.github.com"
	defaultGraphQLURL = "https://api.github.com/graphql"

	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond

	// lowQuotaWarning is the remaining-quota threshold below which a
	// warning is logged even on successful responses.
	lowQuotaWarning = 50
)

// RateObserver receives fresh rate-limit snapshots as API calls report them.
type RateObserver func(resource string, rate Rate)

// Client talks to GitHub on behalf of one access token. All sync state
// (cursors, installation tokens) is supplied by the caller; the only mutable
// field is the per-instance rate-limit memory, which is never shared between
// instances.
type Client struct {
	token      string
	baseURL    string
	graphqlURL string
	httpClient *http.Client
	logger     *log.Logger
	observer   RateObserver

	mu       sync.Mutex
	rate     Rate
	rateSeen bool
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		base = strings.TrimRight(base, "/")
		c.baseURL = base
		c.graphqlURL = base + "/graphql"
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRateObserver registers a callback for rate-limit snapshots.
func WithRateObserver(observer RateObserver) Option {
	return func(c *Client) { c.observer = observer }
}

// New creates a client for one access token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		baseURL:    defaultBaseURL,
		graphqlURL: defaultGraphQLURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListRepositories lists repositories visible to the token.
func (c *Client) ListRepositories(ctx context.Context, filters RepositoryFilters) ([]Repository, error) {
	query := url.Values{}
	if filters.Visibility != "" {
		query.Set("visibility", filters.Visibility)
	}
	if filters.Affiliation != "" {
		query.Set("affiliation", filters.Affiliation)
	}
	if filters.Sort != "" {
		query.Set("sort", filters.Sort)
	}
	if filters.Page > 0 {
		query.Set("page", strconv.Itoa(filters.Page))
	}
	if filters.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(filters.PerPage))
	}

	var repos []Repository
	if err := c.do(ctx, http.MethodGet, "/user/repos", query, nil, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// GetRepository fetches one repository. A NotFoundError means the token
// either cannot see it or it does not exist, which doubles as the ownership
// verification step before connecting a repository.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (Repository, error) {
	var repo Repository
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, name), nil, nil, &repo)
	return repo, err
}

// GetAuthenticatedUser fetches the identity behind the token.
func (c *Client) GetAuthenticatedUser(ctx context.Context) (User, error) {
	var user User
	err := c.do(ctx, http.MethodGet, "/user", nil, nil, &user)
	return user, err
}

// GetPullRequestReviews is the REST fallback for single-PR review detail.
func (c *Client) GetPullRequestReviews(ctx context.Context, owner, name string, number int) ([]Review, error) {
	var reviews []Review
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, name, number)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &reviews); err != nil {
		return nil, err
	}
	return reviews, nil
}

// GetPullRequestCommits is the REST fallback for single-PR commit detail.
func (c *Client) GetPullRequestCommits(ctx context.Context, owner, name string, number int) ([]Commit, error) {
	var commits []Commit
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits", owner, name, number)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// SetupWebhook installs a webhook pointing at hookURL, updating in place if
// one with the same target already exists. Calling it twice never produces a
// second hook.
func (c *Client) SetupWebhook(ctx context.Context, owner, name, hookURL, secret string, events []string) (int64, error) {
	var hooks []Hook
	hooksPath := fmt.Sprintf("/repos/%s/%s/hooks", owner, name)
	if err := c.do(ctx, http.MethodGet, hooksPath, nil, nil, &hooks); err != nil {
		return 0, err
	}

	body := map[string]interface{}{
		"active": true,
		"events": events,
		"config": map[string]interface{}{
			"url":          hookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	}

	for _, hook := range hooks {
		if hook.Config.URL != hookURL {
			continue
		}
		var updated Hook
		patchPath := fmt.Sprintf("%s/%d", hooksPath, hook.ID)
		if err := c.do(ctx, http.MethodPatch, patchPath, nil, body, &updated); err != nil {
			return 0, err
		}
		return updated.ID, nil
	}

	var created Hook
	if err := c.do(ctx, http.MethodPost, hooksPath, nil, body, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// RemoveWebhook deletes a hook by id. A 404 means it is already gone and is
// treated as success.
func (c *Client) RemoveWebhook(ctx context.Context, owner, name string, hookID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/hooks/%d", owner, name, hookID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// GetRateLimit fetches the current core and GraphQL quotas.
func (c *Client) GetRateLimit(ctx context.Context) (RateLimits, error) {
	var payload struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
			GraphQL struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"graphql"`
		} `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "/rate_limit", nil, nil, &payload); err != nil {
		return RateLimits{}, err
	}
	limits := RateLimits{
		Core: Rate{
			Limit:     payload.Resources.Core.Limit,
			Remaining: payload.Resources.Core.Remaining,
			Reset:     time.Unix(payload.Resources.Core.Reset, 0).UTC(),
		},
		GraphQL: Rate{
			Limit:     payload.Resources.GraphQL.Limit,
			Remaining: payload.Resources.GraphQL.Remaining,
			Reset:     time.Unix(payload.Resources.GraphQL.Reset, 0).UTC(),
		},
	}
	c.recordRate("core", limits.Core)
	c.recordRate("graphql", limits.GraphQL)
	return limits, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.checkKnownQuota(); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint = endpoint + "?" + query.Encode()
	}

	var encoded []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		encoded = raw
	}

	resp, err := c.send(ctx, method, endpoint, encoded)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.observeRateHeaders(resp)
	if err := c.classify(resp, path); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs the HTTP round trip, retrying transient network failures
// with a fixed backoff. HTTP-level errors (any status code) are never
// retried here; classification decides what they mean.
func (c *Client) send(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Printf("github request failed (attempt %d/%d): %v", attempt+1, retryAttempts, err)
	}
	return nil, fmt.Errorf("github request failed after %d attempts: %w", retryAttempts, lastErr)
}

// classify maps a non-2xx response to the error taxonomy. Rate-limit
// exhaustion wins over the plain 403/429 meaning.
func (c *Client) classify(resp *http.Response, resource string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		if rate, ok := rateFromHeaders(resp); ok && rate.Remaining == 0 {
			return &RateLimitError{Remaining: rate.Remaining, Reset: rate.Reset}
		}
	}

	message := readErrorMessage(resp.Body)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &AuthError{Message: message}
	case http.StatusNotFound:
		return &NotFoundError{Resource: resource}
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
}

// observeRateHeaders records the rate-limit snapshot every response carries,
// warning when the quota is nearly gone.
func (c *Client) observeRateHeaders(resp *http.Response) {
	rate, ok := rateFromHeaders(resp)
	if !ok {
		return
	}
	resource := resp.Header.Get("X-RateLimit-Resource")
	if resource == "" {
		resource = "core"
	}
	c.recordRate(resource, rate)
	if rate.Remaining > 0 && rate.Remaining < lowQuotaWarning {
		c.logger.Printf("github rate limit low: resource=%s remaining=%d reset=%s", resource, rate.Remaining, rate.Reset.UTC().Format(time.RFC3339))
	}
}

func (c *Client) recordRate(resource string, rate Rate) {
	c.mu.Lock()
	c.rate = rate
	c.rateSeen = true
	c.mu.Unlock()
	if c.observer != nil {
		c.observer(resource, rate)
	}
}

// checkKnownQuota fails fast when the previous response reported zero
// remaining quota and the reset time has not passed yet, instead of burning
// a request that is guaranteed to 403.
func (c *Client) checkKnownQuota() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rateSeen || c.rate.Remaining > 0 {
		return nil
	}
	if time.Now().Before(c.rate.Reset) {
		return &RateLimitError{Remaining: 0, Reset: c.rate.Reset}
	}
	// Reset time has passed; forget the stale snapshot.
	c.rateSeen = false
	return nil
}

// LastKnownRate reports the most recent rate-limit snapshot seen by this
// client instance.
func (c *Client) LastKnownRate() (Rate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate, c.rateSeen
}

func rateFromHeaders(resp *http.Response) (Rate, bool) {
	remainingHeader := resp.Header.Get("X-RateLimit-Remaining")
	if remainingHeader == "" {
		return Rate{}, false
	}
	remaining, err := strconv.Atoi(remainingHeader)
	if err != nil {
		return Rate{}, false
	}
	rate := Rate{Remaining: remaining}
	if limit, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); err == nil {
		rate.Limit = limit
	}
	if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		rate.Reset = time.Unix(reset, 0).UTC()
	}
	return rate, true
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(raw))
}
