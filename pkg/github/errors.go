package github

import (
	"fmt"
	"time"
)

// APIError is the catch-all for upstream failures that are none of the more
// specific kinds below. It carries the HTTP status so callers can still make
// coarse decisions.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("github api error: status %d: %s", e.StatusCode, e.Message)
}

// RateLimitError is raised when the remaining quota hits zero, either
// reported by a 403/429 response or remembered from the previous call.
type RateLimitError struct {
	Remaining int
	Reset     time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github rate limit exhausted: remaining=%d reset=%s", e.Remaining, e.Reset.UTC().Format(time.RFC3339))
}

// AuthError indicates the token was rejected (401) or an OAuth exchange
// failed.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "github auth error: " + e.Message
}

// NotFoundError indicates the resource does not exist or the token cannot
// see it. GitHub does not distinguish the two, which is why this error also
// serves as the ownership check when connecting a repository.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return "github resource not found: " + e.Resource
}
