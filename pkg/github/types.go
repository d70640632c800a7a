package github

import "time"

// Repository is a provider-native repository record.
type Repository struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	Private       bool      `json:"private"`
	DefaultBranch string    `json:"default_branch"`
	Visibility    string    `json:"visibility"`
	UpdatedAt     time.Time `json:"updated_at"`
	Owner         struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
	} `json:"owner"`
}

// User is the authenticated provider identity.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Review is a single pull request review from the REST API.
type Review struct {
	ID          int64     `json:"id"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	SubmittedAt time.Time `json:"submitted_at"`
	User        struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
	} `json:"user"`
}

// Commit is a single pull request commit from the REST API.
type Commit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// Hook is a repository webhook.
type Hook struct {
	ID     int64    `json:"id"`
	Active bool     `json:"active"`
	Events []string `json:"events"`
	Config struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
	} `json:"config"`
}

// Rate is one resource's quota snapshot.
type Rate struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"-"`
}

// RateLimits covers the two resources the sync path consumes.
type RateLimits struct {
	Core    Rate
	GraphQL Rate
}

// PullRequest is a pull request as returned by the batched GraphQL query,
// with reviews, review requests, labels, assignees, and milestone nested.
type PullRequest struct {
	Number         int
	Title          string
	State          string
	AuthorLogin    string
	Additions      int
	Deletions      int
	ChangedFiles   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	MergedAt       *time.Time
	ClosedAt       *time.Time
	Reviews        []PullRequestReview
	ReviewRequests []string
	Labels         []string
	Assignees      []string
	Milestone      string
}

// PullRequestReview is a review nested under the GraphQL batch query.
type PullRequestReview struct {
	AuthorLogin string
	State       string
	SubmittedAt time.Time
}

// PullRequestBatch is one page of the batched pull request query.
type PullRequestBatch struct {
	Items       []PullRequest
	HasNextPage bool
	EndCursor   string
	TotalCount  int
	// OldestUpdatedAt is the minimum updatedAt on the page before any
	// client-side Since filtering, so callers can decide when an
	// incremental sync has walked past its cutoff.
	OldestUpdatedAt time.Time
}

// RepositoryFilters are the query parameters for ListRepositories.
type RepositoryFilters struct {
	Visibility  string
	Affiliation string
	Sort        string
	Page        int
	PerPage     int
}

// PullRequestQuery controls one BatchFetchPullRequests page.
type PullRequestQuery struct {
	Cursor   string
	PageSize int
	States   []string
	Since    time.Time
}
