// Package storage defines the persisted records and the persistence
// contract. Implementations live in subpackages.
package storage

import (
	"context"
	"time"
)

// Sync outcome values for SyncStatus.Status.
const (
	SyncPending    = "pending"
	SyncInProgress = "in_progress"
	SyncSuccess    = "success"
	SyncFailed     = "failed"
)

// Installation is a stored, encrypted OAuth credential linking a team to a
// GitHub identity. At most one row exists per (team, provider user).
type Installation struct {
	ID               uint
	TeamID           string
	UserID           string
	ProviderUserID   int64
	ProviderUsername string
	EncryptedToken   string
	Scope            string
	TokenType        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Repository is a connected GitHub repository. Unique per (team, github id);
// disconnecting a team deactivates rows instead of deleting them so webhook
// history keeps its foreign keys.
type Repository struct {
	ID            uint
	TeamID        string
	GithubID      int64
	Owner         string
	Name          string
	FullName      string
	DefaultBranch string
	Private       bool
	Active        bool
	WebhookID     *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SyncStatus tracks sync progress for one repository (1:1).
type SyncStatus struct {
	RepositoryID       uint
	Status             string
	LastSyncAt         *time.Time
	LastError          string
	TotalPRsSynced     int
	Cursor             string
	LastCommitSHA      string
	RateLimitRemaining int
	RateLimitReset     *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WebhookEvent is one inbound delivery, keyed by the provider delivery id.
// Rows are append-only from this subsystem's point of view; the downstream
// processor flips Processed.
type WebhookEvent struct {
	ID           uint
	RepositoryID uint
	EventType    string
	DeliveryID   string
	Action       string
	Payload      []byte
	Processed    bool
	ProcessedAt  *time.Time
	Error        string
	CreatedAt    time.Time
}

// RateLimitSnapshot is the last quota report per (installation, resource).
type RateLimitSnapshot struct {
	InstallationID uint
	Resource       string
	Limit          int
	Remaining      int
	Reset          time.Time
	UpdatedAt      time.Time
}

// PullRequest is the per-PR fact row the metrics pipeline aggregates over.
type PullRequest struct {
	ID           uint
	RepositoryID uint
	Number       int
	Title        string
	State        string
	AuthorLogin  string
	Additions    int
	Deletions    int
	ChangedFiles int
	ReviewCount  int
	OpenedAt     time.Time
	LastActiveAt time.Time
	MergedAt     *time.Time
	ClosedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the persistence contract for the sync subsystem. Lookups return
// (nil, nil) when no row matches.
type Store interface {
	// InTransaction runs fn against a store scoped to one transaction:
	// commit when fn returns nil, rollback on error or panic.
	InTransaction(ctx context.Context, fn func(tx Store) error) error

	UpsertInstallation(ctx context.Context, record Installation) error
	LatestInstallationForTeam(ctx context.Context, teamID string) (*Installation, error)
	DeleteInstallationsForTeam(ctx context.Context, teamID string) error

	UpsertRepository(ctx context.Context, record Repository) (*Repository, error)
	GetRepository(ctx context.Context, id uint) (*Repository, error)
	GetRepositoryByGithubID(ctx context.Context, githubID int64) (*Repository, error)
	ListRepositoriesForTeam(ctx context.Context, teamID string) ([]Repository, error)
	SetRepositoryWebhook(ctx context.Context, id uint, webhookID int64) error
	DeactivateRepositoriesForTeam(ctx context.Context, teamID string) error

	EnsureSyncStatus(ctx context.Context, repositoryID uint) error
	GetSyncStatus(ctx context.Context, repositoryID uint) (*SyncStatus, error)
	// ClaimSync atomically moves a repository's sync status to
	// in_progress and reports whether this caller won the claim.
	ClaimSync(ctx context.Context, repositoryID uint) (bool, error)
	RecordSyncProgress(ctx context.Context, repositoryID uint, cursor string, added int, rateRemaining int, rateReset *time.Time) error
	FinishSync(ctx context.Context, repositoryID uint, status, lastError string) error

	// InsertWebhookEvent inserts with conflict-do-nothing semantics on the
	// delivery id and reports whether a new row was written.
	InsertWebhookEvent(ctx context.Context, record WebhookEvent) (bool, error)
	ListUnprocessedEvents(ctx context.Context, limit int) ([]WebhookEvent, error)

	UpsertRateLimit(ctx context.Context, record RateLimitSnapshot) error
	UpsertPullRequest(ctx context.Context, record PullRequest) error
	ListPullRequestsForRepository(ctx context.Context, repositoryID uint) ([]PullRequest, error)

	Close() error
}
