// Package syncer coordinates repository connections and pull request
// synchronization runs.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"devpulse/pkg/github"
	"devpulse/pkg/storage"
)

var (
	// ErrNotOwned is returned when the team's credentials cannot see the
	// repository or the repository belongs to a different team.
	ErrNotOwned = errors.New("repository is not accessible to this team")
	// ErrRepositoryMismatch is returned when the caller-supplied provider id
	// does not match the repository the provider returned.
	ErrRepositoryMismatch = errors.New("repository id does not match provider record")
	// ErrSyncInProgress is returned when a sync is already running for the
	// repository.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Client is the slice of the provider API the coordinator and worker use.
// *github.Client satisfies it.
type Client interface {
	GetRepository(ctx context.Context, owner, name string) (github.Repository, error)
	SetupWebhook(ctx context.Context, owner, name, hookURL, secret string, events []string) (int64, error)
	BatchFetchPullRequests(ctx context.Context, owner, name string, query github.PullRequestQuery) (github.PullRequestBatch, error)
	LastKnownRate() (github.Rate, bool)
}

// TokenSource resolves the access token a team's sync traffic runs under.
// *install.Manager satisfies it.
type TokenSource interface {
	AccessTokenForTeam(ctx context.Context, teamID string) (string, error)
}

// ClientFactory builds a provider client bound to one team's access token.
// The team id lets the factory attach per-installation concerns such as
// rate-limit snapshot persistence.
type ClientFactory func(teamID, token string) Client

// Queue hands sync jobs to the background queue and returns the job id.
type Queue interface {
	EnqueueSync(ctx context.Context, args SyncArgs) (int64, error)
}

// WebhookConfig describes the webhook the coordinator installs on connected
// repositories.
type WebhookConfig struct {
	URL    string
	Secret string
	Events []string
}

// Coordinator connects repositories and launches sync runs.
type Coordinator struct {
	store     storage.Store
	tokens    TokenSource
	newClient ClientFactory
	queue     Queue
	webhook   WebhookConfig
	logger    *log.Logger
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(store storage.Store, tokens TokenSource, factory ClientFactory, queue Queue, webhook WebhookConfig, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	if len(webhook.Events) == 0 {
		webhook.Events = []string{"pull_request", "pull_request_review", "push"}
	}
	return &Coordinator{
		store:     store,
		tokens:    tokens,
		newClient: factory,
		queue:     queue,
		webhook:   webhook,
		logger:    logger,
	}
}

// ConnectRepository verifies the team can see the repository through its own
// credentials, persists it, and bootstraps its sync status in a single
// transaction. Webhook installation happens after commit and is best effort;
// polling sync covers repositories whose hook could not be created.
func (c *Coordinator) ConnectRepository(ctx context.Context, teamID, owner, name string, githubID int64) (*storage.Repository, error) {
	if teamID == "" || owner == "" || name == "" {
		return nil, errors.New("team id, owner, and name are required")
	}
	token, err := c.tokens.AccessTokenForTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	client := c.newClient(teamID, token)

	remote, err := client.GetRepository(ctx, owner, name)
	if err != nil {
		var notFound *github.NotFoundError
		if errors.As(err, &notFound) {
			// The provider hides repositories the token cannot read, so
			// not-found here means no access.
			return nil, fmt.Errorf("%w: %s/%s", ErrNotOwned, owner, name)
		}
		return nil, err
	}
	if githubID != 0 && remote.ID != githubID {
		return nil, fmt.Errorf("%w: got %d, provider has %d", ErrRepositoryMismatch, githubID, remote.ID)
	}

	var saved *storage.Repository
	err = c.store.InTransaction(ctx, func(tx storage.Store) error {
		record, err := tx.UpsertRepository(ctx, storage.Repository{
			TeamID:        teamID,
			GithubID:      remote.ID,
			Owner:         owner,
			Name:          remote.Name,
			FullName:      remote.FullName,
			DefaultBranch: remote.DefaultBranch,
			Private:       remote.Private,
		})
		if err != nil {
			return err
		}
		saved = record
		return tx.EnsureSyncStatus(ctx, record.ID)
	})
	if err != nil {
		return nil, err
	}

	if c.webhook.URL != "" {
		hookID, err := client.SetupWebhook(ctx, owner, name, c.webhook.URL, c.webhook.Secret, c.webhook.Events)
		if err != nil {
			c.logger.Printf("webhook setup failed for %s/%s, polling will cover it: %v", owner, name, err)
		} else if err := c.store.SetRepositoryWebhook(ctx, saved.ID, hookID); err != nil {
			c.logger.Printf("webhook id persist failed for %s/%s: %v", owner, name, err)
		} else {
			saved.WebhookID = &hookID
		}
	}

	return saved, nil
}

// SyncOptions selects what a triggered run covers. Full walks the whole
// pull request history again; Since overrides the stored watermark for an
// incremental run.
type SyncOptions struct {
	Full  bool
	Since *time.Time
}

// TriggerSync claims the repository's sync slot and enqueues a background
// sync job. The claim is released by the worker when the run finishes.
func (c *Coordinator) TriggerSync(ctx context.Context, teamID string, repositoryID uint, opts SyncOptions) (int64, error) {
	repo, err := c.repositoryForTeam(ctx, teamID, repositoryID)
	if err != nil {
		return 0, err
	}

	if err := c.store.EnsureSyncStatus(ctx, repo.ID); err != nil {
		return 0, err
	}
	claimed, err := c.store.ClaimSync(ctx, repo.ID)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, ErrSyncInProgress
	}

	jobID, err := c.queue.EnqueueSync(ctx, SyncArgs{
		RepositoryID: repo.ID,
		TeamID:       repo.TeamID,
		Owner:        repo.Owner,
		Name:         repo.Name,
		Full:         opts.Full,
		Since:        opts.Since,
	})
	if err != nil {
		// Release the claim so a later trigger is not stuck behind a job
		// that never existed.
		if finishErr := c.store.FinishSync(ctx, repo.ID, storage.SyncFailed, "enqueue failed: "+err.Error()); finishErr != nil {
			c.logger.Printf("release claim after enqueue failure: %v", finishErr)
		}
		return 0, fmt.Errorf("enqueue sync: %w", err)
	}
	c.logger.Printf("sync queued repository=%d team=%s job=%d", repo.ID, repo.TeamID, jobID)
	return jobID, nil
}

// SyncStatus returns the repository's sync status, enforcing team ownership.
func (c *Coordinator) SyncStatus(ctx context.Context, teamID string, repositoryID uint) (*storage.SyncStatus, error) {
	if _, err := c.repositoryForTeam(ctx, teamID, repositoryID); err != nil {
		return nil, err
	}
	status, err := c.store.GetSyncStatus(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, &github.NotFoundError{Resource: fmt.Sprintf("sync status for repository %d", repositoryID)}
	}
	return status, nil
}

// ListRepositories returns the team's connected repositories.
func (c *Coordinator) ListRepositories(ctx context.Context, teamID string) ([]storage.Repository, error) {
	return c.store.ListRepositoriesForTeam(ctx, teamID)
}

func (c *Coordinator) repositoryForTeam(ctx context.Context, teamID string, repositoryID uint) (*storage.Repository, error) {
	repo, err := c.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, &github.NotFoundError{Resource: fmt.Sprintf("repository %d", repositoryID)}
	}
	if repo.TeamID != teamID {
		return nil, ErrNotOwned
	}
	return repo, nil
}
