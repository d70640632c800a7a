package syncer

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"devpulse/pkg/github"
	"devpulse/pkg/storage"
)

// memStore implements the slice of storage.Store the coordinator and worker
// use, entirely in memory.
type memStore struct {
	storage.Store

	repos      map[uint]*storage.Repository
	statuses   map[uint]*storage.SyncStatus
	pulls      []storage.PullRequest
	nextRepoID uint

	progress  []string
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{
		repos:      map[uint]*storage.Repository{},
		statuses:   map[uint]*storage.SyncStatus{},
		nextRepoID: 1,
	}
}

func (s *memStore) InTransaction(ctx context.Context, fn func(tx storage.Store) error) error {
	return fn(s)
}

func (s *memStore) UpsertRepository(_ context.Context, record storage.Repository) (*storage.Repository, error) {
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	for _, existing := range s.repos {
		if existing.TeamID == record.TeamID && existing.GithubID == record.GithubID {
			record.ID = existing.ID
			record.Active = true
			s.repos[record.ID] = &record
			return &record, nil
		}
	}
	record.ID = s.nextRepoID
	s.nextRepoID++
	record.Active = true
	s.repos[record.ID] = &record
	return &record, nil
}

func (s *memStore) GetRepository(_ context.Context, id uint) (*storage.Repository, error) {
	return s.repos[id], nil
}

func (s *memStore) SetRepositoryWebhook(_ context.Context, id uint, webhookID int64) error {
	repo, ok := s.repos[id]
	if !ok {
		return errors.New("no such repository")
	}
	repo.WebhookID = &webhookID
	return nil
}

func (s *memStore) EnsureSyncStatus(_ context.Context, repositoryID uint) error {
	if _, ok := s.statuses[repositoryID]; !ok {
		s.statuses[repositoryID] = &storage.SyncStatus{
			RepositoryID: repositoryID,
			Status:       storage.SyncPending,
		}
	}
	return nil
}

func (s *memStore) GetSyncStatus(_ context.Context, repositoryID uint) (*storage.SyncStatus, error) {
	return s.statuses[repositoryID], nil
}

func (s *memStore) ClaimSync(_ context.Context, repositoryID uint) (bool, error) {
	status, ok := s.statuses[repositoryID]
	if !ok || status.Status == storage.SyncInProgress {
		return false, nil
	}
	status.Status = storage.SyncInProgress
	return true, nil
}

func (s *memStore) RecordSyncProgress(_ context.Context, repositoryID uint, cursor string, added int, rateRemaining int, rateReset *time.Time) error {
	status := s.statuses[repositoryID]
	status.Cursor = cursor
	status.TotalPRsSynced += added
	status.RateLimitRemaining = rateRemaining
	s.progress = append(s.progress, cursor)
	return nil
}

func (s *memStore) FinishSync(_ context.Context, repositoryID uint, state, lastError string) error {
	status := s.statuses[repositoryID]
	status.Status = state
	status.LastError = lastError
	if state == storage.SyncSuccess {
		now := time.Now()
		status.LastSyncAt = &now
	}
	return nil
}

func (s *memStore) UpsertPullRequest(_ context.Context, record storage.PullRequest) error {
	s.pulls = append(s.pulls, record)
	return nil
}

// fakeClient scripts provider responses.
type fakeClient struct {
	repo    github.Repository
	repoErr error

	batches   []github.PullRequestBatch
	batchErrs []error
	calls     int
	queries   []github.PullRequestQuery

	hookID  int64
	hookErr error

	rate    github.Rate
	rateSet bool
}

func (c *fakeClient) GetRepository(_ context.Context, _, _ string) (github.Repository, error) {
	return c.repo, c.repoErr
}

func (c *fakeClient) SetupWebhook(_ context.Context, _, _, _, _ string, _ []string) (int64, error) {
	return c.hookID, c.hookErr
}

func (c *fakeClient) BatchFetchPullRequests(_ context.Context, _, _ string, query github.PullRequestQuery) (github.PullRequestBatch, error) {
	i := c.calls
	c.calls++
	c.queries = append(c.queries, query)
	if i < len(c.batchErrs) && c.batchErrs[i] != nil {
		return github.PullRequestBatch{}, c.batchErrs[i]
	}
	if i >= len(c.batches) {
		return github.PullRequestBatch{}, nil
	}
	return c.batches[i], nil
}

func (c *fakeClient) LastKnownRate() (github.Rate, bool) {
	return c.rate, c.rateSet
}

type fakeQueue struct {
	jobs []SyncArgs
	err  error
}

func (q *fakeQueue) EnqueueSync(_ context.Context, args SyncArgs) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	q.jobs = append(q.jobs, args)
	return int64(len(q.jobs)), nil
}

type staticTokens struct{ token string }

func (t staticTokens) AccessTokenForTeam(_ context.Context, _ string) (string, error) {
	return t.token, nil
}

func testCoordinator(store *memStore, client *fakeClient, queue *fakeQueue) *Coordinator {
	return NewCoordinator(
		store,
		staticTokens{token: "gho_test"},
		func(string, string) Client { return client },
		queue,
		WebhookConfig{URL: "https://devpulse.example.com/webhooks/github", Secret: "hook-secret"},
		log.New(log.Writer(), "test ", 0),
	)
}

// TestConnectRepositoryPersistsAndInstallsWebhook covers the happy path:
// ownership verified, rows written, hook id recorded.
func TestConnectRepositoryPersistsAndInstallsWebhook(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{
		repo: github.Repository{
			ID: 9001, Name: "demo", FullName: "octocat/demo",
			DefaultBranch: "main", Private: true,
		},
		hookID: 41,
	}
	coord := testCoordinator(store, client, &fakeQueue{})

	saved, err := coord.ConnectRepository(context.Background(), "team-1", "octocat", "demo", 9001)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if saved.ID == 0 || saved.FullName != "octocat/demo" {
		t.Fatalf("unexpected repository %+v", saved)
	}
	if saved.WebhookID == nil || *saved.WebhookID != 41 {
		t.Fatalf("expected webhook id 41, got %v", saved.WebhookID)
	}
	if _, ok := store.statuses[saved.ID]; !ok {
		t.Fatal("expected sync status bootstrap row")
	}
}

// TestConnectRepositoryInvisibleMeansForbidden maps the provider's 404 on
// ownership probing to a not-owned error.
func TestConnectRepositoryInvisibleMeansForbidden(t *testing.T) {
	client := &fakeClient{repoErr: &github.NotFoundError{Resource: "repos/octocat/secret"}}
	coord := testCoordinator(newMemStore(), client, &fakeQueue{})

	_, err := coord.ConnectRepository(context.Background(), "team-1", "octocat", "secret", 0)
	if !errors.Is(err, ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
}

// TestConnectRepositoryIDMismatch rejects a caller-supplied id that does
// not match the provider record.
func TestConnectRepositoryIDMismatch(t *testing.T) {
	client := &fakeClient{repo: github.Repository{ID: 9001, Name: "demo", FullName: "octocat/demo"}}
	coord := testCoordinator(newMemStore(), client, &fakeQueue{})

	_, err := coord.ConnectRepository(context.Background(), "team-1", "octocat", "demo", 1234)
	if !errors.Is(err, ErrRepositoryMismatch) {
		t.Fatalf("expected ErrRepositoryMismatch, got %v", err)
	}
}

// TestConnectRepositorySurvivesWebhookFailure verifies hook installation is
// best effort.
func TestConnectRepositorySurvivesWebhookFailure(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{
		repo:    github.Repository{ID: 9001, Name: "demo", FullName: "octocat/demo"},
		hookErr: &github.APIError{StatusCode: 502, Message: "bad gateway"},
	}
	coord := testCoordinator(store, client, &fakeQueue{})

	saved, err := coord.ConnectRepository(context.Background(), "team-1", "octocat", "demo", 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if saved.WebhookID != nil {
		t.Fatal("expected no webhook id after failed setup")
	}
}

// TestTriggerSyncClaimsAndEnqueues covers the claim plus enqueue path and
// the conflict on a second trigger.
func TestTriggerSyncClaimsAndEnqueues(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{repo: github.Repository{ID: 9001, Name: "demo", FullName: "octocat/demo"}}
	queue := &fakeQueue{}
	coord := testCoordinator(store, client, queue)

	saved, err := coord.ConnectRepository(context.Background(), "team-1", "octocat", "demo", 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	jobID, err := coord.TriggerSync(context.Background(), "team-1", saved.ID, SyncOptions{})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if jobID == 0 || len(queue.jobs) != 1 {
		t.Fatalf("expected one queued job, got id=%d jobs=%d", jobID, len(queue.jobs))
	}
	if queue.jobs[0].Owner != "octocat" || queue.jobs[0].RepositoryID != saved.ID {
		t.Fatalf("unexpected job args %+v", queue.jobs[0])
	}

	_, err = coord.TriggerSync(context.Background(), "team-1", saved.ID, SyncOptions{})
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

// TestTriggerSyncReleasesClaimOnEnqueueFailure keeps the repository
// triggerable after a queue outage.
func TestTriggerSyncReleasesClaimOnEnqueueFailure(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{repo: github.Repository{ID: 9001, Name: "demo", FullName: "octocat/demo"}}
	queue := &fakeQueue{err: errors.New("queue down")}
	coord := testCoordinator(store, client, queue)

	saved, err := coord.ConnectRepository(context.Background(), "team-1", "octocat", "demo", 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := coord.TriggerSync(context.Background(), "team-1", saved.ID, SyncOptions{}); err == nil {
		t.Fatal("expected trigger to fail")
	}
	status := store.statuses[saved.ID]
	if status.Status != storage.SyncFailed {
		t.Fatalf("expected released claim, got status %q", status.Status)
	}

	queue.err = nil
	if _, err := coord.TriggerSync(context.Background(), "team-1", saved.ID, SyncOptions{}); err != nil {
		t.Fatalf("retrigger after release: %v", err)
	}
}

// TestTriggerSyncEnforcesOwnership blocks one team from syncing another
// team's repository.
func TestTriggerSyncEnforcesOwnership(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{repo: github.Repository{ID: 9001, Name: "demo", FullName: "octocat/demo"}}
	coord := testCoordinator(store, client, &fakeQueue{})

	saved, err := coord.ConnectRepository(context.Background(), "team-1", "octocat", "demo", 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err = coord.TriggerSync(context.Background(), "team-2", saved.ID, SyncOptions{})
	if !errors.Is(err, ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}

	var notFound *github.NotFoundError
	_, err = coord.TriggerSync(context.Background(), "team-1", saved.ID+99, SyncOptions{})
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for unknown repository, got %v", err)
	}
}
