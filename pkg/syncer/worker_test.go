package syncer

import (
	"context"
	"testing"
	"time"

	"devpulse/pkg/github"
	"devpulse/pkg/storage"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

type recordingNotifier struct {
	topics   []string
	payloads []map[string]interface{}
}

func (n *recordingNotifier) Publish(_ context.Context, topic string, payload map[string]interface{}) error {
	n.topics = append(n.topics, topic)
	n.payloads = append(n.payloads, payload)
	return nil
}

func syncJob(args SyncArgs) *river.Job[SyncArgs] {
	return &river.Job[SyncArgs]{
		JobRow: &rivertype.JobRow{ID: 7},
		Args:   args,
	}
}

func claimedStore(t *testing.T, repositoryID uint) *memStore {
	t.Helper()
	store := newMemStore()
	store.repos[repositoryID] = &storage.Repository{ID: repositoryID, TeamID: "team-1", Owner: "octocat", Name: "demo", Active: true}
	if err := store.EnsureSyncStatus(context.Background(), repositoryID); err != nil {
		t.Fatalf("ensure status: %v", err)
	}
	if _, err := store.ClaimSync(context.Background(), repositoryID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return store
}

func testWorker(store *memStore, client *fakeClient, notifier Notifier) *SyncWorker {
	w := NewSyncWorker(WorkerConfig{
		Store:     store,
		Tokens:    staticTokens{token: "gho_test"},
		NewClient: func(string, string) Client { return client },
		Notifier:  notifier,
		PageSize:  2,
	})
	w.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	return w
}

func pr(number int, updated time.Time) github.PullRequest {
	return github.PullRequest{
		Number:    number,
		Title:     "change",
		State:     "MERGED",
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
	}
}

// TestWorkerSyncsAllPages walks a two-page repository, records the cursor
// after each page, and finishes with a success status and a completion
// event.
func TestWorkerSyncsAllPages(t *testing.T) {
	now := time.Now().UTC()
	store := claimedStore(t, 1)
	client := &fakeClient{
		batches: []github.PullRequestBatch{
			{Items: []github.PullRequest{pr(2, now), pr(1, now.Add(-time.Minute))}, HasNextPage: true, EndCursor: "cur-1", OldestUpdatedAt: now.Add(-time.Minute)},
			{Items: []github.PullRequest{pr(3, now.Add(-2 * time.Minute))}, HasNextPage: false, EndCursor: "cur-2", OldestUpdatedAt: now.Add(-2 * time.Minute)},
		},
		rate:    github.Rate{Limit: 5000, Remaining: 4800, Reset: now.Add(time.Hour)},
		rateSet: true,
	}
	notifier := &recordingNotifier{}
	w := testWorker(store, client, notifier)

	err := w.Work(context.Background(), syncJob(SyncArgs{RepositoryID: 1, TeamID: "team-1", Owner: "octocat", Name: "demo"}))
	if err != nil {
		t.Fatalf("work: %v", err)
	}

	status := store.statuses[1]
	if status.Status != storage.SyncSuccess {
		t.Fatalf("expected success, got %q (%s)", status.Status, status.LastError)
	}
	if status.TotalPRsSynced != 3 || len(store.pulls) != 3 {
		t.Fatalf("expected 3 synced pull requests, got counter=%d rows=%d", status.TotalPRsSynced, len(store.pulls))
	}
	if got := store.progress; len(got) != 2 || got[0] != "cur-1" || got[1] != "cur-2" {
		t.Fatalf("expected cursor after each page, got %v", got)
	}
	if len(notifier.topics) != 1 || notifier.topics[0] != TopicSyncCompleted {
		t.Fatalf("expected completion event, got %v", notifier.topics)
	}
	if client.queries[1].Cursor != "cur-1" {
		t.Fatalf("expected second page to resume from cur-1, got %q", client.queries[1].Cursor)
	}
}

// TestWorkerResumesFromPersistedCursor continues a half-finished run from
// its stored cursor instead of page one.
func TestWorkerResumesFromPersistedCursor(t *testing.T) {
	store := claimedStore(t, 1)
	store.statuses[1].Cursor = "cur-7"
	client := &fakeClient{
		batches: []github.PullRequestBatch{
			{Items: []github.PullRequest{pr(9, time.Now())}, HasNextPage: false, EndCursor: "cur-8"},
		},
	}
	w := testWorker(store, client, nil)

	if err := w.Work(context.Background(), syncJob(SyncArgs{RepositoryID: 1, TeamID: "team-1", Owner: "octocat", Name: "demo"})); err != nil {
		t.Fatalf("work: %v", err)
	}
	if client.queries[0].Cursor != "cur-7" {
		t.Fatalf("expected resume from cur-7, got %q", client.queries[0].Cursor)
	}
}

// TestWorkerStopsAtIncrementalCutoff verifies an incremental run does not
// walk pages older than the last completed sync.
func TestWorkerStopsAtIncrementalCutoff(t *testing.T) {
	now := time.Now().UTC()
	lastSync := now.Add(-24 * time.Hour)
	store := claimedStore(t, 1)
	store.statuses[1].LastSyncAt = &lastSync
	client := &fakeClient{
		batches: []github.PullRequestBatch{
			{Items: []github.PullRequest{pr(5, now)}, HasNextPage: true, EndCursor: "cur-1", OldestUpdatedAt: now.Add(-48 * time.Hour)},
			{Items: []github.PullRequest{pr(4, now.Add(-72 * time.Hour))}, HasNextPage: true, EndCursor: "cur-2"},
		},
	}
	w := testWorker(store, client, nil)

	if err := w.Work(context.Background(), syncJob(SyncArgs{RepositoryID: 1, TeamID: "team-1", Owner: "octocat", Name: "demo"})); err != nil {
		t.Fatalf("work: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected the run to stop after one page, made %d calls", client.calls)
	}
	if client.queries[0].Since.IsZero() {
		t.Fatal("expected incremental query to carry a since cutoff")
	}
	if store.statuses[1].Status != storage.SyncSuccess {
		t.Fatalf("expected success, got %q", store.statuses[1].Status)
	}
}

// TestWorkerPausesOnRateLimit retries the page after a quota exhaustion
// instead of failing the run.
func TestWorkerPausesOnRateLimit(t *testing.T) {
	now := time.Now().UTC()
	store := claimedStore(t, 1)
	client := &fakeClient{
		batchErrs: []error{&github.RateLimitError{Remaining: 0, Reset: now.Add(time.Minute)}},
		batches: []github.PullRequestBatch{
			{},
			{Items: []github.PullRequest{pr(1, now)}, HasNextPage: false, EndCursor: "cur-1"},
		},
	}
	w := testWorker(store, client, nil)
	var paused time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		paused = d
		return nil
	}

	if err := w.Work(context.Background(), syncJob(SyncArgs{RepositoryID: 1, TeamID: "team-1", Owner: "octocat", Name: "demo"})); err != nil {
		t.Fatalf("work: %v", err)
	}
	if paused <= 0 {
		t.Fatal("expected the worker to pause for the quota reset")
	}
	if client.calls != 2 {
		t.Fatalf("expected a retry after the pause, made %d calls", client.calls)
	}
	if store.statuses[1].Status != storage.SyncSuccess {
		t.Fatalf("expected success after retry, got %q", store.statuses[1].Status)
	}
}

// TestWorkerRecordsFailure marks the run failed and emits a failure event
// when the provider errors out.
func TestWorkerRecordsFailure(t *testing.T) {
	store := claimedStore(t, 1)
	client := &fakeClient{
		batchErrs: []error{&github.APIError{StatusCode: 502, Message: "bad gateway"}},
	}
	notifier := &recordingNotifier{}
	w := testWorker(store, client, notifier)

	err := w.Work(context.Background(), syncJob(SyncArgs{RepositoryID: 1, TeamID: "team-1", Owner: "octocat", Name: "demo"}))
	if err == nil {
		t.Fatal("expected work to return the provider error")
	}
	status := store.statuses[1]
	if status.Status != storage.SyncFailed || status.LastError == "" {
		t.Fatalf("expected failed status with message, got %+v", status)
	}
	if len(notifier.topics) != 1 || notifier.topics[0] != TopicSyncFailed {
		t.Fatalf("expected failure event, got %v", notifier.topics)
	}
}

// TestWorkerReclaimsOnRetry lets a retried job of a failed run take the
// claim itself, and rejects jobs for repositories without a status row.
func TestWorkerReclaimsOnRetry(t *testing.T) {
	now := time.Now().UTC()
	store := claimedStore(t, 1)
	store.statuses[1].Status = storage.SyncFailed
	client := &fakeClient{
		batches: []github.PullRequestBatch{
			{Items: []github.PullRequest{pr(1, now)}, HasNextPage: false, EndCursor: "cur-1"},
		},
	}
	w := testWorker(store, client, nil)

	if err := w.Work(context.Background(), syncJob(SyncArgs{RepositoryID: 1, TeamID: "team-1", Owner: "octocat", Name: "demo"})); err != nil {
		t.Fatalf("work: %v", err)
	}
	if store.statuses[1].Status != storage.SyncSuccess {
		t.Fatalf("expected retried run to succeed, got %q", store.statuses[1].Status)
	}

	if err := w.Work(context.Background(), syncJob(SyncArgs{RepositoryID: 99, TeamID: "team-1", Owner: "octocat", Name: "demo"})); err == nil {
		t.Fatal("expected error for repository without sync status")
	}
}

// TestWorkerFullSyncDiscardsWatermark verifies a full run starts from page
// one and ignores the incremental cutoff.
func TestWorkerFullSyncDiscardsWatermark(t *testing.T) {
	now := time.Now().UTC()
	lastSync := now.Add(-time.Hour)
	store := claimedStore(t, 1)
	store.statuses[1].Cursor = "cur-old"
	store.statuses[1].LastSyncAt = &lastSync
	client := &fakeClient{
		batches: []github.PullRequestBatch{
			{Items: []github.PullRequest{pr(2, now)}, HasNextPage: true, EndCursor: "cur-1", OldestUpdatedAt: now.Add(-48 * time.Hour)},
			{Items: []github.PullRequest{pr(1, now.Add(-72 * time.Hour))}, HasNextPage: false, EndCursor: "cur-2"},
		},
	}
	w := testWorker(store, client, nil)

	if err := w.Work(context.Background(), syncJob(SyncArgs{RepositoryID: 1, TeamID: "team-1", Owner: "octocat", Name: "demo", Full: true})); err != nil {
		t.Fatalf("work: %v", err)
	}
	if client.queries[0].Cursor != "" {
		t.Fatalf("expected full sync to start from page one, got cursor %q", client.queries[0].Cursor)
	}
	if !client.queries[0].Since.IsZero() {
		t.Fatalf("expected full sync without a since filter, got %v", client.queries[0].Since)
	}
	if len(client.queries) != 2 {
		t.Fatalf("expected the old watermark to be ignored, got %d pages", len(client.queries))
	}
}

// TestWorkerSinceOverride prefers a caller-supplied watermark over the
// stored one.
func TestWorkerSinceOverride(t *testing.T) {
	now := time.Now().UTC()
	lastSync := now.Add(-time.Hour)
	override := now.Add(-30 * 24 * time.Hour)
	store := claimedStore(t, 1)
	store.statuses[1].LastSyncAt = &lastSync
	client := &fakeClient{
		batches: []github.PullRequestBatch{
			{Items: []github.PullRequest{pr(1, now)}, HasNextPage: false, EndCursor: "cur-1"},
		},
	}
	w := testWorker(store, client, nil)

	args := SyncArgs{RepositoryID: 1, TeamID: "team-1", Owner: "octocat", Name: "demo", Since: &override}
	if err := w.Work(context.Background(), syncJob(args)); err != nil {
		t.Fatalf("work: %v", err)
	}
	if !client.queries[0].Since.Equal(override) {
		t.Fatalf("expected since %v, got %v", override, client.queries[0].Since)
	}
}
