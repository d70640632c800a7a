package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"devpulse/internal"
	"devpulse/pkg/github"
	"devpulse/pkg/storage"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// Topics published on sync completion.
const (
	TopicSyncCompleted = "sync.completed"
	TopicSyncFailed    = "sync.failed"
)

// SyncArgs identifies one repository sync run. Full discards the stored
// cursor and watermark so the run walks the whole history again; Since
// overrides the stored watermark for an incremental run.
type SyncArgs struct {
	RepositoryID uint       `json:"repository_id"`
	TeamID       string     `json:"team_id"`
	Owner        string     `json:"owner"`
	Name         string     `json:"name"`
	Full         bool       `json:"full,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
}

// Kind implements river.JobArgs.
func (SyncArgs) Kind() string { return "repository_sync" }

// RiverQueue enqueues sync jobs on a river client. Queue defaults to
// river's default queue when empty.
type RiverQueue struct {
	Client *river.Client[pgx.Tx]
	Queue  string
}

// EnqueueSync implements Queue.
func (q *RiverQueue) EnqueueSync(ctx context.Context, args SyncArgs) (int64, error) {
	var opts *river.InsertOpts
	if q.Queue != "" {
		opts = &river.InsertOpts{Queue: q.Queue}
	}
	result, err := q.Client.Insert(ctx, args, opts)
	if err != nil {
		return 0, err
	}
	return result.Job.ID, nil
}

// PageProcessor consumes one page of synced pull requests and reports how
// many it accepted.
type PageProcessor interface {
	ProcessPage(ctx context.Context, repositoryID uint, items []github.PullRequest) (int, error)
}

// StoreProcessor is the default PageProcessor: it upserts each pull request
// as a fact row for the metrics pipeline.
type StoreProcessor struct {
	Store storage.Store
}

// ProcessPage implements PageProcessor.
func (p *StoreProcessor) ProcessPage(ctx context.Context, repositoryID uint, items []github.PullRequest) (int, error) {
	added := 0
	for _, item := range items {
		record := storage.PullRequest{
			RepositoryID: repositoryID,
			Number:       item.Number,
			Title:        item.Title,
			State:        item.State,
			AuthorLogin:  item.AuthorLogin,
			Additions:    item.Additions,
			Deletions:    item.Deletions,
			ChangedFiles: item.ChangedFiles,
			ReviewCount:  len(item.Reviews),
			OpenedAt:     item.CreatedAt,
			LastActiveAt: item.UpdatedAt,
			MergedAt:     item.MergedAt,
			ClosedAt:     item.ClosedAt,
		}
		if err := p.Store.UpsertPullRequest(ctx, record); err != nil {
			return added, fmt.Errorf("upsert pull request %d: %w", item.Number, err)
		}
		added++
	}
	return added, nil
}

// Notifier publishes sync lifecycle events. Implementations must tolerate
// broker outages; the worker treats publish failures as log-only.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload map[string]interface{}) error
}

// WorkerConfig carries the sync worker's dependencies.
type WorkerConfig struct {
	Store     storage.Store
	Tokens    TokenSource
	NewClient ClientFactory
	Pages     PageProcessor
	Notifier  Notifier
	Logger    *log.Logger

	// PageSize defaults to 50.
	PageSize int
	// RateLimitBuffer is the remaining-quota floor. When a page leaves
	// fewer calls than this, the run pauses until the quota resets.
	// Defaults to 100.
	RateLimitBuffer int
}

// SyncWorker executes repository sync jobs.
type SyncWorker struct {
	river.WorkerDefaults[SyncArgs]

	cfg   WorkerConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncWorker builds the worker, filling defaults.
func NewSyncWorker(cfg WorkerConfig) *SyncWorker {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.RateLimitBuffer <= 0 {
		cfg.RateLimitBuffer = 100
	}
	if cfg.Pages == nil {
		cfg.Pages = &StoreProcessor{Store: cfg.Store}
	}
	return &SyncWorker{cfg: cfg, sleep: sleepCtx}
}

// Work runs one incremental sync. Progress is persisted after every page,
// so a run that dies resumes from its cursor instead of starting over.
func (w *SyncWorker) Work(ctx context.Context, job *river.Job[SyncArgs]) error {
	args := job.Args
	logger := w.cfg.Logger
	logger.Printf("sync start repository=%d team=%s job=%d", args.RepositoryID, args.TeamID, job.ID)

	status, err := w.cfg.Store.GetSyncStatus(ctx, args.RepositoryID)
	if err != nil {
		return err
	}
	if status == nil {
		return fmt.Errorf("repository %d has no sync status", args.RepositoryID)
	}
	if status.Status != storage.SyncInProgress {
		// A retried job re-claims; losing the race means another run owns
		// the repository and this one should stand down.
		claimed, err := w.cfg.Store.ClaimSync(ctx, args.RepositoryID)
		if err != nil {
			return err
		}
		if !claimed {
			logger.Printf("sync skipped, another run owns repository=%d", args.RepositoryID)
			return nil
		}
	}

	token, err := w.cfg.Tokens.AccessTokenForTeam(ctx, args.TeamID)
	if err != nil {
		return w.fail(ctx, args, fmt.Errorf("resolve token: %w", err))
	}
	client := w.cfg.NewClient(args.TeamID, token)

	var since time.Time
	cursor := status.Cursor
	switch {
	case args.Full:
		cursor = ""
	case args.Since != nil:
		since = *args.Since
	case status.LastSyncAt != nil:
		since = *status.LastSyncAt
	}
	total := 0

	for {
		batch, err := client.BatchFetchPullRequests(ctx, args.Owner, args.Name, github.PullRequestQuery{
			Cursor:   cursor,
			PageSize: w.cfg.PageSize,
			Since:    since,
		})
		if err != nil {
			var rateErr *github.RateLimitError
			if errors.As(err, &rateErr) {
				if err := w.pauseUntil(ctx, rateErr.Reset); err != nil {
					return w.fail(ctx, args, err)
				}
				continue
			}
			return w.fail(ctx, args, err)
		}

		added, err := w.cfg.Pages.ProcessPage(ctx, args.RepositoryID, batch.Items)
		if err != nil {
			return w.fail(ctx, args, err)
		}
		total += added
		cursor = batch.EndCursor

		remaining, reset := w.observedRate(client)
		if err := w.cfg.Store.RecordSyncProgress(ctx, args.RepositoryID, cursor, added, remaining, reset); err != nil {
			return w.fail(ctx, args, err)
		}

		if !batch.HasNextPage {
			break
		}
		// Pages arrive newest first. Once the page bottom predates the
		// last completed sync, everything further back is already stored.
		if !since.IsZero() && batch.OldestUpdatedAt.Before(since) {
			break
		}
		if remaining > 0 && remaining < w.cfg.RateLimitBuffer && reset != nil {
			logger.Printf("rate quota low (%d left), pausing repository=%d until %s", remaining, args.RepositoryID, reset.Format(time.RFC3339))
			if err := w.pauseUntil(ctx, *reset); err != nil {
				return w.fail(ctx, args, err)
			}
		}
	}

	if err := w.cfg.Store.FinishSync(ctx, args.RepositoryID, storage.SyncSuccess, ""); err != nil {
		return err
	}
	internal.IncSyncRun("success")
	logger.Printf("sync done repository=%d team=%s synced=%d", args.RepositoryID, args.TeamID, total)
	w.notify(ctx, TopicSyncCompleted, args, total, "")
	return nil
}

func (w *SyncWorker) fail(ctx context.Context, args SyncArgs, cause error) error {
	internal.IncSyncRun("failed")
	if err := w.cfg.Store.FinishSync(ctx, args.RepositoryID, storage.SyncFailed, cause.Error()); err != nil {
		w.cfg.Logger.Printf("record sync failure repository=%d: %v", args.RepositoryID, err)
	}
	w.notify(ctx, TopicSyncFailed, args, 0, cause.Error())
	return cause
}

func (w *SyncWorker) notify(ctx context.Context, topic string, args SyncArgs, synced int, errMsg string) {
	if w.cfg.Notifier == nil {
		return
	}
	payload := map[string]interface{}{
		"repository_id": args.RepositoryID,
		"team_id":       args.TeamID,
		"repository":    args.Owner + "/" + args.Name,
		"synced":        synced,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := w.cfg.Notifier.Publish(ctx, topic, payload); err != nil {
		w.cfg.Logger.Printf("notify %s failed: %v", topic, err)
	}
}

func (w *SyncWorker) observedRate(client Client) (int, *time.Time) {
	rate, ok := client.LastKnownRate()
	if !ok {
		return 0, nil
	}
	reset := rate.Reset
	return rate.Remaining, &reset
}

func (w *SyncWorker) pauseUntil(ctx context.Context, reset time.Time) error {
	wait := time.Until(reset)
	if wait <= 0 {
		wait = time.Second
	}
	return w.sleep(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
