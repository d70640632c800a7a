// Package sqlstore implements storage.Store on top of GORM.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"devpulse/pkg/storage"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config mirrors the storage section of the application configuration.
type Config struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

// Store implements storage.Store.
type Store struct {
	db *gorm.DB
}

type installationRow struct {
	ID               uint      `gorm:"column:id;primaryKey"`
	TeamID           string    `gorm:"column:team_id;size:64;not null;uniqueIndex:idx_install_team_user"`
	UserID           string    `gorm:"column:user_id;size:64;not null"`
	ProviderUserID   int64     `gorm:"column:provider_user_id;not null;uniqueIndex:idx_install_team_user"`
	ProviderUsername string    `gorm:"column:provider_username;size:255"`
	EncryptedToken   string    `gorm:"column:encrypted_token;type:text;not null"`
	Scope            string    `gorm:"column:scope;size:255"`
	TokenType        string    `gorm:"column:token_type;size:32"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (installationRow) TableName() string { return "installations" }

type repositoryRow struct {
	ID            uint      `gorm:"column:id;primaryKey"`
	TeamID        string    `gorm:"column:team_id;size:64;not null;uniqueIndex:idx_repo_team_github"`
	GithubID      int64     `gorm:"column:github_id;not null;uniqueIndex:idx_repo_team_github;index:idx_repo_github"`
	Owner         string    `gorm:"column:owner;size:255;not null"`
	Name          string    `gorm:"column:name;size:255;not null"`
	FullName      string    `gorm:"column:full_name;size:512;not null"`
	DefaultBranch string    `gorm:"column:default_branch;size:255"`
	Private       bool      `gorm:"column:private"`
	Active        bool      `gorm:"column:active"`
	WebhookID     *int64    `gorm:"column:webhook_id"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (repositoryRow) TableName() string { return "repositories" }

type syncStatusRow struct {
	RepositoryID       uint       `gorm:"column:repository_id;primaryKey;autoIncrement:false"`
	Status             string     `gorm:"column:status;size:32;not null"`
	LastSyncAt         *time.Time `gorm:"column:last_sync_at"`
	LastError          string     `gorm:"column:last_error;type:text"`
	TotalPRsSynced     int        `gorm:"column:total_prs_synced"`
	Cursor             string     `gorm:"column:cursor;size:512"`
	LastCommitSHA      string     `gorm:"column:last_commit_sha;size:64"`
	RateLimitRemaining int        `gorm:"column:rate_limit_remaining"`
	RateLimitReset     *time.Time `gorm:"column:rate_limit_reset"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (syncStatusRow) TableName() string { return "sync_statuses" }

type webhookEventRow struct {
	ID           uint       `gorm:"column:id;primaryKey"`
	RepositoryID uint       `gorm:"column:repository_id;not null;index:idx_event_repo"`
	EventType    string     `gorm:"column:event_type;size:64;not null"`
	DeliveryID   string     `gorm:"column:delivery_id;size:128;not null;uniqueIndex:idx_event_delivery"`
	Action       string     `gorm:"column:action;size:64"`
	Payload      []byte     `gorm:"column:payload"`
	Processed    bool       `gorm:"column:processed;index:idx_event_processed"`
	ProcessedAt  *time.Time `gorm:"column:processed_at"`
	Error        string     `gorm:"column:error;type:text"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (webhookEventRow) TableName() string { return "webhook_events" }

type rateLimitRow struct {
	InstallationID uint      `gorm:"column:installation_id;primaryKey;autoIncrement:false"`
	Resource       string    `gorm:"column:resource;size:32;primaryKey"`
	Limit          int       `gorm:"column:quota_limit"`
	Remaining      int       `gorm:"column:remaining"`
	Reset          time.Time `gorm:"column:reset_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (rateLimitRow) TableName() string { return "rate_limit_snapshots" }

type pullRequestRow struct {
	ID           uint       `gorm:"column:id;primaryKey"`
	RepositoryID uint       `gorm:"column:repository_id;not null;uniqueIndex:idx_pr_repo_number"`
	Number       int        `gorm:"column:number;not null;uniqueIndex:idx_pr_repo_number"`
	Title        string     `gorm:"column:title;size:512"`
	State        string     `gorm:"column:state;size:32"`
	AuthorLogin  string     `gorm:"column:author_login;size:255"`
	Additions    int        `gorm:"column:additions"`
	Deletions    int        `gorm:"column:deletions"`
	ChangedFiles int        `gorm:"column:changed_files"`
	ReviewCount  int        `gorm:"column:review_count"`
	OpenedAt     time.Time  `gorm:"column:opened_at"`
	LastActiveAt time.Time  `gorm:"column:last_active_at;index:idx_pr_last_active"`
	MergedAt     *time.Time `gorm:"column:merged_at"`
	ClosedAt     *time.Time `gorm:"column:closed_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (pullRequestRow) TableName() string { return "pull_requests" }

// Open creates a GORM-backed store.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
	db, err := openGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if cfg.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&installationRow{},
		&repositoryRow{},
		&syncStatusRow{},
		&webhookEventRow{},
		&rateLimitRow{},
		&pullRequestRow{},
	)
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InTransaction runs fn in one database transaction. Commit on nil, rollback
// on error or panic, release on every exit path.
func (s *Store) InTransaction(ctx context.Context, fn func(tx storage.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// UpsertInstallation inserts or rotates the installation for one
// (team, provider user) pair.
func (s *Store) UpsertInstallation(ctx context.Context, record storage.Installation) error {
	if record.TeamID == "" || record.ProviderUserID == 0 {
		return errors.New("team id and provider user id are required")
	}
	data := installationRow{
		TeamID:           record.TeamID,
		UserID:           record.UserID,
		ProviderUserID:   record.ProviderUserID,
		ProviderUsername: record.ProviderUsername,
		EncryptedToken:   record.EncryptedToken,
		Scope:            record.Scope,
		TokenType:        record.TokenType,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "team_id"}, {Name: "provider_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "provider_username", "encrypted_token", "scope", "token_type", "updated_at"}),
		}).
		Create(&data).Error
}

// LatestInstallationForTeam returns the most recently updated installation
// for a team, or (nil, nil) when the team has none.
func (s *Store) LatestInstallationForTeam(ctx context.Context, teamID string) (*storage.Installation, error) {
	var data installationRow
	err := s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("updated_at desc").
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := installationFromRow(data)
	return &record, nil
}

// DeleteInstallationsForTeam removes every installation row for a team.
func (s *Store) DeleteInstallationsForTeam(ctx context.Context, teamID string) error {
	return s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Delete(&installationRow{}).Error
}

// UpsertRepository inserts or reactivates a repository row and returns it
// with its primary key populated.
func (s *Store) UpsertRepository(ctx context.Context, record storage.Repository) (*storage.Repository, error) {
	if record.TeamID == "" || record.GithubID == 0 {
		return nil, errors.New("team id and github id are required")
	}
	data := repositoryRow{
		TeamID:        record.TeamID,
		GithubID:      record.GithubID,
		Owner:         record.Owner,
		Name:          record.Name,
		FullName:      record.FullName,
		DefaultBranch: record.DefaultBranch,
		Private:       record.Private,
		Active:        true,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "team_id"}, {Name: "github_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner", "name", "full_name", "default_branch", "private", "active", "updated_at"}),
		}).
		Create(&data).Error
	if err != nil {
		return nil, err
	}
	// The upsert path does not report the existing primary key, so read it
	// back.
	var saved repositoryRow
	if err := s.db.WithContext(ctx).
		Where("team_id = ? AND github_id = ?", record.TeamID, record.GithubID).
		Take(&saved).Error; err != nil {
		return nil, err
	}
	result := repositoryFromRow(saved)
	return &result, nil
}

// GetRepository fetches a repository by primary key.
func (s *Store) GetRepository(ctx context.Context, id uint) (*storage.Repository, error) {
	var data repositoryRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := repositoryFromRow(data)
	return &record, nil
}

// GetRepositoryByGithubID resolves a repository by its provider id. Webhook
// routing uses this, so inactive rows are excluded.
func (s *Store) GetRepositoryByGithubID(ctx context.Context, githubID int64) (*storage.Repository, error) {
	var data repositoryRow
	err := s.db.WithContext(ctx).
		Where("github_id = ? AND active = ?", githubID, true).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := repositoryFromRow(data)
	return &record, nil
}

// ListRepositoriesForTeam lists a team's active repositories.
func (s *Store) ListRepositoriesForTeam(ctx context.Context, teamID string) ([]storage.Repository, error) {
	var rows []repositoryRow
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND active = ?", teamID, true).
		Order("full_name asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.Repository, 0, len(rows))
	for _, item := range rows {
		records = append(records, repositoryFromRow(item))
	}
	return records, nil
}

// SetRepositoryWebhook records the provider hook id after webhook setup.
func (s *Store) SetRepositoryWebhook(ctx context.Context, id uint, webhookID int64) error {
	return s.db.WithContext(ctx).
		Model(&repositoryRow{}).
		Where("id = ?", id).
		Update("webhook_id", webhookID).Error
}

// DeactivateRepositoriesForTeam marks a team's repositories inactive.
func (s *Store) DeactivateRepositoriesForTeam(ctx context.Context, teamID string) error {
	return s.db.WithContext(ctx).
		Model(&repositoryRow{}).
		Where("team_id = ?", teamID).
		Update("active", false).Error
}

// EnsureSyncStatus creates the pending bootstrap row if the repository has
// none yet.
func (s *Store) EnsureSyncStatus(ctx context.Context, repositoryID uint) error {
	data := syncStatusRow{
		RepositoryID: repositoryID,
		Status:       storage.SyncPending,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository_id"}},
			DoNothing: true,
		}).
		Create(&data).Error
}

// GetSyncStatus fetches the sync status for one repository.
func (s *Store) GetSyncStatus(ctx context.Context, repositoryID uint) (*storage.SyncStatus, error) {
	var data syncStatusRow
	err := s.db.WithContext(ctx).Where("repository_id = ?", repositoryID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := syncStatusFromRow(data)
	return &record, nil
}

// ClaimSync flips the status to in_progress unless another sync already
// holds it. The conditional update is the lightweight per-repository lock
// that serializes sync runs.
func (s *Store) ClaimSync(ctx context.Context, repositoryID uint) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&syncStatusRow{}).
		Where("repository_id = ? AND status <> ?", repositoryID, storage.SyncInProgress).
		Updates(map[string]interface{}{
			"status":     storage.SyncInProgress,
			"last_error": "",
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RecordSyncProgress persists the cursor and counters after one page, so an
// interrupted sync resumes near where it stopped.
func (s *Store) RecordSyncProgress(ctx context.Context, repositoryID uint, cursor string, added int, rateRemaining int, rateReset *time.Time) error {
	updates := map[string]interface{}{
		"cursor":               cursor,
		"total_prs_synced":     gorm.Expr("total_prs_synced + ?", added),
		"rate_limit_remaining": rateRemaining,
	}
	if rateReset != nil {
		updates["rate_limit_reset"] = *rateReset
	}
	return s.db.WithContext(ctx).
		Model(&syncStatusRow{}).
		Where("repository_id = ?", repositoryID).
		Updates(updates).Error
}

// FinishSync records the terminal outcome of a sync run.
func (s *Store) FinishSync(ctx context.Context, repositoryID uint, status, lastError string) error {
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastError,
	}
	if status == storage.SyncSuccess {
		now := time.Now().UTC()
		updates["last_sync_at"] = now
	}
	return s.db.WithContext(ctx).
		Model(&syncStatusRow{}).
		Where("repository_id = ?", repositoryID).
		Updates(updates).Error
}

// InsertWebhookEvent appends a delivery, silently absorbing redeliveries of
// the same delivery id.
func (s *Store) InsertWebhookEvent(ctx context.Context, record storage.WebhookEvent) (bool, error) {
	if record.DeliveryID == "" {
		return false, errors.New("delivery id is required")
	}
	data := webhookEventRow{
		RepositoryID: record.RepositoryID,
		EventType:    record.EventType,
		DeliveryID:   record.DeliveryID,
		Action:       record.Action,
		Payload:      record.Payload,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "delivery_id"}},
			DoNothing: true,
		}).
		Create(&data)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListUnprocessedEvents returns events the downstream processor has not
// drained yet, oldest first.
func (s *Store) ListUnprocessedEvents(ctx context.Context, limit int) ([]storage.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []webhookEventRow
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("id asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.WebhookEvent, 0, len(rows))
	for _, item := range rows {
		records = append(records, webhookEventFromRow(item))
	}
	return records, nil
}

// UpsertRateLimit records the freshest quota snapshot per resource.
func (s *Store) UpsertRateLimit(ctx context.Context, record storage.RateLimitSnapshot) error {
	data := rateLimitRow{
		InstallationID: record.InstallationID,
		Resource:       record.Resource,
		Limit:          record.Limit,
		Remaining:      record.Remaining,
		Reset:          record.Reset,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "installation_id"}, {Name: "resource"}},
			DoUpdates: clause.AssignmentColumns([]string{"quota_limit", "remaining", "reset_at", "updated_at"}),
		}).
		Create(&data).Error
}

// UpsertPullRequest inserts or refreshes one pull request fact row.
func (s *Store) UpsertPullRequest(ctx context.Context, record storage.PullRequest) error {
	data := pullRequestRow{
		RepositoryID: record.RepositoryID,
		Number:       record.Number,
		Title:        record.Title,
		State:        record.State,
		AuthorLogin:  record.AuthorLogin,
		Additions:    record.Additions,
		Deletions:    record.Deletions,
		ChangedFiles: record.ChangedFiles,
		ReviewCount:  record.ReviewCount,
		OpenedAt:     record.OpenedAt,
		LastActiveAt: record.LastActiveAt,
		MergedAt:     record.MergedAt,
		ClosedAt:     record.ClosedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository_id"}, {Name: "number"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "state", "author_login", "additions", "deletions", "changed_files", "review_count", "last_active_at", "merged_at", "closed_at", "updated_at"}),
		}).
		Create(&data).Error
}

// ListPullRequestsForRepository returns the repository's pull request facts
// oldest first, the order the throughput series is built in.
func (s *Store) ListPullRequestsForRepository(ctx context.Context, repositoryID uint) ([]storage.PullRequest, error) {
	var rows []pullRequestRow
	err := s.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("opened_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.PullRequest, 0, len(rows))
	for _, row := range rows {
		records = append(records, pullRequestFromRow(row))
	}
	return records, nil
}

func pullRequestFromRow(data pullRequestRow) storage.PullRequest {
	return storage.PullRequest{
		ID:           data.ID,
		RepositoryID: data.RepositoryID,
		Number:       data.Number,
		Title:        data.Title,
		State:        data.State,
		AuthorLogin:  data.AuthorLogin,
		Additions:    data.Additions,
		Deletions:    data.Deletions,
		ChangedFiles: data.ChangedFiles,
		ReviewCount:  data.ReviewCount,
		OpenedAt:     data.OpenedAt,
		LastActiveAt: data.LastActiveAt,
		MergedAt:     data.MergedAt,
		ClosedAt:     data.ClosedAt,
		CreatedAt:    data.CreatedAt,
		UpdatedAt:    data.UpdatedAt,
	}
}

func installationFromRow(data installationRow) storage.Installation {
	return storage.Installation{
		ID:               data.ID,
		TeamID:           data.TeamID,
		UserID:           data.UserID,
		ProviderUserID:   data.ProviderUserID,
		ProviderUsername: data.ProviderUsername,
		EncryptedToken:   data.EncryptedToken,
		Scope:            data.Scope,
		TokenType:        data.TokenType,
		CreatedAt:        data.CreatedAt,
		UpdatedAt:        data.UpdatedAt,
	}
}

func repositoryFromRow(data repositoryRow) storage.Repository {
	return storage.Repository{
		ID:            data.ID,
		TeamID:        data.TeamID,
		GithubID:      data.GithubID,
		Owner:         data.Owner,
		Name:          data.Name,
		FullName:      data.FullName,
		DefaultBranch: data.DefaultBranch,
		Private:       data.Private,
		Active:        data.Active,
		WebhookID:     data.WebhookID,
		CreatedAt:     data.CreatedAt,
		UpdatedAt:     data.UpdatedAt,
	}
}

func syncStatusFromRow(data syncStatusRow) storage.SyncStatus {
	return storage.SyncStatus{
		RepositoryID:       data.RepositoryID,
		Status:             data.Status,
		LastSyncAt:         data.LastSyncAt,
		LastError:          data.LastError,
		TotalPRsSynced:     data.TotalPRsSynced,
		Cursor:             data.Cursor,
		LastCommitSHA:      data.LastCommitSHA,
		RateLimitRemaining: data.RateLimitRemaining,
		RateLimitReset:     data.RateLimitReset,
		CreatedAt:          data.CreatedAt,
		UpdatedAt:          data.UpdatedAt,
	}
}

func webhookEventFromRow(data webhookEventRow) storage.WebhookEvent {
	return storage.WebhookEvent{
		ID:           data.ID,
		RepositoryID: data.RepositoryID,
		EventType:    data.EventType,
		DeliveryID:   data.DeliveryID,
		Action:       data.Action,
		Payload:      data.Payload,
		Processed:    data.Processed,
		ProcessedAt:  data.ProcessedAt,
		Error:        data.Error,
		CreatedAt:    data.CreatedAt,
	}
}

func normalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "mysql":
		return gorm.Open(mysql.Open(dsn), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
