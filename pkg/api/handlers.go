// Package api exposes the HTTP surface: the OAuth connection flow,
// repository management, sync control, and the webhook receiver.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"devpulse/internal"
	"devpulse/pkg/github"
	"devpulse/pkg/ingest"
	"devpulse/pkg/install"
	"devpulse/pkg/storage"
	"devpulse/pkg/syncer"
)

// userIDHeader carries the authenticated caller's identity, set by the
// gateway in front of this service.
const userIDHeader = "X-User-ID"

// Installer is the slice of *install.Manager the handlers use.
type Installer interface {
	BeginAuthorization(ctx context.Context, teamID, userID, redirectURL string) (string, error)
	CompleteAuthorization(ctx context.Context, state, code string) (*install.Result, error)
	AccessTokenForTeam(ctx context.Context, teamID string) (string, error)
	InstallationForTeam(ctx context.Context, teamID string) (*storage.Installation, error)
	Revoke(ctx context.Context, teamID string) error
}

// Coordinator is the slice of *syncer.Coordinator the handlers use.
type Coordinator interface {
	ConnectRepository(ctx context.Context, teamID, owner, name string, githubID int64) (*storage.Repository, error)
	TriggerSync(ctx context.Context, teamID string, repositoryID uint, opts syncer.SyncOptions) (int64, error)
	SyncStatus(ctx context.Context, teamID string, repositoryID uint) (*storage.SyncStatus, error)
	ListRepositories(ctx context.Context, teamID string) ([]storage.Repository, error)
}

// WebhookProcessor is satisfied by *ingest.Ingestor.
type WebhookProcessor interface {
	Process(ctx context.Context, delivery ingest.Delivery) (ingest.Result, error)
}

// RepoLister lists the repositories an access token can see.
type RepoLister interface {
	ListRepositories(ctx context.Context, filters github.RepositoryFilters) ([]github.Repository, error)
}

// ListerFactory builds a RepoLister bound to one team's access token.
type ListerFactory func(teamID, token string) RepoLister

// AuthorizeHandler starts the OAuth flow for a team.
type AuthorizeHandler struct {
	Installs Installer
	Logger   *log.Logger
}

func (h *AuthorizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	internal.IncRequest("authorize")
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "caller identity missing")
		return
	}
	teamID := strings.TrimSpace(r.URL.Query().Get("team_id"))
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "team_id is required")
		return
	}
	redirectURL := strings.TrimSpace(r.URL.Query().Get("redirect_url"))

	authURL, err := h.Installs.BeginAuthorization(r.Context(), teamID, userID, redirectURL)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

// CallbackHandler completes the OAuth flow when the provider redirects back.
type CallbackHandler struct {
	Installs Installer
	Logger   *log.Logger
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	internal.IncRequest("callback")
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code and state are required")
		return
	}

	result, err := h.Installs.CompleteAuthorization(r.Context(), state, code)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"team_id":         result.TeamID,
		"github_username": result.Username,
		"redirect_url":    result.RedirectURL,
	})
}

// DisconnectHandler revokes a team's installation and deactivates its
// repositories.
type DisconnectHandler struct {
	Installs Installer
	Logger   *log.Logger
}

func (h *DisconnectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	internal.IncRequest("disconnect")
	var body struct {
		TeamID string `json:"team_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.TeamID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "team_id is required")
		return
	}
	if err := h.Installs.Revoke(r.Context(), body.TeamID); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type repositoryListItem struct {
	GithubID      int64  `json:"github_id"`
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	Visibility    string `json:"visibility"`
	Connected     bool   `json:"connected"`
	RepositoryID  uint   `json:"repository_id,omitempty"`
}

// RepositoriesHandler lists the repositories the team's installation can
// see, annotated with whether each one is already connected.
type RepositoriesHandler struct {
	Installs    Installer
	Coordinator Coordinator
	NewLister   ListerFactory
	Logger      *log.Logger
}

func (h *RepositoriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	internal.IncRequest("repositories")
	teamID := strings.TrimSpace(r.URL.Query().Get("team_id"))
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "team_id is required")
		return
	}

	record, err := h.Installs.InstallationForTeam(r.Context(), teamID)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "not_found", "team has no GitHub installation")
		return
	}
	token, err := h.Installs.AccessTokenForTeam(r.Context(), teamID)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}

	filters := github.RepositoryFilters{
		Visibility: strings.TrimSpace(r.URL.Query().Get("visibility")),
		Sort:       "updated",
	}
	if page, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && page > 0 {
		filters.Page = page
	}
	if perPage, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && perPage > 0 {
		filters.PerPage = perPage
	}

	remote, err := h.NewLister(teamID, token).ListRepositories(r.Context(), filters)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}

	connected, err := h.Coordinator.ListRepositories(r.Context(), teamID)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	byGithubID := make(map[int64]storage.Repository, len(connected))
	for _, repo := range connected {
		byGithubID[repo.GithubID] = repo
	}

	items := make([]repositoryListItem, 0, len(remote))
	for _, repo := range remote {
		item := repositoryListItem{
			GithubID:      repo.ID,
			Name:          repo.Name,
			Owner:         repo.Owner.Login,
			FullName:      repo.FullName,
			DefaultBranch: repo.DefaultBranch,
			Private:       repo.Private,
			Visibility:    repo.Visibility,
		}
		if local, ok := byGithubID[repo.ID]; ok {
			item.Connected = true
			item.RepositoryID = local.ID
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repositories": items})
}

// ConnectRepositoryHandler connects one repository to a team.
type ConnectRepositoryHandler struct {
	Coordinator Coordinator
	Logger      *log.Logger
}

func (h *ConnectRepositoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	internal.IncRequest("connect_repository")
	teamID := r.PathValue("teamID")
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "team id is required")
		return
	}
	var body struct {
		GithubID int64  `json:"github_id"`
		Name     string `json:"name"`
		Owner    string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if body.Owner == "" || body.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner and name are required")
		return
	}

	repo, err := h.Coordinator.ConnectRepository(r.Context(), teamID, body.Owner, body.Name, body.GithubID)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	resp := map[string]interface{}{"repository_id": repo.ID}
	if repo.WebhookID != nil {
		resp["webhook_id"] = *repo.WebhookID
	}
	writeJSON(w, http.StatusCreated, resp)
}

// TriggerSyncHandler queues a sync run for a connected repository.
type TriggerSyncHandler struct {
	Coordinator Coordinator
	Logger      *log.Logger
}

func (h *TriggerSyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	internal.IncRequest("trigger_sync")
	repoID, ok := pathUint(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "repository id must be a positive integer")
		return
	}
	var body struct {
		TeamID   string `json:"team_id"`
		SyncType string `json:"sync_type"`
		Since    string `json:"since"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if body.TeamID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "team_id is required")
		return
	}
	var opts syncer.SyncOptions
	switch body.SyncType {
	case "", "incremental":
	case "full":
		opts.Full = true
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "sync_type must be full or incremental")
		return
	}
	if body.Since != "" {
		since, err := time.Parse(time.RFC3339, body.Since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
			return
		}
		opts.Since = &since
	}

	jobID, err := h.Coordinator.TriggerSync(r.Context(), body.TeamID, repoID, opts)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": jobID,
		"status": "queued",
	})
}

type syncStatusResponse struct {
	RepositoryID       uint       `json:"repository_id"`
	Status             string     `json:"status"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	TotalPRsSynced     int        `json:"total_prs_synced"`
	Cursor             string     `json:"cursor,omitempty"`
	RateLimitRemaining int        `json:"rate_limit_remaining"`
	RateLimitReset     *time.Time `json:"rate_limit_reset,omitempty"`
}

// SyncStatusHandler reports a repository's sync progress.
type SyncStatusHandler struct {
	Coordinator Coordinator
	Logger      *log.Logger
}

func (h *SyncStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	internal.IncRequest("sync_status")
	repoID, ok := pathUint(r, "repoID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "repository id must be a positive integer")
		return
	}
	teamID := strings.TrimSpace(r.URL.Query().Get("team_id"))
	if teamID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "team_id is required")
		return
	}

	status, err := h.Coordinator.SyncStatus(r.Context(), teamID, repoID)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, syncStatusResponse{
		RepositoryID:       status.RepositoryID,
		Status:             status.Status,
		LastSyncAt:         status.LastSyncAt,
		LastError:          status.LastError,
		TotalPRsSynced:     status.TotalPRsSynced,
		Cursor:             status.Cursor,
		RateLimitRemaining: status.RateLimitRemaining,
		RateLimitReset:     status.RateLimitReset,
	})
}

// WebhookHandler receives GitHub webhook deliveries.
type WebhookHandler struct {
	Ingest WebhookProcessor
	Logger *log.Logger

	// MaxBodyBytes caps the request body. Defaults to 5 MiB.
	MaxBodyBytes int64
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	internal.IncRequest("webhook")
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 5 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body unreadable")
		return
	}
	if int64(len(body)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return
	}

	result, err := h.Ingest.Process(r.Context(), ingest.Delivery{
		Event:      r.Header.Get("X-GitHub-Event"),
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		Signature:  r.Header.Get("X-Hub-Signature-256"),
		Body:       body,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrBadSignature) {
			internal.IncWebhookOutcome("rejected")
		}
		respondError(w, h.Logger, err)
		return
	}
	internal.IncWebhookOutcome(string(result.Outcome))

	status := "accepted"
	if result.Outcome == ingest.OutcomeIgnored {
		status = "ignored"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// HealthHandler answers load balancer checks.
type HealthHandler struct{}

func (HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathUint(r *http.Request, name string) (uint, bool) {
	raw := r.PathValue(name)
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || value == 0 {
		return 0, false
	}
	return uint(value), true
}
