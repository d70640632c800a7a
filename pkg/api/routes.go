package api

import (
	"log"
	"net/http"
)

// Config carries everything the HTTP surface needs.
type Config struct {
	Installs    Installer
	Coordinator Coordinator
	Ingest      WebhookProcessor
	NewLister   ListerFactory
	Logger      *log.Logger

	// WebhookPath defaults to /webhooks/github.
	WebhookPath  string
	MaxBodyBytes int64
}

// Register mounts the API on mux.
func Register(mux *http.ServeMux, cfg Config) {
	webhookPath := cfg.WebhookPath
	if webhookPath == "" {
		webhookPath = "/webhooks/github"
	}

	mux.Handle("GET /authorize", &AuthorizeHandler{Installs: cfg.Installs, Logger: cfg.Logger})
	mux.Handle("GET /callback", &CallbackHandler{Installs: cfg.Installs, Logger: cfg.Logger})
	mux.Handle("POST /disconnect", &DisconnectHandler{Installs: cfg.Installs, Logger: cfg.Logger})
	mux.Handle("GET /repositories", &RepositoriesHandler{
		Installs:    cfg.Installs,
		Coordinator: cfg.Coordinator,
		NewLister:   cfg.NewLister,
		Logger:      cfg.Logger,
	})
	mux.Handle("POST /repositories/{teamID}/connect", &ConnectRepositoryHandler{Coordinator: cfg.Coordinator, Logger: cfg.Logger})
	mux.Handle("POST /repositories/{id}/sync", &TriggerSyncHandler{Coordinator: cfg.Coordinator, Logger: cfg.Logger})
	mux.Handle("GET /sync-status/{repoID}", &SyncStatusHandler{Coordinator: cfg.Coordinator, Logger: cfg.Logger})
	mux.Handle("POST "+webhookPath, &WebhookHandler{Ingest: cfg.Ingest, Logger: cfg.Logger, MaxBodyBytes: cfg.MaxBodyBytes})
	mux.Handle("GET /healthz", HealthHandler{})
}
