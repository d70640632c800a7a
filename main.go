package main

import (
	"context"
	"expvar"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"devpulse/internal"
	"devpulse/pkg/api"
	"devpulse/pkg/github"
	"devpulse/pkg/ingest"
	"devpulse/pkg/install"
	"devpulse/pkg/statetoken"
	"devpulse/pkg/storage/sqlstore"
	"devpulse/pkg/syncer"
	"devpulse/pkg/vault"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// syncEventNotifier bridges sync lifecycle events onto the notification
// drivers.
type syncEventNotifier struct {
	notifier internal.Notifier
}

func (n *syncEventNotifier) Publish(ctx context.Context, topic string, payload map[string]interface{}) error {
	return n.notifier.Publish(ctx, topic, internal.Event{
		Provider: "devpulse",
		Name:     topic,
		Data:     payload,
	})
}

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ruleEngine, err := internal.NewRuleEngine(internal.RulesConfig{
		Rules:  config.Rules,
		Strict: config.RulesStrict,
		Logger: logger,
	})
	if err != nil {
		logger.Fatalf("compile rules: %v", err)
	}

	notifier, err := internal.NewNotifier(config.Notify)
	if err != nil {
		logger.Fatalf("notifier: %v", err)
	}
	defer notifier.Close()

	store, err := sqlstore.Open(sqlstore.Config{
		Driver:      config.Storage.Driver,
		DSN:         config.Storage.DSN,
		AutoMigrate: config.Storage.AutoMigrate,
	})
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	tokenVault := vault.New(config.Encryption.Key)
	states := statetoken.NewStore(ctx, config.Redis.URL, internal.NewLogger("statetoken"))

	installs, err := install.NewManager(install.Config{
		Store:         store,
		Vault:         tokenVault,
		Tokens:        states,
		OAuth:         install.OAuthConfig(config.GitHub.OAuthClientID, config.GitHub.OAuthClientSecret, config.GitHub.OAuthRedirectURL),
		Logger:        internal.NewLogger("install"),
		RevokeBaseURL: config.GitHub.APIBaseURL,
	})
	if err != nil {
		logger.Fatalf("install manager: %v", err)
	}

	githubLogger := internal.NewLogger("github")
	newClient := func(teamID, token string) *github.Client {
		opts := []github.Option{github.WithLogger(githubLogger)}
		if config.GitHub.APIBaseURL != "" {
			opts = append(opts, github.WithBaseURL(config.GitHub.APIBaseURL))
		}
		if observer := installs.RateObserverForTeam(ctx, teamID); observer != nil {
			opts = append(opts, github.WithRateObserver(observer))
		}
		return github.New(token, opts...)
	}

	dbPool, err := pgxpool.New(ctx, config.Queue.DSN)
	if err != nil {
		logger.Fatalf("open queue db: %v", err)
	}
	defer dbPool.Close()

	syncLogger := internal.NewLogger("syncer")
	workers := river.NewWorkers()
	river.AddWorker(workers, syncer.NewSyncWorker(syncer.WorkerConfig{
		Store:           store,
		Tokens:          installs,
		NewClient:       func(teamID, token string) syncer.Client { return newClient(teamID, token) },
		Notifier:        &syncEventNotifier{notifier: notifier},
		Logger:          syncLogger,
		PageSize:        config.Sync.PageSize,
		RateLimitBuffer: config.Sync.RateLimitBuffer,
	}))

	riverClient, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Queues: map[string]river.QueueConfig{
			config.Queue.Queue: {MaxWorkers: config.Queue.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		logger.Fatalf("river client: %v", err)
	}

	webhookURL := ""
	if config.Server.PublicBaseURL != "" {
		webhookURL = config.Server.PublicBaseURL + config.GitHub.WebhookPath
	}
	coordinator := syncer.NewCoordinator(
		store,
		installs,
		func(teamID, token string) syncer.Client { return newClient(teamID, token) },
		&syncer.RiverQueue{Client: riverClient, Queue: config.Queue.Queue},
		syncer.WebhookConfig{
			URL:    webhookURL,
			Secret: config.GitHub.WebhookSecret,
			Events: config.Sync.WebhookEvents,
		},
		syncLogger,
	)

	ingestor := ingest.New(store, config.GitHub.WebhookSecret, ruleEngine, notifier, internal.NewLogger("ingest"))
	go func() {
		if _, err := ingestor.RepublishPending(ctx, 500); err != nil {
			logger.Printf("republish pending events: %v", err)
		}
	}()

	mux := http.NewServeMux()
	api.Register(mux, api.Config{
		Installs:     installs,
		Coordinator:  coordinator,
		Ingest:       ingestor,
		NewLister:    func(teamID, token string) api.RepoLister { return newClient(teamID, token) },
		Logger:       logger,
		WebhookPath:  config.GitHub.WebhookPath,
		MaxBodyBytes: config.Server.MaxBodyBytes,
	})
	if config.Server.MetricsEnabled {
		mux.Handle("GET "+config.Server.MetricsPath, expvar.Handler())
		logger.Printf("metrics enabled on %s", config.Server.MetricsPath)
	}

	handler := http.Handler(mux)
	if config.Server.RateLimitRPS > 0 {
		handler = internal.NewRateLimitHandler(handler, config.Server.RateLimitRPS, config.Server.RateLimitBurst, 5*time.Minute)
	}
	handler = internal.NewRequestIDHandler(handler)

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: durationMS(config.Server.ReadHeaderMS, 5*time.Second),
		ReadTimeout:       durationMS(config.Server.ReadTimeoutMS, 30*time.Second),
		WriteTimeout:      durationMS(config.Server.WriteTimeoutMS, 30*time.Second),
		IdleTimeout:       durationMS(config.Server.IdleTimeoutMS, 60*time.Second),
	}

	if err := riverClient.Start(ctx); err != nil {
		logger.Fatalf("river start: %v", err)
	}

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		logger.Printf("river stop: %v", err)
	}
}

func durationMS(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
