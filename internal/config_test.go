package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadConfigDefaults tests that the default values are applied correctly when loading a config.
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.GitHub.WebhookPath != "/webhooks/github" {
		t.Fatalf("expected default webhook path, got %q", cfg.GitHub.WebhookPath)
	}
	if cfg.Queue.Queue != "devpulse_sync" || cfg.Queue.MaxWorkers != 5 {
		t.Fatalf("expected default queue settings, got %+v", cfg.Queue)
	}
	if cfg.Sync.PageSize != 50 || cfg.Sync.RateLimitBuffer != 100 {
		t.Fatalf("expected default sync settings, got %+v", cfg.Sync)
	}
	if cfg.Notify.Driver != "gochannel" {
		t.Fatalf("expected default notify driver, got %q", cfg.Notify.Driver)
	}
	if cfg.Notify.GoChannel.OutputChannelBuffer != 64 {
		t.Fatalf("expected default gochannel output buffer, got %d", cfg.Notify.GoChannel.OutputChannelBuffer)
	}
	if cfg.Notify.HTTP.Mode != "topic_url" {
		t.Fatalf("expected default http mode topic_url, got %q", cfg.Notify.HTTP.Mode)
	}
}

// TestLoadConfigExpandsEnv tests that ${VAR} references resolve from the environment.
func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("DEVPULSE_TEST_SECRET", "from-env")
	content := "github:\n  webhook_secret: ${DEVPULSE_TEST_SECRET}\n"
	cfg, err := LoadConfig(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GitHub.WebhookSecret != "from-env" {
		t.Fatalf("expected env expansion, got %q", cfg.GitHub.WebhookSecret)
	}
}

// TestLoadConfigInvalidRule tests that loading a config with an invalid rule returns an error.
func TestLoadConfigInvalidRule(t *testing.T) {
	content := "rules:\n  - when: action == \"opened\"\n"
	if _, err := LoadConfig(writeConfig(t, content)); err == nil {
		t.Fatalf("expected error for missing emit")
	}
}

// TestLoadConfigTrimsFields tests that the fields in a rule are trimmed correctly.
func TestLoadConfigTrimsFields(t *testing.T) {
	content := "rules:\n  - when: \"  action == \\\"opened\\\"  \"\n    emit: \"  pr.opened.ready  \"\n"
	cfg, err := LoadConfig(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Rules[0].When != "action == \"opened\"" {
		t.Fatalf("expected trimmed when, got %q", cfg.Rules[0].When)
	}
	if cfg.Rules[0].Emit != "pr.opened.ready" {
		t.Fatalf("expected trimmed emit, got %q", cfg.Rules[0].Emit)
	}
}

// TestValidateReportsMissingSecrets tests that Validate names every missing required field.
func TestValidateReportsMissingSecrets(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation to fail for empty config")
	}
	for _, want := range []string{"oauth_client_id", "webhook_secret", "encryption.key", "storage.dsn", "queue.dsn"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in validation error, got %v", want, err)
		}
	}
}

// TestValidatePassesWithRequiredFields tests a complete configuration.
func TestValidatePassesWithRequiredFields(t *testing.T) {
	content := `
github:
  oauth_client_id: id
  oauth_client_secret: secret
  webhook_secret: hook
encryption:
  key: 0123456789abcdef0123456789abcdef
storage:
  driver: postgres
  dsn: postgres://localhost/devpulse
queue:
  dsn: postgres://localhost/devpulse
`
	cfg, err := LoadConfig(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
