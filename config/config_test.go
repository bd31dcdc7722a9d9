package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"jwt_secret": "s3cret", "admin_emails": [" Admin@Example.com ", "admin@example.com", ""]},
		"openai": {"api_key": "sk-test"},
		"storage": {"postgres": {"host": "db", "dbname": "neuroia", "user": "u", "password": "p"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.MaxAttempts != 60 || cfg.Orchestrator.MaxWait != 60*time.Second {
		t.Fatalf("unexpected poll caps: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.BaseDelay != 300*time.Millisecond || cfg.Orchestrator.MaxDelay != time.Second {
		t.Fatalf("unexpected delays: %+v", cfg.Orchestrator)
	}
	if cfg.Entitlement.WarningDays != 3 {
		t.Fatalf("expected warning days 3, got %d", cfg.Entitlement.WarningDays)
	}
	if len(cfg.Auth.AdminEmails) != 1 || cfg.Auth.AdminEmails[0] != "admin@example.com" {
		t.Fatalf("expected normalised admin emails, got %v", cfg.Auth.AdminEmails)
	}
	if got := cfg.Storage.Postgres.DSN(); got != "postgres://u:p@db:5432/neuroia?sslmode=disable" {
		t.Fatalf("unexpected dsn %s", got)
	}
	if cfg.Storage.Redis.Enabled() {
		t.Fatalf("redis should be disabled without host")
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `{"storage": {"postgres": {"host": "db", "dbname": "neuroia"}}}`)
	t.Setenv("NEUROIA_AUTH_JWT_SECRET", "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DATABASE_URL", "postgres://x:y@remote:6543/prod?sslmode=require")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("expected jwt secret from env, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Fatalf("expected api key from env, got %q", cfg.OpenAI.APIKey)
	}
	if cfg.Storage.Postgres.DSN() != "postgres://x:y@remote:6543/prod?sslmode=require" {
		t.Fatalf("expected DATABASE_URL to win, got %s", cfg.Storage.Postgres.DSN())
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, `{"openai": {"api_key": "sk"}, "storage": {"postgres": {"url": "postgres://h/db"}}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing jwt secret")
	}
}

func TestServerWriteTimeoutMustExceedPollCap(t *testing.T) {
	srv := ServerConfig{Address: ":1", WriteTimeout: 30 * time.Second}
	orch := OrchestratorConfig{}.Normalize()
	if err := srv.Validate(orch); err == nil {
		t.Fatalf("expected error when write timeout is below poll cap")
	}
	srv.WriteTimeout = 0
	if err := srv.Validate(orch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadStorageSkipsServiceSecrets(t *testing.T) {
	t.Setenv("SUPABASE_JWT_SECRET", "")
	t.Setenv("NEUROIA_AUTH_JWT_SECRET", "")
	path := writeConfig(t, `{"storage": {"postgres": {"url": "postgres://h/db"}}}`)
	cfg, err := LoadStorage(path)
	if err != nil {
		t.Fatalf("LoadStorage: %v", err)
	}
	if cfg.Scheduler.SweepCron != "@hourly" {
		t.Fatalf("expected default sweep cron, got %q", cfg.Scheduler.SweepCron)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected full Load to require secrets")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("NEUROIA_AUTH_JWT_SECRET", "example")
	t.Setenv("OPENAI_API_KEY", "sk-example")
	cfg, err := Load("config.example.json")
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Server.WriteTimeout != 90*time.Second || cfg.Lease.TTL != 90*time.Second {
		t.Fatalf("unexpected timeouts: %+v %+v", cfg.Server, cfg.Lease)
	}
}
