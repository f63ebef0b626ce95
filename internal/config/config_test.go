package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
db_path: "/tmp/calsync-test.db"
scheduler_tick: 45s
export_signing_key: "secret"
providers:
  google:
    client_id: "cid"
    client_secret: "csecret"
    token_file: "/tmp/token.json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":9090")
	}
	if cfg.SchedulerTick != 45*time.Second {
		t.Errorf("SchedulerTick = %v, want 45s", cfg.SchedulerTick)
	}
	if cfg.Providers.Google == nil || cfg.Providers.Google.ClientID != "cid" {
		t.Error("google provider block not loaded")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
db_path: "/tmp/calsync-test.db"
export_signing_key: "secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != ":8084" {
		t.Errorf("Listen default = %q, want :8084", cfg.Listen)
	}
	if cfg.SchedulerTick != 30*time.Second {
		t.Errorf("SchedulerTick default = %v, want 30s", cfg.SchedulerTick)
	}
	if cfg.CycleTimeout != 2*time.Minute {
		t.Errorf("CycleTimeout default = %v, want 2m", cfg.CycleTimeout)
	}
	if cfg.WriteConcurrency != 4 {
		t.Errorf("WriteConcurrency default = %d, want 4", cfg.WriteConcurrency)
	}
	if cfg.WebhookDebounce != 5*time.Second {
		t.Errorf("WebhookDebounce default = %v, want 5s", cfg.WebhookDebounce)
	}
	if cfg.ExportTTL != time.Hour {
		t.Errorf("ExportTTL default = %v, want 1h", cfg.ExportTTL)
	}
}

func TestLoad_MissingSigningKey(t *testing.T) {
	path := writeConfig(t, `
db_path: "/tmp/calsync-test.db"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for missing export_signing_key")
	}
}

func TestLoad_SchedulerTickBounds(t *testing.T) {
	tooShort := writeConfig(t, `
db_path: "/tmp/t.db"
export_signing_key: "k"
scheduler_tick: 1s
`)
	if _, err := Load(tooShort); err == nil {
		t.Error("expected error for scheduler_tick below minimum")
	}

	tooLong := writeConfig(t, `
db_path: "/tmp/t.db"
export_signing_key: "k"
scheduler_tick: 10m
`)
	if _, err := Load(tooLong); err == nil {
		t.Error("expected error for scheduler_tick above maximum")
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
db_path: "/tmp/t.db"
export_signing_key: "k"
no_such_key: true
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown config key")
	}
}

func TestLoad_CalDAVRequiresEndpoint(t *testing.T) {
	path := writeConfig(t, `
db_path: "/tmp/t.db"
export_signing_key: "k"
providers:
  caldav:
    username: "u"
    password: "p"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for caldav block without endpoint")
	}
}

func TestLoad_IncompleteProviderBlock(t *testing.T) {
	path := writeConfig(t, `
db_path: "/tmp/t.db"
export_signing_key: "k"
providers:
  outlook:
    client_id: "cid"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for outlook block missing secret and tenant")
	}
}
