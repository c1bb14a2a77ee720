package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromPath_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("default port %d", cfg.Server.Port)
	}
	if cfg.Scheduler.AccrualSpec != "@every 1h" {
		t.Fatalf("default accrual spec %q", cfg.Scheduler.AccrualSpec)
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("default dsn %q, want empty (in-memory)", cfg.Database.DSN)
	}
	if len(cfg.Auth.SkipPaths) != 2 {
		t.Fatalf("default skip paths %v", cfg.Auth.SkipPaths)
	}
}

func TestLoadFromPath_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
logging:
  level: debug
roles:
  treasury: [treasury-1]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("ROLES_TREASURY", "treasury-2, treasury-3")
	t.Setenv("AUTH_SECRET", "shh")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port %d, want file value 9090", cfg.Server.Port)
	}
	// Environment wins over the file.
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level %q, want env override warn", cfg.Logging.Level)
	}
	if len(cfg.Roles.Treasury) != 2 || cfg.Roles.Treasury[0] != "treasury-2" {
		t.Fatalf("treasury %v, want env list", cfg.Roles.Treasury)
	}
	if cfg.Auth.Secret != "shh" {
		t.Fatalf("secret %q", cfg.Auth.Secret)
	}
}

func TestLoadFromPath_RejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("expected error for negative port")
	}
}
