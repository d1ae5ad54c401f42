package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServerConfig(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	setting := "environment=dev\nadmin_email=base@example.com\nlog_level=debug\n"
	if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	content := "http_address=:9090\nledger_path=/tmp/custom-ledger.db\nauth_secret=override-secret\nplugin_db_migration=true\nplugin_db_url=postgres://plugin:pw@legacy:5432/plugin\nmigration_lock_wait=30s\n"
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "antihub.ini"), []byte(content), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
	os.Setenv("ANTIHUB_AUTH_SECRET", "env-secret")
	t.Cleanup(func() { os.Unsetenv("ANTIHUB_AUTH_SECRET") })

	cfg, err := LoadServerConfig(tmp)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.LedgerPath != "/tmp/custom-ledger.db" {
		t.Fatalf("unexpected ledger path %s", cfg.LedgerPath)
	}
	if cfg.AuthSecret != "env-secret" {
		t.Fatalf("env override not applied, got %s", cfg.AuthSecret)
	}
	if cfg.AdminEmail != "base@example.com" {
		t.Fatalf("expected admin email from base config, got %s", cfg.AdminEmail)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if !cfg.PluginMigrationEnabled {
		t.Fatalf("expected plugin migration enabled")
	}
	if cfg.MigrationLockWait != 30*time.Second {
		t.Fatalf("unexpected lock wait %s", cfg.MigrationLockWait)
	}
}

func TestLoadServerConfigMigrationNeedsSource(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte("environment=dev\n"), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "antihub.ini"), []byte("plugin_db_migration=true\n"), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}
	if _, err := LoadServerConfig(tmp); err == nil {
		t.Fatalf("expected error when migration enabled without plugin_db_url")
	}
}

func TestLoadBootstrapConfig(t *testing.T) {
	os.Setenv("POSTGRES_USER", "antihub")
	os.Setenv("POSTGRES_PASSWORD", "p1\r")
	os.Setenv("POSTGRES_DB", "antihub")
	os.Setenv("PLUGIN_POSTGRES_USER", "antihub_plugin")
	os.Setenv("PLUGIN_POSTGRES_PASSWORD", " p2 ")
	os.Setenv("PLUGIN_POSTGRES_DB", "antihub_plugin")
	t.Cleanup(func() {
		for _, k := range []string{"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "PLUGIN_POSTGRES_USER", "PLUGIN_POSTGRES_PASSWORD", "PLUGIN_POSTGRES_DB"} {
			os.Unsetenv(k)
		}
	})

	cfg, err := LoadBootstrapConfig()
	if err != nil {
		t.Fatalf("LoadBootstrapConfig: %v", err)
	}
	if cfg.PrimaryPassword != "p1" {
		t.Fatalf("carriage return not stripped: %q", cfg.PrimaryPassword)
	}
	if cfg.PluginPassword != "p2" {
		t.Fatalf("whitespace not stripped: %q", cfg.PluginPassword)
	}
	if cfg.Port != 5432 {
		t.Fatalf("unexpected default port %d", cfg.Port)
	}
}

func TestLoadBootstrapConfigRequiresPassword(t *testing.T) {
	os.Unsetenv("POSTGRES_PASSWORD")
	if _, err := LoadBootstrapConfig(); err == nil {
		t.Fatalf("expected error when POSTGRES_PASSWORD unset")
	}
}
