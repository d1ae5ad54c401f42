package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antihub/antihub-ops/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root            string
	Environment     string
	AdminEmail      string
	HTTPAddress     string
	DatabaseDSN     string
	IdentityPath    string
	LedgerPath      string
	PluginDBURL     string
	EnableMigration bool
	Force           bool
}

// Init scaffolds configuration files for the daemon.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	envPath := filepath.Join(opts.Root, "config", opts.Environment, "antihub.ini")
	if err := writeFile(envPath, envTemplate(opts), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.AdminEmail) == "" {
		opts.AdminEmail = "admin@local"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8080"
	}
	if strings.TrimSpace(opts.IdentityPath) == "" {
		opts.IdentityPath = config.DefaultIdentityPath()
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# AntiHub settings
environment=%s
admin_email=%s
`, opts.Environment, opts.AdminEmail)
}

func envTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Environment specific overrides for %s
http_address=%s
# Empty database_dsn runs single-node on SQLite.
database_dsn=%s
identity_path=%s
ledger_path=%s
log_level=info
log_file=logs/antihubd.log
auth_disabled=true
# One-time plugin DB migration. Requires database_dsn, plugin_db_url and an
# encryption_key; failure aborts startup.
plugin_db_migration=%t
plugin_db_url=%s
`, opts.Environment, opts.HTTPAddress, opts.DatabaseDSN, opts.IdentityPath, opts.LedgerPath, opts.EnableMigration, opts.PluginDBURL)
}

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if strings.TrimSpace(opts.AdminEmail) == "" {
		return errors.New("admin email is required")
	}
	if !strings.Contains(opts.AdminEmail, "@") {
		return errors.New("admin email must contain '@'")
	}
	if opts.EnableMigration && strings.TrimSpace(opts.PluginDBURL) == "" {
		return errors.New("plugin db url is required when migration is enabled")
	}
	return nil
}
