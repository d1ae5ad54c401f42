package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/antihub.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServerConfig describes runtime options for the consolidated backend daemon.
type ServerConfig struct {
	Environment string
	HTTPAddress string

	// Target database. When DatabaseDSN is empty the daemon runs single-node on
	// SQLite using IdentityPath/LedgerPath.
	DatabaseDSN  string
	IdentityPath string
	LedgerPath   string

	// Root admin account ensured at startup; also the user-mapping fallback
	// during the plugin DB migration.
	AdminEmail string

	// Symmetric key for envelope encryption of stored credentials.
	EncryptionKey string

	// Plugin DB migration. The single flag both enables the migration and makes
	// its failure fatal to startup (kept coupled on purpose; see DESIGN.md).
	PluginMigrationEnabled bool
	PluginDatabaseURL      string
	MigrationLockWait      time.Duration

	AuthSecret   string
	AuthDisabled bool

	LogFile  string
	LogLevel string
}

// BootstrapConfig describes the target cluster state driven by cmd/dbinit.
type BootstrapConfig struct {
	// AdminDSN overrides the superuser connection string. When empty it is
	// assembled from Host/Port and the primary role credentials.
	AdminDSN string

	Host string
	Port int

	PrimaryRole     string
	PrimaryPassword string
	PrimaryDatabase string

	PluginRole     string
	PluginPassword string
	PluginDatabase string
}

// LoadServerConfig reads the current environment and loads the daemon config.
func LoadServerConfig(root string) (ServerConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServerConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ServerConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServerConfig{
		Environment:  s.Environment,
		HTTPAddress:  firstNonEmpty(os.Getenv("ANTIHUB_HTTP_ADDR"), merged["http_address"], ":8080"),
		DatabaseDSN:  firstNonEmpty(os.Getenv("ANTIHUB_DB_DSN"), merged["database_dsn"]),
		IdentityPath: firstNonEmpty(os.Getenv("ANTIHUB_IDENTITY_PATH"), merged["identity_path"], DefaultIdentityPath()),
		LedgerPath:   firstNonEmpty(os.Getenv("ANTIHUB_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		AdminEmail:   firstNonEmpty(os.Getenv("ANTIHUB_ADMIN_EMAIL"), merged["admin_email"], "admin@local"),
		AuthSecret:   firstNonEmpty(os.Getenv("ANTIHUB_AUTH_SECRET"), merged["auth_secret"], "antihub-dev-secret"),
		AuthDisabled: parseOptionalBool(firstNonEmpty(os.Getenv("ANTIHUB_AUTH_DISABLED"), merged["auth_disabled"]), true),
		LogFile:      firstNonEmpty(os.Getenv("ANTIHUB_LOG_FILE"), merged["log_file"]),
		LogLevel:     firstNonEmpty(os.Getenv("ANTIHUB_LOG_LEVEL"), merged["log_level"], "info"),
	}

	cfg.EncryptionKey = Secret(firstNonEmpty(os.Getenv("ANTIHUB_ENCRYPTION_KEY"), merged["encryption_key"]))
	cfg.PluginMigrationEnabled = parseBool(firstNonEmpty(os.Getenv("ANTIHUB_PLUGIN_DB_MIGRATION"), merged["plugin_db_migration"]))
	cfg.PluginDatabaseURL = firstNonEmpty(os.Getenv("ANTIHUB_PLUGIN_DB_URL"), merged["plugin_db_url"])

	cfg.MigrationLockWait = 15 * time.Second
	if v := firstNonEmpty(os.Getenv("ANTIHUB_MIGRATION_LOCK_WAIT"), merged["migration_lock_wait"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid migration_lock_wait %q: %w", v, err)
		}
		cfg.MigrationLockWait = dur
	}

	if cfg.PluginMigrationEnabled && strings.TrimSpace(cfg.PluginDatabaseURL) == "" {
		return ServerConfig{}, errors.New("plugin_db_migration enabled but plugin_db_url is empty")
	}
	return cfg, nil
}

// LoadBootstrapConfig resolves the reconciler target state from the
// environment, mirroring the variables the deployment compose files export.
func LoadBootstrapConfig() (BootstrapConfig, error) {
	cfg := BootstrapConfig{
		AdminDSN:        strings.TrimSpace(os.Getenv("POSTGRES_ADMIN_DSN")),
		Host:            firstNonEmpty(os.Getenv("POSTGRES_HOST"), "localhost"),
		Port:            parseOptionalInt(os.Getenv("POSTGRES_PORT"), 5432),
		PrimaryRole:     firstNonEmpty(os.Getenv("POSTGRES_USER"), "antihub"),
		PrimaryPassword: Secret(os.Getenv("POSTGRES_PASSWORD")),
		PrimaryDatabase: firstNonEmpty(os.Getenv("POSTGRES_DB"), "antihub"),
		PluginRole:      strings.TrimSpace(os.Getenv("PLUGIN_POSTGRES_USER")),
		PluginPassword:  Secret(os.Getenv("PLUGIN_POSTGRES_PASSWORD")),
		PluginDatabase:  strings.TrimSpace(os.Getenv("PLUGIN_POSTGRES_DB")),
	}
	if cfg.PrimaryPassword == "" {
		return BootstrapConfig{}, errors.New("POSTGRES_PASSWORD is required")
	}
	if cfg.PluginRole != "" && cfg.PluginPassword == "" {
		return BootstrapConfig{}, errors.New("PLUGIN_POSTGRES_PASSWORD is required when PLUGIN_POSTGRES_USER is set")
	}
	return cfg, nil
}

// Secret normalizes a secret sourced from env files: surrounding whitespace and
// stray carriage returns (CRLF .env files) are stripped.
func Secret(v string) string {
	return strings.TrimSpace(strings.ReplaceAll(v, "\r", ""))
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultIdentityPath returns the fallback identity database path.
func DefaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "identity.db"
	}
	return filepath.Join(home, ".antihub", "identity.db")
}

// DefaultLedgerPath returns the fallback usage ledger location.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".antihub", "ledger.db")
}
