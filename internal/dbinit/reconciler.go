package dbinit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/antihub/antihub-ops/internal/config"
)

// Connector opens a connection to one database of the cluster using
// superuser-equivalent credentials. The reconciler needs per-database
// connections for the schema grant phase.
type Connector interface {
	Connect(database string) (*sql.DB, error)
}

// DSNConnector builds per-database DSNs from an admin base DSN.
type DSNConnector struct {
	base *url.URL
}

// NewDSNConnector parses the admin DSN. The path (database) component is
// replaced per connection.
func NewDSNConnector(adminDSN string) (*DSNConnector, error) {
	u, err := url.Parse(adminDSN)
	if err != nil {
		return nil, fmt.Errorf("parse admin dsn: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("admin dsn must be a postgres URL, got scheme %q", u.Scheme)
	}
	return &DSNConnector{base: u}, nil
}

// AdminDSN assembles the superuser connection string from the bootstrap
// config, preferring an explicit POSTGRES_ADMIN_DSN override.
//
// The fallback authenticates with the primary role's declared password. That
// only works when the cluster already accepts it (fresh volume, or a rerun
// after the password reset went through). When rotating credentials over an
// existing data volume, set POSTGRES_ADMIN_DSN with the still-live
// credentials; the declared password becomes effective during reconciliation.
func AdminDSN(cfg config.BootstrapConfig) string {
	if cfg.AdminDSN != "" {
		return cfg.AdminDSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.PrimaryRole, cfg.PrimaryPassword),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/postgres",
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (c *DSNConnector) Connect(database string) (*sql.DB, error) {
	u := *c.base
	u.Path = "/" + database
	db, err := sql.Open("pgx", u.String())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", database, err)
	}
	return db, nil
}

// Reconciler drives the cluster to a Target. All statements run fail-fast:
// the first error aborts the whole procedure.
type Reconciler struct {
	connector Connector
	logger    *log.Logger

	// maintenanceDB is the database used for cluster-level DDL (role and
	// database statements). Defaults to "postgres".
	maintenanceDB string
}

// New creates a Reconciler. A nil logger falls back to the default logger.
func New(connector Connector, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{connector: connector, logger: logger, maintenanceDB: "postgres"}
}

// Run reconciles the cluster with the target. Steps, in order:
//
//  1. For each declared role: create it if absent, otherwise reset its
//     password. The password set is unconditional, covering rotated
//     credentials on a reused data volume.
//  2. For each declared database: create it owned by its role if absent,
//     otherwise re-own it (never drop/recreate; contents are preserved).
//  3. Database-level grants for GrantTo roles.
//  4. Per-database schema grants, default privileges for future tables and
//     sequences, and required extensions.
func (r *Reconciler) Run(ctx context.Context, target Target) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}

	admin, err := r.connector.Connect(r.maintenanceDB)
	if err != nil {
		return fmt.Errorf("connect cluster: %w", err)
	}
	defer admin.Close()
	if err := admin.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres unreachable: %w", err)
	}

	for _, role := range target.Roles {
		if err := r.ensureRole(ctx, admin, role); err != nil {
			return err
		}
	}
	for _, db := range target.Databases {
		if err := r.ensureDatabase(ctx, admin, db); err != nil {
			return err
		}
	}
	for _, db := range target.Databases {
		if db.GrantTo == "" {
			continue
		}
		stmt := fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
			quoteIdent(db.Name), quoteIdent(db.GrantTo))
		if _, err := admin.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("grant database %s to %s: %w", db.Name, db.GrantTo, err)
		}
		r.logger.Printf("granted database %s to role %s", db.Name, db.GrantTo)
	}
	for _, grant := range target.SchemaGrants {
		if err := r.applySchemaGrant(ctx, grant); err != nil {
			return err
		}
	}
	return nil
}

// ensureRole creates the role with LOGIN if it does not exist, otherwise
// resets its password.
func (r *Reconciler) ensureRole(ctx context.Context, admin *sql.DB, role RoleTarget) error {
	var exists bool
	err := admin.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, role.Name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check role %s: %w", role.Name, err)
	}
	var stmt string
	if exists {
		stmt = fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s",
			quoteIdent(role.Name), quoteLiteral(role.Password))
	} else {
		stmt = fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s",
			quoteIdent(role.Name), quoteLiteral(role.Password))
	}
	if _, err := admin.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure role %s: %w", role.Name, err)
	}
	if exists {
		r.logger.Printf("role %s: password reset", role.Name)
	} else {
		r.logger.Printf("role %s: created", role.Name)
	}
	return nil
}

// ensureDatabase creates the database owned by its role, or re-owns a
// pre-existing one. Ownership change is non-destructive; existing tables and
// rows survive.
func (r *Reconciler) ensureDatabase(ctx context.Context, admin *sql.DB, db DatabaseTarget) error {
	var exists bool
	err := admin.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, db.Name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check database %s: %w", db.Name, err)
	}
	var stmt string
	if exists {
		stmt = fmt.Sprintf("ALTER DATABASE %s OWNER TO %s", quoteIdent(db.Name), quoteIdent(db.Owner))
	} else {
		stmt = fmt.Sprintf("CREATE DATABASE %s OWNER %s", quoteIdent(db.Name), quoteIdent(db.Owner))
	}
	if _, err := admin.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure database %s: %w", db.Name, err)
	}
	if exists {
		r.logger.Printf("database %s: owner set to %s", db.Name, db.Owner)
	} else {
		r.logger.Printf("database %s: created with owner %s", db.Name, db.Owner)
	}
	return nil
}

// applySchemaGrant connects to the grant's database and applies blanket
// privileges on the schema, default privileges for objects created later,
// and required extensions.
func (r *Reconciler) applySchemaGrant(ctx context.Context, grant SchemaGrant) error {
	db, err := r.connector.Connect(grant.Database)
	if err != nil {
		return fmt.Errorf("connect %s: %w", grant.Database, err)
	}
	defer db.Close()

	schema := quoteIdent(grant.Schema)
	role := quoteIdent(grant.Role)
	stmts := []string{
		fmt.Sprintf("GRANT ALL ON SCHEMA %s TO %s", schema, role),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON ALL TABLES IN SCHEMA %s TO %s", schema, role),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON ALL SEQUENCES IN SCHEMA %s TO %s", schema, role),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT ALL ON TABLES TO %s", schema, role),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT ALL ON SEQUENCES TO %s", schema, role),
	}
	for _, ext := range grant.Extensions {
		stmts = append(stmts, fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s WITH SCHEMA %s",
			quoteIdent(ext), schema))
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema grant on %s.%s: %q: %w", grant.Database, grant.Schema, stmt, err)
		}
	}
	r.logger.Printf("schema %s.%s: privileges and default privileges granted to %s",
		grant.Database, grant.Schema, grant.Role)
	return nil
}

// quoteIdent quotes a SQL identifier. Role, database and schema names come
// from operator configuration, but they still go through proper identifier
// quoting rather than raw interpolation.
func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// quoteLiteral quotes a string literal for DDL statements that cannot take
// bind parameters (ALTER ROLE ... PASSWORD).
func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
