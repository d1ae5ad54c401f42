// Package dbinit reconciles a Postgres cluster's roles, database ownership and
// schema grants with a declared target state. Every step is conditional and
// re-runnable: running the whole procedure against an already-configured
// cluster performs no destructive DDL and leaves the end state unchanged.
package dbinit

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antihub/antihub-ops/internal/config"
)

// RoleTarget declares a database principal and its current password.
type RoleTarget struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// DatabaseTarget declares a database and its owning role.
type DatabaseTarget struct {
	Name  string `yaml:"name"`
	Owner string `yaml:"owner"`
	// GrantTo optionally receives ALL PRIVILEGES on the database itself,
	// in addition to the owner (used for the plugin service role).
	GrantTo string `yaml:"grant_to,omitempty"`
}

// SchemaGrant declares blanket privileges for a role on one schema of one
// database, including default privileges for future tables and sequences.
type SchemaGrant struct {
	Database   string   `yaml:"database"`
	Schema     string   `yaml:"schema"`
	Role       string   `yaml:"role"`
	Extensions []string `yaml:"extensions,omitempty"`
}

// Target is the declared end state the reconciler drives the cluster to.
type Target struct {
	Roles        []RoleTarget     `yaml:"roles"`
	Databases    []DatabaseTarget `yaml:"databases"`
	SchemaGrants []SchemaGrant    `yaml:"schema_grants"`
}

// Validate rejects targets that reference undeclared roles or are missing
// required fields, before any SQL is attempted.
func (t Target) Validate() error {
	if len(t.Roles) == 0 {
		return fmt.Errorf("target declares no roles")
	}
	roles := make(map[string]bool, len(t.Roles))
	for _, r := range t.Roles {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("role with empty name")
		}
		if r.Password == "" {
			return fmt.Errorf("role %s has empty password", r.Name)
		}
		roles[r.Name] = true
	}
	for _, d := range t.Databases {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("database with empty name")
		}
		if !roles[d.Owner] {
			return fmt.Errorf("database %s owner %q is not a declared role", d.Name, d.Owner)
		}
		if d.GrantTo != "" && !roles[d.GrantTo] {
			return fmt.Errorf("database %s grant_to %q is not a declared role", d.Name, d.GrantTo)
		}
	}
	for _, g := range t.SchemaGrants {
		if strings.TrimSpace(g.Database) == "" || strings.TrimSpace(g.Schema) == "" {
			return fmt.Errorf("schema grant with empty database or schema")
		}
		if !roles[g.Role] {
			return fmt.Errorf("schema grant on %s.%s names undeclared role %q", g.Database, g.Schema, g.Role)
		}
	}
	return nil
}

// FromBootstrapConfig builds the standard deployment target: the primary role
// owning the backend database, plus the optional plugin role and its private
// database. Passwords arrive already normalized by the config layer.
func FromBootstrapConfig(cfg config.BootstrapConfig) Target {
	t := Target{
		Roles: []RoleTarget{{Name: cfg.PrimaryRole, Password: cfg.PrimaryPassword}},
		Databases: []DatabaseTarget{
			{Name: cfg.PrimaryDatabase, Owner: cfg.PrimaryRole},
		},
		SchemaGrants: []SchemaGrant{
			{Database: cfg.PrimaryDatabase, Schema: "public", Role: cfg.PrimaryRole, Extensions: []string{"uuid-ossp"}},
		},
	}
	if cfg.PluginRole != "" {
		t.Roles = append(t.Roles, RoleTarget{Name: cfg.PluginRole, Password: cfg.PluginPassword})
		if cfg.PluginDatabase != "" {
			t.Databases = append(t.Databases, DatabaseTarget{
				Name:    cfg.PluginDatabase,
				Owner:   cfg.PluginRole,
				GrantTo: cfg.PluginRole,
			})
			t.SchemaGrants = append(t.SchemaGrants, SchemaGrant{
				Database:   cfg.PluginDatabase,
				Schema:     "public",
				Role:       cfg.PluginRole,
				Extensions: []string{"uuid-ossp"},
			})
		}
	}
	return t
}

// LoadTargetFile reads a declarative target state from a YAML file. Passwords
// in the file may reference environment variables with ${VAR}.
func LoadTargetFile(path string) (Target, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Target{}, fmt.Errorf("read target file: %w", err)
	}
	var t Target
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Target{}, fmt.Errorf("parse target file: %w", err)
	}
	for i := range t.Roles {
		t.Roles[i].Password = config.Secret(expandEnv(t.Roles[i].Password))
	}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

func expandEnv(v string) string {
	if !strings.Contains(v, "${") {
		return v
	}
	return os.Expand(v, os.Getenv)
}
