package dbinit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/antihub/antihub-ops/internal/config"
)

func TestFromBootstrapConfig(t *testing.T) {
	target := FromBootstrapConfig(config.BootstrapConfig{
		PrimaryRole:     "antihub",
		PrimaryPassword: "p1",
		PrimaryDatabase: "antihub",
		PluginRole:      "antihub_plugin",
		PluginPassword:  "p2",
		PluginDatabase:  "antihub_plugin",
	})
	if err := target.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(target.Roles) != 2 || len(target.Databases) != 2 || len(target.SchemaGrants) != 2 {
		t.Fatalf("unexpected target shape: %+v", target)
	}
	if target.Databases[1].GrantTo != "antihub_plugin" {
		t.Fatalf("plugin database should grant to plugin role, got %q", target.Databases[1].GrantTo)
	}
	if target.SchemaGrants[0].Extensions[0] != "uuid-ossp" {
		t.Fatalf("expected uuid-ossp extension on primary schema")
	}
}

func TestFromBootstrapConfigWithoutPlugin(t *testing.T) {
	target := FromBootstrapConfig(config.BootstrapConfig{
		PrimaryRole:     "antihub",
		PrimaryPassword: "p1",
		PrimaryDatabase: "antihub",
	})
	if len(target.Roles) != 1 || len(target.Databases) != 1 {
		t.Fatalf("plugin targets should be absent: %+v", target)
	}
}

func TestTargetValidate(t *testing.T) {
	cases := []struct {
		name   string
		target Target
	}{
		{"no roles", Target{}},
		{"empty password", Target{Roles: []RoleTarget{{Name: "a"}}}},
		{"undeclared owner", Target{
			Roles:     []RoleTarget{{Name: "a", Password: "x"}},
			Databases: []DatabaseTarget{{Name: "d", Owner: "b"}},
		}},
		{"undeclared grant role", Target{
			Roles:        []RoleTarget{{Name: "a", Password: "x"}},
			SchemaGrants: []SchemaGrant{{Database: "d", Schema: "public", Role: "b"}},
		}},
	}
	for _, tc := range cases {
		if err := tc.target.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadTargetFile(t *testing.T) {
	os.Setenv("DBINIT_TEST_PW", "from-env\r")
	t.Cleanup(func() { os.Unsetenv("DBINIT_TEST_PW") })

	content := `
roles:
  - name: antihub
    password: ${DBINIT_TEST_PW}
databases:
  - name: antihub
    owner: antihub
schema_grants:
  - database: antihub
    schema: public
    role: antihub
    extensions: [uuid-ossp]
`
	path := filepath.Join(t.TempDir(), "targets.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	target, err := LoadTargetFile(path)
	if err != nil {
		t.Fatalf("LoadTargetFile: %v", err)
	}
	if target.Roles[0].Password != "from-env" {
		t.Fatalf("env expansion or CR strip failed: %q", target.Roles[0].Password)
	}
}

func TestQuoting(t *testing.T) {
	if got := quoteIdent(`weird"name`); got != `"weird""name"` {
		t.Fatalf("quoteIdent: %s", got)
	}
	if got := quoteLiteral(`o'brien`); got != `'o''brien'` {
		t.Fatalf("quoteLiteral: %s", got)
	}
}

func TestAdminDSN(t *testing.T) {
	dsn := AdminDSN(config.BootstrapConfig{
		Host:            "db",
		Port:            5433,
		PrimaryRole:     "antihub",
		PrimaryPassword: "pw",
	})
	want := "postgres://antihub:pw@db:5433/postgres?sslmode=disable"
	if dsn != want {
		t.Fatalf("AdminDSN: got %s want %s", dsn, want)
	}
	if got := AdminDSN(config.BootstrapConfig{AdminDSN: "postgres://x@y/postgres"}); got != "postgres://x@y/postgres" {
		t.Fatalf("explicit admin dsn not honored: %s", got)
	}
}
