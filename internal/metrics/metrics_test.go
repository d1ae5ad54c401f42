package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()

	c.RecordRequestStart("/api/usage/summary")
	c.RecordRequest("/api/usage/summary", 25*time.Millisecond)
	c.RecordRequestEnd("/api/usage/summary")
	c.RecordError("/api/accounts")
	c.RecordTokenUsage("claude-sonnet", 100, 40)
	c.RecordMigration("migrated", map[string]int64{"kiro_accounts": 2})

	snap := c.GetSnapshot()
	if snap.TotalRequests["/api/usage/summary"] != 1 {
		t.Fatalf("request count: %v", snap.TotalRequests)
	}
	if snap.RequestsInProgress["/api/usage/summary"] != 0 {
		t.Fatalf("in-progress not balanced: %v", snap.RequestsInProgress)
	}
	if snap.RequestErrors["/api/accounts"] != 1 {
		t.Fatalf("error count: %v", snap.RequestErrors)
	}
	if snap.TokensByModel["claude-sonnet"] != 140 {
		t.Fatalf("token count: %v", snap.TokensByModel)
	}
	if snap.MigrationOutcome != "migrated" || snap.MigrationRows["kiro_accounts"] != 2 {
		t.Fatalf("migration snapshot: %q %v", snap.MigrationOutcome, snap.MigrationRows)
	}

	// Snapshot is a copy, not a view.
	snap.TokensByModel["claude-sonnet"] = 0
	if c.GetSnapshot().TokensByModel["claude-sonnet"] != 140 {
		t.Fatal("snapshot shares state with collector")
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("/health", time.Millisecond)
	c.RecordMigration("already-migrated", map[string]int64{"qwen_accounts": 1})

	out := FormatPrometheus(c.GetSnapshot())
	for _, want := range []string{
		`antihub_requests_total{endpoint="/health"} 1`,
		`antihub_migration_info{outcome="already-migrated"} 1`,
		`antihub_migration_rows_total{entity="qwen_accounts"} 1`,
		"# TYPE antihub_uptime_seconds gauge",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}
