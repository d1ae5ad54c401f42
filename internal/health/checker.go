// Package health probes the daemon's dependencies: the target database and
// the plugin migration record.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/antihub/antihub-ops/internal/migration"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a single probe.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is a probed system component.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database, migration
	CheckResult
}

// Checker performs health checks on system components.
type Checker struct {
	targetDB *sql.DB

	stateStore    migration.StateStore
	migrationName string

	dbTimeout          time.Duration
	maxDatabaseLatency time.Duration
}

// Config holds health checker configuration.
type Config struct {
	// TargetDB is the consolidated database handle. Nil in single-node
	// SQLite mode, where store opens already prove liveness.
	TargetDB *sql.DB

	// MigrationState, when set, surfaces the plugin migration record as a
	// component so a stale failed row is visible from /health.
	MigrationState migration.StateStore
	MigrationName  string

	DBTimeout          time.Duration
	MaxDatabaseLatency time.Duration
}

// New creates a health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	if cfg.MigrationName == "" {
		cfg.MigrationName = migration.DefaultName
	}
	return &Checker{
		targetDB:           cfg.TargetDB,
		stateStore:         cfg.MigrationState,
		migrationName:      cfg.MigrationName,
		dbTimeout:          cfg.DBTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
	}
}

// Check runs all probes and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, 4)

	if c.targetDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkDatabase(ctx, "target_db", c.targetDB)
		}()
	}

	if c.stateStore != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkMigration(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0)
	for comp := range results {
		components = append(components, comp)
	}

	return c.calculateOverallStatus(components)
}

// checkDatabase checks database connectivity and latency.
func (c *Checker) checkDatabase(ctx context.Context, name string, db *sql.DB) Component {
	comp := Component{
		Name: name,
		Type: "database",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()
	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	err := db.PingContext(dbCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
		return comp
	}

	if comp.Latency > c.maxDatabaseLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// checkMigration reflects the plugin migration record. A failed record is
// degraded, not unhealthy: the daemon refuses to start on a fresh failure,
// so a failed row seen here belongs to a disabled migration and only needs
// operator attention.
func (c *Checker) checkMigration(ctx context.Context) Component {
	comp := Component{
		Name: "plugin_migration",
		Type: "migration",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()
	st, err := c.stateStore.Get(ctx, c.migrationName)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Migration state unreadable"
		return comp
	}
	switch {
	case st == nil:
		comp.Status = StatusHealthy
		comp.Message = "Not run"
	case st.Succeeded():
		comp.Status = StatusHealthy
		comp.Message = "Completed"
	case st.Status == migration.StatusFailed:
		comp.Status = StatusDegraded
		comp.Message = "Last run failed"
		comp.Error = st.LastError
	default:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("Status %s", st.Status)
	}
	return comp
}

// calculateOverallStatus determines overall health from component statuses.
func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			// Database failures are critical.
			if comp.Type == "database" {
				criticalUnhealthy = true
			}
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}
	if criticalUnhealthy {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}
