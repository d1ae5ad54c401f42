package metrics

import (
	"sync"
	"time"
)

// Collector tracks request and migration metrics for the /metrics endpoint.
// Manual tracking without external dependencies; swap in
// prometheus/client_golang if histograms are ever needed.
type Collector struct {
	mu sync.RWMutex

	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64

	// Token usage, fed from the ledger path.
	totalInputTokens  int64
	totalOutputTokens int64
	tokensByModel     map[string]int64

	// Startup migration result: outcome label plus per-entity-type copied
	// row counts.
	migrationOutcome string
	migrationRows    map[string]int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		tokensByModel:      make(map[string]int64),
		migrationRows:      make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a completed request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// RecordTokenUsage records token usage.
func (c *Collector) RecordTokenUsage(model string, inputTokens, outputTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalInputTokens += inputTokens
	c.totalOutputTokens += outputTokens
	if model != "" {
		c.tokensByModel[model] += inputTokens + outputTokens
	}
}

// RecordMigration records the startup migration outcome and row counts.
func (c *Collector) RecordMigration(outcome string, rows map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.migrationOutcome = outcome
	for k, v := range rows {
		c.migrationRows[k] = v
	}
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64
	TotalInputTokens   int64
	TotalOutputTokens  int64
	TokensByModel      map[string]int64
	MigrationOutcome   string
	MigrationRows      map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),
		TotalInputTokens:   c.totalInputTokens,
		TotalOutputTokens:  c.totalOutputTokens,
		TokensByModel:      copyMap(c.tokensByModel),
		MigrationOutcome:   c.migrationOutcome,
		MigrationRows:      copyMap(c.migrationRows),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
