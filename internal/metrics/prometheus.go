package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP antihub_uptime_seconds Time since the process started\n")
	sb.WriteString("# TYPE antihub_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("antihub_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP antihub_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE antihub_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("antihub_requests_total{endpoint=%q} %d\n", endpoint, snap.TotalRequests[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP antihub_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE antihub_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("antihub_request_errors_total{endpoint=%q} %d\n", endpoint, snap.RequestErrors[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP antihub_requests_in_progress Current number of requests being processed\n")
	sb.WriteString("# TYPE antihub_requests_in_progress gauge\n")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		if count := snap.RequestsInProgress[endpoint]; count > 0 {
			sb.WriteString(fmt.Sprintf("antihub_requests_in_progress{endpoint=%q} %d\n", endpoint, count))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP antihub_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE antihub_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		sb.WriteString(fmt.Sprintf("antihub_request_duration_ms_total{endpoint=%q} %d\n", endpoint, snap.TotalRequestsDur[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP antihub_input_tokens_total Total input tokens processed\n")
	sb.WriteString("# TYPE antihub_input_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("antihub_input_tokens_total %d\n", snap.TotalInputTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP antihub_output_tokens_total Total output tokens generated\n")
	sb.WriteString("# TYPE antihub_output_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("antihub_output_tokens_total %d\n", snap.TotalOutputTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP antihub_tokens_by_model_total Total tokens by model\n")
	sb.WriteString("# TYPE antihub_tokens_by_model_total counter\n")
	for _, model := range sortedKeys(snap.TokensByModel) {
		sb.WriteString(fmt.Sprintf("antihub_tokens_by_model_total{model=%q} %d\n", model, snap.TokensByModel[model]))
	}
	sb.WriteString("\n")

	if snap.MigrationOutcome != "" {
		sb.WriteString("# HELP antihub_migration_info Startup migration outcome\n")
		sb.WriteString("# TYPE antihub_migration_info gauge\n")
		sb.WriteString(fmt.Sprintf("antihub_migration_info{outcome=%q} 1\n", snap.MigrationOutcome))
		sb.WriteString("\n")

		sb.WriteString("# HELP antihub_migration_rows_total Rows copied by the startup migration, by entity type\n")
		sb.WriteString("# TYPE antihub_migration_rows_total gauge\n")
		for _, entity := range sortedKeys(snap.MigrationRows) {
			sb.WriteString(fmt.Sprintf("antihub_migration_rows_total{entity=%q} %d\n", entity, snap.MigrationRows[entity]))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
