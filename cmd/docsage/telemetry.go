package main

import (
	"strconv"
	"time"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/pkg/metrics"
	"github.com/docsage/docsage/pkg/resilience"
)

const metricPrefix = "docsage"

// telemetry names the docsage metrics on top of a registry.
type telemetry struct {
	reg *metrics.Registry
}

func newTelemetry(reg *metrics.Registry) *telemetry { return &telemetry{reg: reg} }

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (t *telemetry) request(method, path string, status int, d time.Duration) {
	t.reg.Counter(metrics.WithLabels("docsage_http_requests_total", "method", method, "path", path, "status", strconv.Itoa(status)),
		"HTTP requests by route and status").Inc()
	t.reg.Histogram(metrics.WithLabels("docsage_http_request_duration_seconds", "path", path),
		"HTTP request latency", nil).Observe(d.Seconds())
}

func (t *telemetry) stage(stage string, d time.Duration, err error) {
	t.reg.Histogram(metrics.WithLabels("docsage_ingest_stage_duration_seconds", "stage", stage),
		"Duration of each ingest stage", nil).Observe(d.Seconds())
	if err != nil {
		t.reg.Counter(metrics.WithLabels("docsage_ingest_stage_errors_total", "stage", stage, "kind", domain.KindOf(err).String()),
			"Failed ingest stages").Inc()
	}
}

func (t *telemetry) ingest(d time.Duration, info *domain.IndexInfo, err error) {
	t.reg.Counter(metrics.WithLabels("docsage_ingest_runs_total", "status", statusLabel(err)), "Ingest runs by outcome").Inc()
	t.reg.Histogram("docsage_ingest_duration_seconds", "End-to-end ingest duration", nil).Observe(d.Seconds())
	if info != nil {
		t.reg.Gauge("docsage_chunks_indexed", "Chunks in the live index").Set(float64(info.Chunks))
		t.reg.Gauge("docsage_index_version", "Version of the live index").Set(float64(info.Version))
	}
}

func (t *telemetry) query(d time.Duration, err error) {
	t.reg.Counter(metrics.WithLabels("docsage_queries_total", "status", statusLabel(err)), "Queries by outcome").Inc()
	t.reg.Histogram("docsage_query_duration_seconds", "Query latency including generation", nil).Observe(d.Seconds())
}

func (t *telemetry) generationError(family string) {
	t.reg.Counter(metrics.WithLabels("docsage_generation_errors_total", "family", family), "Generation failures by provider family").Inc()
}

func (t *telemetry) cacheLookup(model string, hits, misses int) {
	t.reg.Counter(metrics.WithLabels("docsage_embed_cache_hits_total", "model", model), "Embedding cache hits").Add(int64(hits))
	t.reg.Counter(metrics.WithLabels("docsage_embed_cache_misses_total", "model", model), "Embedding cache misses").Add(int64(misses))
}

func (t *telemetry) breaker(name string, _, to resilience.State) {
	t.reg.Gauge(metrics.WithLabels("docsage_circuit_state", "family", name),
		"Provider circuit state (0 closed, 1 open, 2 half-open)").Set(float64(to))
}
