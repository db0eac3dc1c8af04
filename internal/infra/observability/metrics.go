package observability

import (
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the tally service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	tokensUsed        *prometheus.CounterVec
	runsTotal         *prometheus.CounterVec
	chequesClassified *prometheus.CounterVec
	extractionChunks  *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tally_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_llm_tokens_total",
				Help: "Total LLM tokens consumed by extraction.",
			},
			[]string{"type"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_runs_total",
				Help: "Total reconciliation runs.",
			},
			[]string{"status"},
		),
		chequesClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_cheques_classified_total",
				Help: "Cheques classified by reconciliation runs, by outcome.",
			},
			[]string{"outcome"},
		),
		extractionChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tally_extraction_chunks_total",
				Help: "Document chunks sent for extraction, by status.",
			},
			[]string{"status"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// IncrRun increments the reconciliation run counter with a status label
// ("success" or "error").
func (m *Metrics) IncrRun(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
}

// RecordClassified adds n cheques with the given outcome.
func (m *Metrics) RecordClassified(outcome domain.MatchOutcome, n int) {
	m.chequesClassified.WithLabelValues(string(outcome)).Add(float64(n))
}

// IncrChunk counts one extracted chunk ("ok" or "failed").
func (m *Metrics) IncrChunk(status string) {
	m.extractionChunks.WithLabelValues(status).Inc()
}

// GetTallySnapshot returns a snapshot of reconciliation metrics suitable
// for the GET /v1/metrics/tally endpoint.
func (m *Metrics) GetTallySnapshot() *domain.TallyMetrics {
	// Prometheus counters expose cumulative values.
	succeeded := getCounterValue(m.runsTotal, "success")
	failed := getCounterValue(m.runsTotal, "error")
	cacheHits := getCounterValue(m.cacheHits, "report")
	cacheMisses := getCounterValue(m.cacheMisses, "report")

	totalRuns := succeeded + failed
	errorRate := float64(0)
	cacheHitRate := float64(0)

	if totalRuns > 0 {
		errorRate = failed / totalRuns
	}
	if cacheHits+cacheMisses > 0 {
		cacheHitRate = cacheHits / (cacheHits + cacheMisses)
	}

	chunksOK := getCounterValue(m.extractionChunks, "ok")
	chunksFailed := getCounterValue(m.extractionChunks, "failed")

	return &domain.TallyMetrics{
		TotalRuns:          int64(totalRuns),
		FailedRuns:         int64(failed),
		ErrorRate:          errorRate,
		ChequesCashed:      int64(getCounterValue(m.chequesClassified, string(domain.OutcomeCashed))),
		ChequesPending:     int64(getCounterValue(m.chequesClassified, string(domain.OutcomePending))),
		ChunksFailed:       int64(chunksFailed),
		ChunksProcessed:    int64(chunksOK + chunksFailed),
		PromptTokens:       int64(getCounterValue(m.tokensUsed, "prompt")),
		CompletionTokens:   int64(getCounterValue(m.tokensUsed, "completion")),
		ReportCacheHitRate: cacheHitRate,
		Period:             "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
