// Package metrics exposes Prometheus instrumentation for sync passes,
// decision rounds, and chat turns.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smarthub/internal/index"
	"smarthub/internal/model"
)

const (
	namespace   = "smarthub"
	maxLabelLen = 64
)

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics owns a private registry so tests and multiple instances never
// collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	syncPasses    prometheus.Counter
	syncFailures  prometheus.Counter
	itemsScanned  prometheus.Counter
	itemsEmbedded prometheus.Counter
	syncDuration  prometheus.Histogram

	decisionRounds   *prometheus.CounterVec
	decisionOutcomes *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Sync passes started.",
		}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Sync passes that ended with an error.",
		}),
		itemsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_scanned_total",
			Help:      "Catalog items considered for embedding.",
		}),
		itemsEmbedded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_embedded_total",
			Help:      "Catalog items embedded and stored.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Wall time of a sync pass.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		decisionRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "rounds_total",
			Help:      "Decision rounds by the mode the model chose.",
		}, []string{"mode"}),
		decisionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "outcomes_total",
			Help:      "Decision loop outcomes by terminal state.",
		}, []string{"terminal"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turn_duration_seconds",
			Help:      "Latency of a chat turn.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.syncPasses, m.syncFailures, m.itemsScanned, m.itemsEmbedded, m.syncDuration,
		m.decisionRounds, m.decisionOutcomes, m.turnDuration,
	)
	return m
}

// ObserveSync records one sync pass. Partial results count even on error.
func (m *Metrics) ObserveSync(result model.SyncResult, elapsed time.Duration, err error) {
	m.syncPasses.Inc()
	m.itemsScanned.Add(float64(result.Scanned))
	m.itemsEmbedded.Add(float64(result.Embedded))
	m.syncDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.syncFailures.Inc()
	}
}

func (m *Metrics) ObserveRound(mode string) {
	m.decisionRounds.WithLabelValues(sanitizeLabel(strings.ToLower(mode))).Inc()
}

func (m *Metrics) ObserveOutcome(terminal string, rounds int) {
	m.decisionOutcomes.WithLabelValues(sanitizeLabel(terminal)).Inc()
}

// ObserveTurn records the latency of one chat turn.
func (m *Metrics) ObserveTurn(elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.turnDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RegisterIndex exports an index's in-process counters.
func (m *Metrics) RegisterIndex(im *index.Metrics) {
	if im == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "upserted_total",
			Help:      "Embedding records written to the index.",
		}, func() float64 { return float64(im.Upserted.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "queries_total",
			Help:      "Similarity queries served.",
		}, func() float64 { return float64(im.Queries.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "dimension_mismatch_total",
			Help:      "Records rejected for a vector dimension mismatch.",
		}, func() float64 { return float64(im.DimensionMismatch.Load()) }),
	)
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
