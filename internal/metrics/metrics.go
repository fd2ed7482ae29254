package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outboxBacklogTimeout = 2 * time.Second
)

var (
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_requests_total",
			Help: "Total pipeline requests by route and status.",
		},
		[]string{"route", "status"},
	)
	IngestDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_decisions_total",
			Help: "Intake gatekeeper decisions by outcome (admit, reject).",
		},
		[]string{"decision"},
	)
	AIExtractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_extractions_total",
			Help: "AI extraction calls by outcome (ok, upstream_error, parse_error).",
		},
		[]string{"outcome"},
	)
	PushSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_sends_total",
			Help: "Per-address push sends by outcome (sent, failed).",
		},
		[]string{"outcome"},
	)
	OutboxPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Outbox events not yet published, by topic.",
		},
		[]string{"topic"},
	)
	OutboxOldestPendingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_oldest_pending_seconds",
			Help: "Age of the oldest unpublished outbox event; zero when none are pending.",
		},
	)
	OutboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox events written to Kafka, by topic.",
		},
		[]string{"topic"},
	)
	OutboxPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Outbox event writes that failed and stay pending, by topic.",
		},
		[]string{"topic"},
	)
	MetricsScrapeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metrics_scrape_errors_total",
			Help: "Total metrics scrape errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Requests,
		IngestDecisions,
		AIExtractions,
		PushSends,
		OutboxPending,
		OutboxOldestPendingSeconds,
		OutboxPublished,
		OutboxPublishFailures,
		MetricsScrapeErrors,
	)
}

// Handler serves the default registry after refreshing the outbox backlog
// gauges from the database.
func Handler(db *sql.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshOutboxBacklog(r.Context(), db)
		promhttp.Handler().ServeHTTP(w, r)
	})
}

// RecordOutboxPublished and RecordOutboxFailure feed the outbox publisher hooks.
func RecordOutboxPublished(topic string, n int) {
	OutboxPublished.WithLabelValues(topic).Add(float64(n))
}

func RecordOutboxFailure(topic string) {
	OutboxPublishFailures.WithLabelValues(topic).Inc()
}

func refreshOutboxBacklog(ctx context.Context, db *sql.DB) {
	ctx, cancel := context.WithTimeout(ctx, outboxBacklogTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, `SELECT topic, count(*), EXTRACT(EPOCH FROM now() - min(created_at))::float8
		FROM outbox_events
		WHERE published_at IS NULL
		GROUP BY topic`)
	if err != nil {
		MetricsScrapeErrors.Inc()
		return
	}
	defer rows.Close()

	pending := make(map[string]float64)
	oldest := 0.0
	for rows.Next() {
		var (
			topic string
			count int64
			age   float64
		)
		if err := rows.Scan(&topic, &count, &age); err != nil {
			MetricsScrapeErrors.Inc()
			return
		}
		pending[topic] = float64(count)
		oldest = max(oldest, age)
	}
	if err := rows.Err(); err != nil {
		MetricsScrapeErrors.Inc()
		return
	}

	// drained topics drop out of the vector instead of reporting a stale count
	OutboxPending.Reset()
	for topic, n := range pending {
		OutboxPending.WithLabelValues(topic).Set(n)
	}
	OutboxOldestPendingSeconds.Set(oldest)
}
