// Package metrics exposes the engine's Prometheus collectors. Collectors
// are package-level and registered once; components increment them
// directly so wiring stays trivial.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Advancements counts finished advancements by resulting status.
	Advancements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowd_advancements_total",
		Help: "Advancements processed, labeled by resulting instance status.",
	}, []string{"status"})

	// AdvancementErrors counts advancements that failed on infrastructure,
	// i.e. the message was redelivered rather than progressed.
	AdvancementErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowd_advancement_errors_total",
		Help: "Advancements aborted by infrastructure errors.",
	})

	// Suspensions counts suspensions by kind (delay, event).
	Suspensions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowd_suspensions_total",
		Help: "Instance suspensions, labeled by suspension kind.",
	}, []string{"kind"})

	// ConsumerMessages counts consumed broker messages by outcome
	// (ok, decode_error, definition_missing, error).
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowd_consumer_messages_total",
		Help: "Broker messages consumed, labeled by handling outcome.",
	}, []string{"result"})

	// OutboxPublished counts outbox rows re-emitted to the broker.
	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowd_outbox_published_total",
		Help: "Outbox entries published to the broker.",
	})

	// OutboxPublishFailures counts publish attempts that failed.
	OutboxPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowd_outbox_publish_failures_total",
		Help: "Outbox publish attempts that failed.",
	})

	// OutboxPending reports PENDING rows eligible for processing.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowd_outbox_pending",
		Help: "Outbox entries waiting to be published.",
	})

	// OutboxStuck reports PENDING rows that exhausted their attempts and
	// need operator attention.
	OutboxStuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowd_outbox_stuck",
		Help: "Outbox entries past max attempts, excluded from processing.",
	})

	// OutboxSwept counts SENT rows removed by the janitor.
	OutboxSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowd_outbox_swept_total",
		Help: "Outbox entries deleted after retention.",
	})

	// EventsEmitted counts CloudEvents published by emit tasks.
	EventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowd_events_emitted_total",
		Help: "CloudEvents emitted by workflows.",
	})

	// EventsMatched counts events that satisfied a parked listen.
	EventsMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowd_events_matched_total",
		Help: "Events that resumed a waiting listen task.",
	})

	// ListensParked reports continuations waiting for events.
	ListensParked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowd_listens_parked",
		Help: "Listen continuations parked at the correlator.",
	})
)

// Handler serves the default registry, for the health server's /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
