package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events durably appended to the journal, by topic.",
	}, []string{"topic"})

	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "bus",
		Name:      "events_delivered_total",
		Help:      "Events handled by subscribers, by subscriber name.",
	}, []string{"subscriber"})

	deadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "bus",
		Name:      "events_dead_letter_total",
		Help:      "Events quarantined after the retry budget was exhausted.",
	}, []string{"topic"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "bus",
		Name:      "events_dropped_total",
		Help:      "Best-effort events dropped due to a full subscriber queue.",
	}, []string{"subscriber"})

	disconnectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "bus",
		Name:      "slow_consumers_disconnected_total",
		Help:      "Subscribers disconnected for staying backed up past the timeout.",
	}, []string{"subscriber"})
)
