package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts billing events by Stripe event type and result.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "entitlements",
		Subsystem: "billing",
		Name:      "events_total",
		Help:      "Billing events by Stripe event type and result.",
	}, []string{"event_type", "result"})

	// EventDuration tracks billing event processing latency.
	EventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "entitlements",
		Subsystem: "billing",
		Name:      "event_duration_seconds",
		Help:      "Billing event processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})
)
