package entitlements

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics manages Prometheus instrumentation for entitlement lookups and gates.
type Metrics struct {
	cacheRequests    *prometheus.CounterVec
	invalidations    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	gateDecisions    *prometheus.CounterVec
	reservations     *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide metrics registered on the default registerer.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics(prometheus.DefaultRegisterer)
	})
	return metricsInstance
}

// NewMetrics registers the entitlement collectors on registerer. Collectors
// that are already registered are reused.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		cacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Entitlement cache lookups by result",
			},
			[]string{"result"},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Subsystem: "cache",
				Name:      "invalidations_total",
				Help:      "Entitlement cache invalidations by scope",
			},
			[]string{"scope"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "entitlements",
				Name:      "provider_duration_seconds",
				Help:      "Latency of subscription and usage provider lookups",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"provider", "outcome"},
		),
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Name:      "gate_decisions_total",
				Help:      "Gate decisions by check kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Name:      "reservations_total",
				Help:      "Quantity reservations by resource and outcome",
			},
			[]string{"resource", "outcome"},
		),
	}

	m.cacheRequests = registerCounterVec(registerer, m.cacheRequests)
	m.invalidations = registerCounterVec(registerer, m.invalidations)
	m.providerDuration = registerHistogramVec(registerer, m.providerDuration)
	m.gateDecisions = registerCounterVec(registerer, m.gateDecisions)
	m.reservations = registerCounterVec(registerer, m.reservations)

	return m
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return counter
}

func registerHistogramVec(registerer prometheus.Registerer, histogram *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := registerer.Register(histogram); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return histogram
}

func outcomeLabel(ok bool) string {
	if ok {
		return "allowed"
	}
	return "denied"
}

func (m *Metrics) recordCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) recordInvalidation(scope string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(scope).Inc()
}

func (m *Metrics) observeProvider(provider string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerDuration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) recordDecision(kind string, allowed bool) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(kind, outcomeLabel(allowed)).Inc()
}

func (m *Metrics) recordReservation(resource string, outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(resource, outcome).Inc()
}
