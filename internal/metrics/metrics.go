package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "authmail"

// Metrics holds the collectors for code lifecycle and email delivery.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	codesGenerated   *prometheus.CounterVec
	validations      *prometheus.CounterVec
	codesCleaned     *prometheus.CounterVec
	deliveryAttempts *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	deliveries       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		codesGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_generated_total",
			Help:      "Auth codes issued, by code type.",
		}, []string{"type"}),
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_validations_total",
			Help:      "Auth code validations, by code type, operation and result.",
		}, []string{"type", "operation", "result"}),
		codesCleaned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_cleaned_total",
			Help:      "Auth codes removed by cleanup sweeps.",
		}, []string{"reason"}),
		deliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Email transport attempts, by provider, outcome and failure kind.",
		}, []string{"provider", "outcome", "kind"}),
		deliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempt_duration_seconds",
			Help:      "Duration of a single email transport attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Completed email deliveries, by code type and result.",
		}, []string{"type", "result"}),
	}
}

func (m *Metrics) CodeGenerated(codeType string) {
	if m == nil {
		return
	}
	m.codesGenerated.WithLabelValues(codeType).Inc()
}

func (m *Metrics) Validation(codeType, operation, result string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(codeType, operation, result).Inc()
}

func (m *Metrics) Cleaned(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.codesCleaned.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) DeliveryAttempt(provider, outcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(provider, outcome, kind).Inc()
	m.deliveryDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) Delivery(codeType, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(codeType, result).Inc()
}
