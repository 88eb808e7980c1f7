package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultVerified = "verified"
	resultInvalid  = "invalid"
	resultMissing  = "missing"
)

// Metrics counts verification outcomes and custom token issuance.
// A nil *Metrics is a no-op.
type Metrics struct {
	verifications *prometheus.CounterVec
	duration      prometheus.Histogram
	customTokens  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedlink",
			Subsystem: "gateway",
			Name:      "verifications_total",
			Help:      "ID token verifications by result.",
		}, []string{"result"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fedlink",
			Subsystem: "gateway",
			Name:      "verification_duration_seconds",
			Help:      "Time spent verifying ID tokens, including key fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		customTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedlink",
			Subsystem: "gateway",
			Name:      "custom_tokens_total",
			Help:      "Custom token mint attempts by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observe(result string, start time.Time) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
	m.duration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) issued(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.customTokens.WithLabelValues(outcome).Inc()
}
