package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xhssign"

// Metrics groups the service collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	SignAttempts    *prometheus.CounterVec
	SignRequests    *prometheus.CounterVec
	SignDuration    prometheus.Histogram
	EmptyFields     *prometheus.CounterVec
	Initializations *prometheus.CounterVec
	BrowserReady    prometheus.Gauge
	StealthFetches  *prometheus.CounterVec
	RateLimited     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_attempts_total",
			Help:      "Signing function evaluations by outcome.",
		}, []string{"outcome"}),
		SignRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_requests_total",
			Help:      "Sign calls by final result.",
		}, []string{"result"}),
		SignDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sign_duration_seconds",
			Help:      "Wall time of a sign call including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		EmptyFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_empty_fields_total",
			Help:      "Successful attempts that returned an empty header field.",
		}, []string{"field"}),
		Initializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_initializations_total",
			Help:      "Browser session initialization attempts by result.",
		}, []string{"result"}),
		BrowserReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browser_ready",
			Help:      "1 when a browser session page is live.",
		}),
		StealthFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stealth_fetches_total",
			Help:      "Anti-fingerprint asset lookups by source.",
		}, []string{"source"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Sign requests rejected by the rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SignAttempts,
			m.SignRequests,
			m.SignDuration,
			m.EmptyFields,
			m.Initializations,
			m.BrowserReady,
			m.StealthFetches,
			m.RateLimited,
		)
	}
	return m
}

func (m *Metrics) Attempt(outcome string) {
	if m != nil {
		m.SignAttempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Request(result string, seconds float64) {
	if m != nil {
		m.SignRequests.WithLabelValues(result).Inc()
		m.SignDuration.Observe(seconds)
	}
}

func (m *Metrics) EmptyField(field string) {
	if m != nil {
		m.EmptyFields.WithLabelValues(field).Inc()
	}
}

func (m *Metrics) Initialization(result string) {
	if m != nil {
		m.Initializations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.BrowserReady.Set(1)
	} else {
		m.BrowserReady.Set(0)
	}
}

func (m *Metrics) StealthFetch(source string) {
	if m != nil {
		m.StealthFetches.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Limited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}
