package client

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fityard"

type gatewayMetrics struct {
	requests     *prometheus.CounterVec
	csrfRetries  prometheus.Counter
	csrfFailures prometheus.Counter
	teardowns    prometheus.Counter
}

// newGatewayMetrics registers the gateway collectors on reg. A nil registerer
// disables metrics.
func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &gatewayMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Backend requests sent through the gateway",
		}, []string{"method", "status"}),
		csrfRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "csrf_retries_total",
			Help:      "Requests retried after an anti-forgery rejection",
		}),
		csrfFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "csrf_fetch_failures_total",
			Help:      "Anti-forgery token fetches that failed",
		}),
		teardowns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "unauthorized_teardowns_total",
			Help:      "Sessions torn down after a 401 response",
		}),
	}
}

func (m *gatewayMetrics) observe(method string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *gatewayMetrics) csrfRetry() {
	if m != nil {
		m.csrfRetries.Inc()
	}
}

func (m *gatewayMetrics) csrfFailure() {
	if m != nil {
		m.csrfFailures.Inc()
	}
}

func (m *gatewayMetrics) teardown() {
	if m != nil {
		m.teardowns.Inc()
	}
}
