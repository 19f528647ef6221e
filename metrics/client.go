// Package metrics exposes Prometheus instrumentation for the transport and the
// token manager. Every method is safe on a nil receiver so callers can skip
// wiring metrics entirely.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics records outbound request and token refresh activity.
type ClientMetrics struct {
	duration  *prometheus.HistogramVec
	requests  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	refreshes *prometheus.CounterVec
}

// NewClientMetrics registers the client metrics on the provided registerer.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	if reg == nil {
		return &ClientMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "restbridge_request_duration_seconds",
		Help:    "Duration of outbound API requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"adapter", "method"})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restbridge_requests_total",
		Help: "Outbound API requests by outcome.",
	}, []string{"adapter", "method", "status_class", "code"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restbridge_request_retries_total",
		Help: "Retried outbound API requests.",
	}, []string{"adapter", "method"})
	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restbridge_token_refreshes_total",
		Help: "Access token refresh attempts by result.",
	}, []string{"result"})
	reg.MustRegister(duration, requests, retries, refreshes)
	return &ClientMetrics{
		duration:  duration,
		requests:  requests,
		retries:   retries,
		refreshes: refreshes,
	}
}

// ObserveRequest records one completed request. code is the error code for
// failures and empty on success.
func (m *ClientMetrics) ObserveRequest(adapter, method string, status int, code string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(adapter), method).Observe(d.Seconds())
	if code == "" {
		code = "ok"
	}
	m.requests.WithLabelValues(normalizeLabel(adapter), method, statusClass(status), code).Inc()
}

func (m *ClientMetrics) IncRetry(adapter, method string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(adapter), method).Inc()
}

func (m *ClientMetrics) IncRefresh(success bool) {
	if m == nil || m.refreshes == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func statusClass(status int) string {
	if status <= 0 {
		return "network"
	}
	return strconv.Itoa(status/100) + "xx"
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
