// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package vnc

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// MetricsCollector receives handshake observations.
type MetricsCollector interface {
	HandshakeCompleted(securityType uint8, d time.Duration)
	HandshakeFailed(code ErrorCode)
	FingerprintDecision(accepted bool)
}

// NoOpMetrics discards all observations.
type NoOpMetrics struct{}

func (m *NoOpMetrics) HandshakeCompleted(uint8, time.Duration) {}
func (m *NoOpMetrics) HandshakeFailed(ErrorCode)               {}
func (m *NoOpMetrics) FingerprintDecision(bool)                {}

// PrometheusMetrics exports handshake observations as Prometheus metrics.
type PrometheusMetrics struct {
	Latency   *prometheus.HistogramVec
	Failures  *prometheus.CounterVec
	Decisions *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vnc",
			Subsystem: "client",
			Name:      "handshake_duration_seconds",
			Help:      "Duration of successful RFB handshakes.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"security_type"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vnc",
			Subsystem: "client",
			Name:      "handshake_failures_total",
			Help:      "Failed RFB handshakes by error category.",
		}, []string{"code"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vnc",
			Subsystem: "client",
			Name:      "fingerprint_decisions_total",
			Help:      "Server key trust decisions.",
		}, []string{"decision"}),
	}

	var err error
	for _, c := range []prometheus.Collector{m.Latency, m.Failures, m.Decisions} {
		err = multierr.Append(err, reg.Register(c))
	}
	if err != nil {
		return nil, configurationError("NewPrometheusMetrics", "failed to register collectors", err)
	}
	return m, nil
}

// HandshakeCompleted observes the duration of a successful handshake.
func (m *PrometheusMetrics) HandshakeCompleted(securityType uint8, d time.Duration) {
	m.Latency.WithLabelValues(strconv.Itoa(int(securityType))).Observe(d.Seconds())
}

// HandshakeFailed counts a failed handshake.
func (m *PrometheusMetrics) HandshakeFailed(code ErrorCode) {
	m.Failures.WithLabelValues(code.String()).Inc()
}

// FingerprintDecision counts an accepted or rejected server key.
func (m *PrometheusMetrics) FingerprintDecision(accepted bool) {
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	m.Decisions.WithLabelValues(decision).Inc()
}
