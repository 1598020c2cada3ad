package llm

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink exports attempt records as Prometheus metrics.
type MetricsSink struct {
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	recoveries      *prometheus.CounterVec
}

// NewMetricsSink creates the collectors and registers them on reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	m := &MetricsSink{
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_provider_calls_total",
				Help: "Total number of provider calls",
			},
			[]string{"provider", "success", "error_kind"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contentgen_provider_call_duration_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_recovery_attempts_total",
				Help: "Total number of structured output recovery attempts",
			},
			[]string{"strategy", "success"},
		),
	}

	for _, c := range []prometheus.Collector{m.providerCalls, m.providerLatency, m.recoveries} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Record implements AttemptSink.
func (m *MetricsSink) Record(_ context.Context, rec AttemptRecord) {
	success := strconv.FormatBool(rec.Success)
	switch rec.Operation {
	case OperationProviderCall:
		m.providerCalls.WithLabelValues(rec.Provider, success, string(rec.ErrorKind)).Inc()
		m.providerLatency.WithLabelValues(rec.Provider).Observe(float64(rec.DurationMs) / 1000)
	case OperationRecovery:
		m.recoveries.WithLabelValues(rec.Strategy, success).Inc()
	}
}
