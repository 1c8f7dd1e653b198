package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var labelNames = []string{"tier", "outcome", "reason"}

type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
	gauges    *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the gateway collectors on reg. A nil reg
// uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402gate",
			Name:      "events_total",
			Help:      "x402gate event counters",
		},
		append([]string{"type"}, labelNames...),
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402gate",
			Name:      "latency_seconds",
			Help:      "x402gate operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		append([]string{"operation"}, labelNames...),
	)

	gauges := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "x402gate",
			Name:      "gauge",
			Help:      "x402gate point-in-time values",
		},
		append([]string{"name"}, labelNames...),
	)

	for _, c := range []prometheus.Collector{counters, histogram, gauges} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
		gauges:    gauges,
	}, nil
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(withLabels("type", name, labels)).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(withLabels("operation", name, labels)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetGauge(name string, v float64, labels map[string]string) {
	p.gauges.With(withLabels("name", name, labels)).Set(v)
}

func withLabels(key, name string, labels map[string]string) prometheus.Labels {
	l := prometheus.Labels{key: name}
	for _, n := range labelNames {
		l[n] = labels[n]
	}
	return l
}
