package inspect

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	decodes    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	codePoints *prometheus.CounterVec
	cache      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		decodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fonda",
				Name:      "decodes_total",
				Help:      "Number of decoded executables by format and outcome.",
			},
			[]string{"format", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fonda",
				Name:      "decode_duration_seconds",
				Help:      "Time spent decoding an executable.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"format"},
		),
		codePoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fonda",
				Name:      "code_points_total",
				Help:      "Number of address to line entries decoded.",
			},
			[]string{"format"},
		),
		cache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fonda",
				Name:      "cache_requests_total",
				Help:      "Result cache lookups by result (hit or miss).",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		m.decodes = registerOrGet(reg, m.decodes)
		m.duration = registerOrGet(reg, m.duration)
		m.codePoints = registerOrGet(reg, m.codePoints)
		m.cache = registerOrGet(reg, m.cache)
	}
	return m
}

// registerOrGet registers c, or returns the collector already registered
// under the same descriptor.
func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}
