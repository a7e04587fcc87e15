package client

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// metrics is nil-safe; a nil *metrics records nothing.
type metrics struct {
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	refreshTotal    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamup",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Count of API requests by method and response status",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "teamup",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of API requests",
			Buckets:   histogramBuckets,
		}, []string{"method"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamup",
			Subsystem: "client",
			Name:      "token_refresh_total",
			Help:      "Number of access token refresh outcomes",
		}, []string{"outcome"}),
	}
	m.requestTotal = register(reg, m.requestTotal)
	m.requestDuration = register(reg, m.requestDuration)
	m.refreshTotal = register(reg, m.refreshTotal)
	return m
}

// register adds c to reg, reusing an identical collector that is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) observeRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.requestTotal.WithLabelValues(method, label).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *metrics) observeRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}
