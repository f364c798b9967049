package playback

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one server. Each server owns its own
// registry so several servers can live in one process. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	bytesServed    prometheus.Counter
	responses      *prometheus.CounterVec
	pieceWaits     *prometheus.CounterVec
	pieceWaitTime  prometheus.Histogram
	activeStreams  prometheus.Gauge
	prepareSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers the playback collectors.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.bytesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seedstream",
		Name:      "bytes_served_total",
		Help:      "Bytes written to playback responses.",
	})
	m.responses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seedstream",
		Name:      "playback_responses_total",
		Help:      "Playback responses by status code.",
	}, []string{"code"})
	m.pieceWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seedstream",
		Name:      "piece_waits_total",
		Help:      "Piece waits on the read path by outcome.",
	}, []string{"outcome"})
	m.pieceWaitTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "seedstream",
		Name:      "piece_wait_seconds",
		Help:      "Time spent waiting for a piece on the read path.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	m.activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seedstream",
		Name:      "active_streams",
		Help:      "Streams currently registered.",
	})
	m.prepareSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "seedstream",
		Name:      "prepare_stream_seconds",
		Help:      "Duration of prepareStream calls by result.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"result"})

	m.registry.MustRegister(
		m.bytesServed,
		m.responses,
		m.pieceWaits,
		m.pieceWaitTime,
		m.activeStreams,
		m.prepareSeconds,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) addBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesServed.Add(float64(n))
}

func (m *Metrics) observeResponse(code string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(code).Inc()
}

func (m *Metrics) observePieceWait(ready bool, waited time.Duration) {
	if m == nil {
		return
	}
	outcome := "ready"
	if !ready {
		outcome = "timeout"
	}
	m.pieceWaits.WithLabelValues(outcome).Inc()
	m.pieceWaitTime.Observe(waited.Seconds())
}

// SetActiveStreams records the number of registered streams.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// ObservePrepare records one prepareStream call.
func (m *Metrics) ObservePrepare(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.prepareSeconds.WithLabelValues(result).Observe(d.Seconds())
}
