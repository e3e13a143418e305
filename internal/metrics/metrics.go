// Package metrics holds the Prometheus collectors for transfers, bus waits and
// HTTP requests. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crosspoint"

type Metrics struct {
	reg *prometheus.Registry

	transfers     *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
	transferSize  *prometheus.HistogramVec
	active        *prometheus.GaugeVec
	downloads     *prometheus.CounterVec
	downloadBytes *prometheus.CounterVec
	busWait       prometheus.Histogram
	requests      *prometheus.CounterVec
	requestDur    *prometheus.HistogramVec
	rejections    *prometheus.CounterVec
	frames        prometheus.Counter
	renderTimeout prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_total",
			Help: "Finished upload sessions by channel and result.",
		}, []string{"channel", "result"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "upload_bytes_total",
			Help: "Bytes ingested by upload sessions.",
		}, []string{"channel"}),
		transferSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "upload_size_bytes",
			Help:    "Size of committed uploads.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"channel"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "upload_sessions_active",
			Help: "Upload sessions currently active.",
		}, []string{"channel"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "downloads_total",
			Help: "Finished downloads by channel and result.",
		}, []string{"channel", "result"}),
		downloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "download_bytes_total",
			Help: "Bytes streamed to clients.",
		}, []string{"channel"}),
		busWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "bus_wait_seconds",
			Help:    "Time spent waiting for the SPI bus.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejections_total",
			Help: "Rejected client input by channel and error kind.",
		}, []string{"channel", "kind"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "render_frames_total",
			Help: "Display frames flushed by the render task.",
		}),
		renderTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "render_wait_timeouts_total",
			Help: "Synchronous render requests that proceeded without acknowledgment.",
		}),
	}
	m.reg.MustRegister(
		m.transfers, m.transferBytes, m.transferSize, m.active,
		m.downloads, m.downloadBytes, m.busWait,
		m.requests, m.requestDur, m.rejections,
		m.frames, m.renderTimeout,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// BusWait is the observer handed to the bus.
func (m *Metrics) BusWait() prometheus.Observer {
	if m == nil {
		return nil
	}
	return m.busWait
}

func (m *Metrics) SessionStarted(channel string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(channel).Inc()
}

// SessionFinished records the end of an active session. result is
// "committed" or "aborted".
func (m *Metrics) SessionFinished(channel, result string, bytes int64) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(channel).Dec()
	m.transfers.WithLabelValues(channel, result).Inc()
	if result == "committed" {
		m.transferSize.WithLabelValues(channel).Observe(float64(bytes))
	}
}

func (m *Metrics) Ingested(channel string, n int) {
	if m == nil {
		return
	}
	m.transferBytes.WithLabelValues(channel).Add(float64(n))
}

func (m *Metrics) Download(channel, result string, bytes int64) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(channel, result).Inc()
	m.downloadBytes.WithLabelValues(channel).Add(float64(bytes))
}

func (m *Metrics) Rejected(channel, kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(channel, kind).Inc()
}

func (m *Metrics) Request(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDur.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) Frame() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

func (m *Metrics) RenderWaitTimeout() {
	if m == nil {
		return
	}
	m.renderTimeout.Inc()
}
