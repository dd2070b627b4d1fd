// Package metrics счётчики синхронизатора для /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics безопасен для nil-получателя: синхронизатор без метрик просто ничего не считает.
type Metrics struct {
	registry *prometheus.Registry

	sent             prometheus.Counter
	sendFailures     *prometheus.CounterVec
	sendLatency      prometheus.Histogram
	ingested         *prometheus.CounterVec
	ingestFailures   prometheus.Counter
	retriesExhausted prometheus.Counter
	openChats        prometheus.Gauge
	wsClients        prometheus.Gauge
}

// New регистрирует метрики в собственном реестре вместе с метриками процесса и рантайма.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsync_messages_sent_total",
			Help: "Messages confirmed by the remote channel.",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmsync_send_failures_total",
			Help: "Failed sends by error kind.",
		}, []string{"kind"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dmsync_send_duration_seconds",
			Help:    "Time from optimistic insert to confirmation.",
			Buckets: prometheus.DefBuckets,
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmsync_ingested_changes_total",
			Help: "Remote message changes applied to the local store, by change kind.",
		}, []string{"kind"}),
		ingestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsync_ingest_failures_total",
			Help: "Remote changes that could not be applied and were skipped.",
		}),
		retriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmsync_status_retries_exhausted_total",
			Help: "Status updates dropped after the bounded retry.",
		}),
		openChats: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmsync_open_chats",
			Help: "Chats with a live message subscription.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dmsync_ws_clients",
			Help: "Connected UI websocket clients.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sent, m.sendFailures, m.sendLatency, m.ingested, m.ingestFailures,
		m.retriesExhausted, m.openChats, m.wsClients,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) MessageSent(started time.Time) {
	if m == nil {
		return
	}
	m.sent.Inc()
	m.sendLatency.Observe(time.Since(started).Seconds())
}

func (m *Metrics) SendFailed(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.sendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Ingested(kind string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(kind).Inc()
}

func (m *Metrics) IngestFailed() {
	if m == nil {
		return
	}
	m.ingestFailures.Inc()
}

func (m *Metrics) RetryExhausted() {
	if m == nil {
		return
	}
	m.retriesExhausted.Inc()
}

func (m *Metrics) ChatOpened() {
	if m != nil {
		m.openChats.Inc()
	}
}

func (m *Metrics) ChatClosed() {
	if m != nil {
		m.openChats.Dec()
	}
}

func (m *Metrics) WSClients(n int) {
	if m != nil {
		m.wsClients.Set(float64(n))
	}
}
