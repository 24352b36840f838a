// Package metrics exposes clearing house activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	tradesSettled   *prometheus.CounterVec
	tradesRejected  *prometheus.CounterVec
	quoteVolume     *prometheus.CounterVec
	markPrice       *prometheus.GaugeVec
	settleLatency   prometheus.Histogram
	persistFailures prometheus.Counter
	pnlQueries      prometheus.Counter
	wsClients       prometheus.Gauge
}

// New creates and registers all collectors under namespace
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		tradesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_settled_total",
			Help:      "Trades settled, by market and position change",
		}, []string{"market", "kind"}),

		tradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_rejected_total",
			Help:      "Trades rejected before settlement, by market",
		}, []string{"market"}),

		quoteVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_volume_total",
			Help:      "Absolute quote notional settled, in whole quote units",
		}, []string{"market"}),

		markPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mark_price",
			Help:      "Mark price after the last settled trade",
		}, []string{"market"}),

		settleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settle_latency_seconds",
			Help:      "Time to simulate, persist and commit one trade",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "State changes that failed to persist and were not applied",
		}),

		pnlQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pnl_queries_total",
			Help:      "Total PnL queries served",
		}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		}),
	}

	registry.MustRegister(
		m.tradesSettled,
		m.tradesRejected,
		m.quoteVolume,
		m.markPrice,
		m.settleLatency,
		m.persistFailures,
		m.pnlQueries,
		m.wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Nil-safe recorders: a nil *Metrics records nothing

func (m *Metrics) TradeSettled(market, kind string, quoteVolume, markPrice float64, took time.Duration) {
	if m == nil {
		return
	}
	m.tradesSettled.WithLabelValues(market, kind).Inc()
	m.quoteVolume.WithLabelValues(market).Add(quoteVolume)
	m.markPrice.WithLabelValues(market).Set(markPrice)
	m.settleLatency.Observe(took.Seconds())
}

// TradeRejected counts a rejection under a listed market symbol or a fixed fallback label
func (m *Metrics) TradeRejected(market string) {
	if m == nil {
		return
	}
	m.tradesRejected.WithLabelValues(market).Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) PnlQueried() {
	if m == nil {
		return
	}
	m.pnlQueries.Inc()
}

func (m *Metrics) WSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
