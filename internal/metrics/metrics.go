package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors
type Metrics struct {
	commands   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	fills      prometheus.Counter
	openOrders *prometheus.GaugeVec
}

// New registers the engine collectors on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Commands processed, by type and result code.",
		}, []string{"type", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: "engine",
			Name:      "command_duration_seconds",
			Help:      "Time spent processing one command.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"type"}),
		fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "engine",
			Name:      "fills_total",
			Help:      "Fills produced by matching.",
		}),
		openOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "engine",
			Name:      "open_orders",
			Help:      "Resting orders per market and side.",
		}, []string{"market", "side"}),
	}
	reg.MustRegister(m.commands, m.duration, m.fills, m.openOrders)
	return m
}

// ObserveCommand records one processed command. result is "ok" or an error code.
func (m *Metrics) ObserveCommand(cmdType, result string, took time.Duration) {
	m.commands.WithLabelValues(cmdType, result).Inc()
	m.duration.WithLabelValues(cmdType).Observe(took.Seconds())
}

// AddFills counts fills produced by one order
func (m *Metrics) AddFills(n int) {
	m.fills.Add(float64(n))
}

// SetOpenOrders publishes the resting order count of one market
func (m *Metrics) SetOpenOrders(market string, bids, asks int) {
	m.openOrders.WithLabelValues(market, "buy").Set(float64(bids))
	m.openOrders.WithLabelValues(market, "sell").Set(float64(asks))
}

// DropMarket removes the gauges of a removed market
func (m *Metrics) DropMarket(market string) {
	m.openOrders.DeleteLabelValues(market, "buy")
	m.openOrders.DeleteLabelValues(market, "sell")
}
