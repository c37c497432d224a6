// Package metrics exposes the feed's Prometheus collectors on an explicit registry.
package metrics

import (
	"github.com/kfishgm/btcbot-sub001/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
)

const namespace = "athfeed"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messages         prometheus.Counter
	validationErrors *prometheus.CounterVec
	barsUpserted     *prometheus.CounterVec
	reconnects       prometheus.Counter
	queueDrops       prometheus.Counter
	pollFetches      *prometheus.CounterVec
	ath              prometheus.Gauge
	pollingActive    prometheus.Gauge
	connectionState  prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "messages_total",
			Help: "Inbound stream frames received",
		}),
		validationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "validation_errors_total",
			Help: "Rejected payloads by error code",
		}, []string{"code"}),
		barsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "window", Name: "bars_upserted_total",
			Help: "Bars written into the window by source",
		}, []string{"source"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "queue_drops_total",
			Help: "Outbound messages evicted from a full queue",
		}),
		pollFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "failover", Name: "poll_fetches_total",
			Help: "Polling fetches by status",
		}, []string{"status"}),
		ath: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "window", Name: "ath",
			Help: "Highest high over closed bars in the window",
		}),
		pollingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "failover", Name: "polling_active",
			Help: "1 while polling replaces the stream",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "connection_state",
			Help: "0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 disconnecting",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), //nolint:exhaustruct // defaults
		m.messages,
		m.validationErrors,
		m.barsUpserted,
		m.reconnects,
		m.queueDrops,
		m.pollFetches,
		m.ath,
		m.pollingActive,
		m.connectionState,
	)

	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

func (m *Metrics) IncMessage() {
	if m != nil {
		m.messages.Inc()
	}
}

// IncValidationError counts one rejected payload under its error code name.
func (m *Metrics) IncValidationError(code string) {
	if m != nil {
		m.validationErrors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) IncBarUpserted(source types.BarSource) {
	if m != nil {
		m.barsUpserted.WithLabelValues(string(source)).Inc()
	}
}

func (m *Metrics) IncReconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) IncQueueDrop() {
	if m != nil {
		m.queueDrops.Inc()
	}
}

// IncPollFetch counts one polling fetch; status is "ok" or "error".
func (m *Metrics) IncPollFetch(status string) {
	if m != nil {
		m.pollFetches.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetATH(value decimal.Decimal) {
	if m != nil {
		m.ath.Set(value.InexactFloat64())
	}
}

func (m *Metrics) SetPolling(active bool) {
	if m == nil {
		return
	}

	if active {
		m.pollingActive.Set(1)
	} else {
		m.pollingActive.Set(0)
	}
}

func (m *Metrics) SetConnectionState(state types.ConnectionState) {
	if m != nil {
		m.connectionState.Set(state.Gauge())
	}
}
