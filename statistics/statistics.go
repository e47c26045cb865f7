// Package statistics exposes channel and pool counters through
// prometheus. A nil *Metrics disables collection, every method is
// nil-safe so call sites need no guards.
package statistics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CommandsSent   prometheus.Counter
	CommandErrors  prometheus.Counter
	ChannelResets  prometheus.Counter
	ChannelDesyncs prometheus.Counter

	RequestsInFlight prometheus.Gauge
	PoolExhausted    prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guestrpc_commands_sent_total",
			Help: "Commands sent to the host.",
		}),
		CommandErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guestrpc_command_errors_total",
			Help: "Commands the host rejected or that failed in transit.",
		}),
		ChannelResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guestrpc_channel_resets_total",
			Help: "Channel restarts after a host reset.",
		}),
		ChannelDesyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guestrpc_channel_desyncs_total",
			Help: "Send retries after a desynchronized channel.",
		}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guestrpc_file_requests_in_flight",
			Help: "File requests currently allocated from the pool.",
		}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guestrpc_file_pool_exhausted_total",
			Help: "Allocation attempts that found the pool empty.",
		}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	if m == nil {
		return
	}
	reg.MustRegister(
		m.CommandsSent,
		m.CommandErrors,
		m.ChannelResets,
		m.ChannelDesyncs,
		m.RequestsInFlight,
		m.PoolExhausted,
	)
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.CommandsSent.Inc()
	}
}

func (m *Metrics) IncErrors() {
	if m != nil {
		m.CommandErrors.Inc()
	}
}

func (m *Metrics) IncResets() {
	if m != nil {
		m.ChannelResets.Inc()
	}
}

func (m *Metrics) IncDesyncs() {
	if m != nil {
		m.ChannelDesyncs.Inc()
	}
}

func (m *Metrics) AddInFlight(delta float64) {
	if m != nil {
		m.RequestsInFlight.Add(delta)
	}
}

func (m *Metrics) IncPoolExhausted() {
	if m != nil {
		m.PoolExhausted.Inc()
	}
}
