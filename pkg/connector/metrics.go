// Copyright 2024-2026 Aiku AI

package connector

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/bridge"
	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/ircbot"
)

// Reasons a message is dropped instead of relayed.
const (
	dropDuplicate     = "duplicate"
	dropTooLarge      = "too_large"
	dropEmpty         = "empty"
	dropPairDisabled  = "pair_disabled"
	dropRetryOverflow = "retry_overflow"
	dropFetchGap      = "fetch_gap"
)

// Metrics are the bridge's Prometheus collectors. Each instance owns its
// own registry.
type Metrics struct {
	Registry *prometheus.Registry

	Relayed       *prometheus.CounterVec
	Dropped       *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	DisabledPairs prometheus.Gauge
	BotState      *prometheus.GaugeVec
	TickDuration  prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	nc := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}
	m := &Metrics{
		Registry: reg,
		Relayed:  nc("urbit_irc_bridge_messages_relayed_total", "Messages relayed, per pair and direction", "pair", "direction"),
		Dropped:  nc("urbit_irc_bridge_messages_dropped_total", "Messages not relayed, per reason", "direction", "reason"),
		Errors:   nc("urbit_irc_bridge_errors_total", "Relay errors, per kind", "kind"),
		DisabledPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "urbit_irc_bridge_pairs_disabled",
			Help: "Number of pairs disabled after a permanent error",
		}),
		BotState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "urbit_irc_bridge_bot_state",
			Help: "IRC bot connection state (0 disconnected, 1 connecting, 2 joined, 3 stopped)",
		}, []string{"bot"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "urbit_irc_bridge_tick_duration_seconds",
			Help:    "Duration of one relay tick",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.DisabledPairs, m.BotState, m.TickDuration)
	return m
}

func (m *Metrics) relayed(id bridge.PairID, dir bridge.Direction) {
	m.Relayed.WithLabelValues(string(id), dir.String()).Inc()
}

func (m *Metrics) dropped(dir bridge.Direction, reason string) {
	m.Dropped.WithLabelValues(dir.String(), reason).Inc()
}

func (m *Metrics) failed(err error) {
	m.Errors.WithLabelValues(bridge.Kind(err)).Inc()
}

// ObserveBotState is an ircbot state hook.
func (m *Metrics) ObserveBotState(bot string, s ircbot.State) {
	m.BotState.WithLabelValues(bot).Set(float64(s))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
