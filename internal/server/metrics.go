// Package server exposes operational counters for the relay via Prometheus.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_open_connections",
		Help: "Number of live WebSocket connections, joined or not.",
	})
	onlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_online_users",
		Help: "Number of distinct users with at least one joined connection.",
	})
	relayedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_relayed_events_total",
		Help: "Events fanned out through the broadcast relay.",
	})
	sweptConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_swept_connections_total",
		Help: "Connections force-closed by the liveness sweeper.",
	})
	persistenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_persistence_errors_total",
		Help: "Failed flat-file writes; in-memory state stays authoritative.",
	})
	parseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_parse_errors_total",
		Help: "Malformed or unknown inbound frames.",
	})
)
