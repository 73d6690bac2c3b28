/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes process metrics for the relay and player.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the prometheus collectors owned by this process.
// A nil *Metrics is valid and records nothing, which keeps unit tests free
// of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	relayBytes      prometheus.Counter
	relayChunks     prometheus.Counter
	relayFailures   prometheus.Counter
	keepaliveChunks prometheus.Counter
	consumers       prometheus.Gauge
	consumersPeak   prometheus.Gauge
	targetBitrate   prometheus.Gauge
	playerCommands  *prometheus.CounterVec
	playerRelaunch  prometheus.Counter
}

// New creates the collector set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		relayBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "clubcast_relay_bytes_total",
			Help: "Total audio bytes enqueued to consumers.",
		}),
		relayChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "clubcast_relay_chunks_total",
			Help: "Total audio chunks enqueued to consumers.",
		}),
		relayFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "clubcast_relay_broadcast_failures_total",
			Help: "Chunk deliveries rejected by a full consumer queue.",
		}),
		keepaliveChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "clubcast_relay_keepalive_chunks_total",
			Help: "Synthetic filler chunks sent to idle consumers.",
		}),
		consumers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clubcast_relay_consumers",
			Help: "Currently registered relay consumers.",
		}),
		consumersPeak: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clubcast_relay_consumers_peak",
			Help: "High-water mark of concurrent relay consumers.",
		}),
		targetBitrate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clubcast_relay_target_bitrate_kbps",
			Help: "Advisory transcode bitrate computed from consumer count.",
		}),
		playerCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clubcast_player_commands_total",
			Help: "Commands issued to the playback process.",
		}, []string{"command"}),
		playerRelaunch: factory.NewCounter(prometheus.CounterOpts{
			Name: "clubcast_player_relaunches_total",
			Help: "Times the playback process was relaunched after a pipe failure.",
		}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RelayDelivered records one successfully enqueued chunk.
func (m *Metrics) RelayDelivered(bytes int) {
	if m == nil {
		return
	}
	m.relayBytes.Add(float64(bytes))
	m.relayChunks.Inc()
}

// RelayFailed records one rejected delivery.
func (m *Metrics) RelayFailed() {
	if m == nil {
		return
	}
	m.relayFailures.Inc()
}

// Keepalive records one filler chunk.
func (m *Metrics) Keepalive() {
	if m == nil {
		return
	}
	m.keepaliveChunks.Inc()
}

// Consumers records the current and peak consumer counts.
func (m *Metrics) Consumers(current, peak int) {
	if m == nil {
		return
	}
	m.consumers.Set(float64(current))
	m.consumersPeak.Set(float64(peak))
}

// TargetBitrate records the advisory bitrate.
func (m *Metrics) TargetBitrate(kbps int) {
	if m == nil {
		return
	}
	m.targetBitrate.Set(float64(kbps))
}

// PlayerCommand records one issued command by name.
func (m *Metrics) PlayerCommand(name string) {
	if m == nil {
		return
	}
	m.playerCommands.WithLabelValues(name).Inc()
}

// PlayerRelaunch records one relaunch-and-retry cycle.
func (m *Metrics) PlayerRelaunch() {
	if m == nil {
		return
	}
	m.playerRelaunch.Inc()
}
