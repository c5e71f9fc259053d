// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/grainrpc/emulator"
)

var (
	registerOnce sync.Once

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grainrpc",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Grain requests by settlement outcome.",
		},
		[]string{"server", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "grainrpc",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Time from send to settlement.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"server", "outcome"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "grainrpc",
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		},
	)
	malformedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grainrpc",
			Subsystem: "conn",
			Name:      "malformed_packets_total",
			Help:      "Inbound packets dropped because they failed to decode.",
		},
		[]string{"role"},
	)
	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "grainrpc",
			Subsystem: "conn",
			Name:      "open",
			Help:      "Open connections.",
		},
		[]string{"role"},
	)
	streamItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grainrpc",
			Subsystem: "stream",
			Name:      "items_total",
			Help:      "Stream items by disposition.",
		},
		[]string{"disposition"},
	)
	emulatorOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grainrpc",
			Subsystem: "emulator",
			Name:      "sends_total",
			Help:      "Emulated sends by outcome.",
		},
		[]string{"outcome"},
	)
	serverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "grainrpc",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests handled by outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

// RegisterMetrics registers the package collectors with the default
// Prometheus registry. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			requests, requestDuration, pendingRequests, malformedPackets,
			connections, streamItems, emulatorOutcomes, serverRequests,
		)
	})
}

func recordRequest(server string, err error, took time.Duration) {
	RegisterMetrics()
	outcome := ErrorKind(err)
	requests.WithLabelValues(server, outcome).Inc()
	requestDuration.WithLabelValues(server, outcome).Observe(took.Seconds())
}

func recordPending(delta float64) {
	RegisterMetrics()
	pendingRequests.Add(delta)
}

func recordMalformed(r role) {
	RegisterMetrics()
	malformedPackets.WithLabelValues(r.String()).Inc()
}

func recordConnection(r role, delta float64) {
	RegisterMetrics()
	connections.WithLabelValues(r.String()).Add(delta)
}

func recordStreamItem(disposition string) {
	RegisterMetrics()
	streamItems.WithLabelValues(disposition).Inc()
}

func recordServerRequest(kind string, err error) {
	RegisterMetrics()
	serverRequests.WithLabelValues(kind, ErrorKind(err)).Inc()
}

// observeEmulator is installed on every emulator built from config.
func observeEmulator(o emulator.Outcome) {
	RegisterMetrics()
	emulatorOutcomes.WithLabelValues(string(o)).Inc()
}
