// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capxd_connection_state",
		Help: "Connection lifecycle state (the active state is 1, all others 0)",
	}, []string{"state"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capxd_requests_total",
		Help: "Capability and availability requests by kind and outcome",
	}, []string{"kind", "outcome"})

	admissionForbidden = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capxd_admission_forbidden",
		Help: "Whether the admission gate currently forbids requests (1 = forbidden)",
	})

	eventsBuffered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capxd_events_buffered_total",
		Help: "Signaling events buffered while the connection was mid-transition",
	}, []string{"kind"})

	eventsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capxd_events_replayed_total",
		Help: "Buffered signaling events replayed after the connection completed",
	}, []string{"kind"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capxd_events_dropped_total",
		Help: "Signaling events dropped by the controller",
	}, []string{"reason"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capxd_cache_lookups_total",
		Help: "Capability cache lookups by result",
	}, []string{"result"})
)

var connectionStates = []string{"disconnected", "connecting", "connected", "destroyed"}

// SetConnectionState records the active connection lifecycle state.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		connectionState.WithLabelValues(s).Set(value)
	}
}

// RecordRequest counts a request dispatch attempt with its outcome.
// Outcomes are lowercase for stable PromQL queries.
func RecordRequest(kind, outcome string) {
	requestsTotal.WithLabelValues(kind, outcome).Inc()
}

// SetAdmissionForbidden records the current admission gate state.
func SetAdmissionForbidden(forbidden bool) {
	if forbidden {
		admissionForbidden.Set(1)
	} else {
		admissionForbidden.Set(0)
	}
}

// RecordEventBuffered counts a signaling event held back during attach.
func RecordEventBuffered(kind string) {
	eventsBuffered.WithLabelValues(kind).Inc()
}

// RecordEventReplayed counts a buffered signaling event replayed after attach.
func RecordEventReplayed(kind string) {
	eventsReplayed.WithLabelValues(kind).Inc()
}

// RecordEventDropped counts a signaling event discarded by the controller.
func RecordEventDropped(reason string) {
	eventsDropped.WithLabelValues(reason).Inc()
}

// RecordCacheLookup counts a capability cache lookup result
// ("hit", "stale" or "miss").
func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}
