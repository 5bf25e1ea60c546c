// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics provides Prometheus metrics of the block device adapter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelBdev   = "bdev"
	LabelType   = "type"
	LabelStatus = "status"
	LabelRoute  = "route"
)

// Values of LabelStatus and LabelRoute.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	// Completion finalized on the thread which observed it.
	RouteLocal = "local"

	// Completion posted back to the submitting thread.
	RouteRemote = "remote"
)

// Metrics of request dispatch and completion.
type Metrics struct {
	submitted *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	completed *prometheus.CounterVec
	routed    *prometheus.CounterVec
	channels  prometheus.Gauge
	devices   prometheus.Gauge
}

// New creates the metrics and registers them with registry. A nil registry
// leaves them unregistered, which is useful for tests.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pfbd",
				Subsystem: "io",
				Name:      "submitted_total",
				Help:      "Requests accepted by the volume client",
			},
			[]string{LabelBdev, LabelType},
		),

		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pfbd",
				Subsystem: "io",
				Name:      "rejected_total",
				Help:      "Requests failed synchronously during dispatch",
			},
			[]string{LabelBdev, LabelType},
		),

		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pfbd",
				Subsystem: "io",
				Name:      "completed_total",
				Help:      "Requests completed by the volume client",
			},
			[]string{LabelBdev, LabelType, LabelStatus},
		),

		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pfbd",
				Subsystem: "io",
				Name:      "completion_route_total",
				Help:      "Completions by delivery route to the submitting thread",
			},
			[]string{LabelRoute},
		),

		channels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pfbd",
				Subsystem: "group",
				Name:      "channels",
				Help:      "Poll group channels currently held by device channels",
			},
		),

		devices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pfbd",
				Subsystem: "bdev",
				Name:      "devices",
				Help:      "Registered block devices",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(m.submitted, m.rejected, m.completed, m.routed, m.channels, m.devices)
	}

	return m
}

// Methods are nil safe so callers do not need to check whether metrics are
// enabled.

func (m *Metrics) ObserveSubmit(bdev, typ string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(bdev, typ).Inc()
}

func (m *Metrics) ObserveReject(bdev, typ string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(bdev, typ).Inc()
}

func (m *Metrics) ObserveComplete(bdev, typ string, success bool) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if !success {
		status = StatusFailed
	}
	m.completed.WithLabelValues(bdev, typ, status).Inc()
}

func (m *Metrics) ObserveRoute(remote bool) {
	if m == nil {
		return
	}
	route := RouteLocal
	if remote {
		route = RouteRemote
	}
	m.routed.WithLabelValues(route).Inc()
}

func (m *Metrics) ChannelAcquired() {
	if m == nil {
		return
	}
	m.channels.Inc()
}

func (m *Metrics) ChannelReleased() {
	if m == nil {
		return
	}
	m.channels.Dec()
}

func (m *Metrics) DeviceAdded() {
	if m == nil {
		return
	}
	m.devices.Inc()
}

func (m *Metrics) DeviceRemoved() {
	if m == nil {
		return
	}
	m.devices.Dec()
}
