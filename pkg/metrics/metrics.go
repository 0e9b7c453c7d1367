// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes gateway counters on a private prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics gateway-wide instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Sessions currently open RTSP sessions.
	Sessions prometheus.Gauge

	// Mounts currently mounted resource paths.
	Mounts prometheus.Gauge

	// Rejected DESCRIBE rejections by reason.
	Rejected *prometheus.CounterVec

	// Samples media samples payloaded into RTP.
	Samples prometheus.Counter
}

// New returns metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtspgate",
			Name:      "sessions",
			Help:      "Open RTSP sessions.",
		}),
		Mounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtspgate",
			Name:      "mounts",
			Help:      "Mounted resource paths.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtspgate",
			Name:      "rejected_total",
			Help:      "Rejected DESCRIBE requests by reason.",
		}, []string{"reason"}),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtspgate",
			Name:      "samples_sent_total",
			Help:      "Media samples payloaded into RTP.",
		}),
	}

	m.registry.MustRegister(m.Sessions, m.Mounts, m.Rejected, m.Samples)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
