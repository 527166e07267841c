// Package metrics defines the bridge's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lorawan_bridge"

// Metrics groups the routing counters
type Metrics struct {
	Uplinks      *prometheus.CounterVec
	Downlinks    *prometheus.CounterVec
	Statuses     *prometheus.CounterVec
	Provisioning *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Uplinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplinks_total",
			Help:      "Uplink messages by routing result",
		}, []string{"application", "result"}),
		Downlinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downlinks_total",
			Help:      "Cloud commands by routing result",
		}, []string{"application", "result"}),
		Statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downlink_status_total",
			Help:      "Downlink status messages by kind and outcome",
		}, []string{"kind", "outcome"}),
		Provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_total",
			Help:      "Device provisioning attempts by result",
		}, []string{"application", "result"}),
	}

	if reg != nil {
		reg.MustRegister(m.Uplinks, m.Downlinks, m.Statuses, m.Provisioning)
	}
	return m
}

// RegisterGauge exposes a value computed at scrape time
func RegisterGauge(reg prometheus.Registerer, name, help string, fn func() float64) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
