package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/security"
)

const metricsNamespace = "plughost"

// Metrics exports plugin lifecycle and gate activity to prometheus.
//
// It observes every sandbox guard (security.Observer) and subscribes to
// manager events.
type Metrics struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	denials     *prometheus.CounterVec
	openHandles *prometheus.GaugeVec
	loaded      prometheus.Gauge
	active      prometheus.Gauge
}

var _ security.Observer = (*Metrics)(nil)

// NewMetrics creates collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "plugin",
			Name:      "events_total",
			Help:      "Plugin lifecycle events by type.",
		}, []string{"event"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gate",
			Name:      "denials_total",
			Help:      "Refused imports, opens and handle acquisitions.",
		}, []string{"plugin", "gate"}),
		openHandles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "gate",
			Name:      "open_handles",
			Help:      "File handles currently held by each plugin.",
		}, []string{"plugin"}),
		loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "plugin",
			Name:      "loaded",
			Help:      "Plugins currently loaded.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "plugin",
			Name:      "active",
			Help:      "Plugins currently active.",
		}),
	}
	m.registry.MustRegister(m.events, m.denials, m.openHandles, m.loaded, m.active)
	return m
}

// Registry returns the prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Denied implements security.Observer.
func (m *Metrics) Denied(pluginID, gate string) {
	m.denials.WithLabelValues(pluginID, gate).Inc()
}

// HandleOpened implements security.Observer.
func (m *Metrics) HandleOpened(pluginID string) {
	m.openHandles.WithLabelValues(pluginID).Inc()
}

// HandleClosed implements security.Observer.
func (m *Metrics) HandleClosed(pluginID string) {
	m.openHandles.WithLabelValues(pluginID).Dec()
}

// Observe returns a manager event handler that keeps the lifecycle
// collectors in step with mgr.
func (m *Metrics) Observe(mgr *plugin.Manager) plugin.EventHandler {
	return func(ev plugin.ManagerEvent) {
		m.events.WithLabelValues(ev.Type.String()).Inc()
		if ev.Type == plugin.EventPluginUnloaded {
			m.openHandles.DeleteLabelValues(ev.Plugin)
		}
		m.loaded.Set(float64(len(mgr.Loaded())))
		m.active.Set(float64(len(mgr.Active())))
	}
}
