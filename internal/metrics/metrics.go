// Package metrics exposes engine counters on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instrument set on a private registry so
// tests can run side by side without collisions.
type Metrics struct {
	reg *prometheus.Registry

	SpecialistWakes   *prometheus.CounterVec
	SpecialistQueued  *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	AgentSpawns       prometheus.Counter
	AgentKills        prometheus.Counter
	Heartbeats        prometheus.Counter
	PatrolTickSeconds prometheus.Histogram
	HealthByStatus    *prometheus.GaugeVec
}

// New builds and registers the instrument set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		SpecialistWakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panopticon_specialist_wakes_total",
			Help: "Specialist sessions started, by specialist.",
		}, []string{"specialist"}),
		SpecialistQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panopticon_specialist_queued_total",
			Help: "Work items queued because the specialist was busy, by specialist.",
		}, []string{"specialist"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "panopticon_specialist_queue_depth",
			Help: "Current queue depth, by specialist.",
		}, []string{"specialist"}),
		AgentSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "panopticon_agent_spawns_total",
			Help: "Worker agents spawned.",
		}),
		AgentKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "panopticon_agent_kills_total",
			Help: "Worker agents killed.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "panopticon_heartbeats_total",
			Help: "Heartbeats received from agent hooks.",
		}),
		PatrolTickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "panopticon_patrol_tick_seconds",
			Help:    "Patrol tick duration.",
			Buckets: prometheus.DefBuckets,
		}),
		HealthByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "panopticon_agents_by_health",
			Help: "Worker agents per health status, from the last patrol tick.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.SpecialistWakes,
		m.SpecialistQueued,
		m.QueueDepth,
		m.AgentSpawns,
		m.AgentKills,
		m.Heartbeats,
		m.PatrolTickSeconds,
		m.HealthByStatus,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
