package controlplane

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fentz26/flotilla/internal/models"
)

const metricsNamespace = "flotilla"

type metrics struct {
	registry  *prometheus.Registry
	commands  *prometheus.CounterVec
	conflicts prometheus.Counter
	refresh   prometheus.Histogram
	expired   prometheus.Counter
}

func newMetrics(c *Coordinator) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "slot_commands_total",
			Help:      "Remote slot commands by operation and result.",
		}, []string{"op", "result"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "version_conflicts_total",
			Help:      "Mutations rejected because the caller's slots version was stale.",
		}),
		refresh: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "agent_refresh_duration_seconds",
			Help:      "Time to poll every known agent for status.",
			Buckets:   prometheus.DefBuckets,
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "agents_expired_total",
			Help:      "Agents marked offline for not reporting.",
		}),
	}
	m.registry.MustRegister(m.commands, m.conflicts, m.refresh, m.expired, &fleetCollector{c: c})
	return m
}

func (m *metrics) command(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(op, result).Inc()
}

var (
	agentsDesc = prometheus.NewDesc(metricsNamespace+"_agents", "Known agents by state.", []string{"state"}, nil)
	slotsDesc  = prometheus.NewDesc(metricsNamespace+"_slots", "Slots of online agents by state.", []string{"state"}, nil)
	driftDesc  = prometheus.NewDesc(metricsNamespace+"_slots_drifted", "Slots whose observed state differs from the expected state.", nil, nil)
)

// fleetCollector reports gauges from a registry snapshot at scrape time.
type fleetCollector struct {
	c *Coordinator
}

func (f *fleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- agentsDesc
	ch <- slotsDesc
	ch <- driftDesc
}

func (f *fleetCollector) Collect(ch chan<- prometheus.Metric) {
	agents := map[models.AgentState]int{
		models.AgentStateOnline:       0,
		models.AgentStateOffline:      0,
		models.AgentStateProvisioning: 0,
	}
	slots := make(map[models.SlotState]int)
	drifted := 0
	for _, a := range f.c.snapshot() {
		agents[a.State]++
		if a.State != models.AgentStateOnline {
			continue
		}
		for _, s := range a.Slots {
			slots[s.State]++
			if s.ExpectedState != "" || s.ExpectedAssignment != nil {
				drifted++
			}
		}
	}

	for state, n := range agents {
		ch <- prometheus.MustNewConstMetric(agentsDesc, prometheus.GaugeValue, float64(n), string(state))
	}
	for state, n := range slots {
		ch <- prometheus.MustNewConstMetric(slotsDesc, prometheus.GaugeValue, float64(n), string(state))
	}
	ch <- prometheus.MustNewConstMetric(driftDesc, prometheus.GaugeValue, float64(drifted))
}
