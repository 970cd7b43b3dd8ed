// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package metricsx exposes sibyl-core's Prometheus metrics: runner
// fleet counts, routing decisions, gate outcomes, and orchestrator
// phase transitions.
package metricsx

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sibyl"

// Metrics owns a dedicated Prometheus registry and every collector
// sibyl-core records against. A nil *Metrics is safe to call methods
// on; they become no-ops, so callers never need a feature-flag check
// before recording.
type Metrics struct {
	registry *prometheus.Registry

	runnersOnline     *prometheus.GaugeVec
	runnerSlotsInUse  *prometheus.GaugeVec
	routingDecisions  *prometheus.CounterVec
	routingDuration   prometheus.Histogram
	gateOutcomes      *prometheus.CounterVec
	gateDuration      *prometheus.HistogramVec
	orchestratorPhase *prometheus.CounterVec
	approvalsPending  prometheus.Gauge
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initRunnerMetrics()
	m.initRoutingMetrics()
	m.initGateMetrics()
	m.initOrchestratorMetrics()
	m.initApprovalMetrics()
	return m
}

func (m *Metrics) initRunnerMetrics() {
	m.runnersOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "online",
			Help:      "Number of runners currently online, by organization.",
		},
		[]string{"organization_id"},
	)
	m.runnerSlotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "slots_in_use",
			Help:      "Current agent slots in use, by runner.",
		},
		[]string{"organization_id", "runner_id"},
	)
	m.registry.MustRegister(m.runnersOnline, m.runnerSlotsInUse)
}

func (m *Metrics) initRoutingMetrics() {
	m.routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Total routing decisions, by outcome.",
		},
		[]string{"organization_id", "outcome"},
	)
	m.routingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "decision_duration_seconds",
			Help:      "Time to score and select a runner for a task.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	m.registry.MustRegister(m.routingDecisions, m.routingDuration)
}

func (m *Metrics) initGateMetrics() {
	m.gateOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "outcomes_total",
			Help:      "Total quality gate runs, by gate kind and outcome.",
		},
		[]string{"gate_kind", "outcome"},
	)
	m.gateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "duration_seconds",
			Help:      "Quality gate execution duration, by gate kind.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"gate_kind"},
	)
	m.registry.MustRegister(m.gateOutcomes, m.gateDuration)
}

func (m *Metrics) initOrchestratorMetrics() {
	m.orchestratorPhase = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "phase_transitions_total",
			Help:      "Total orchestrator phase transitions, by orchestrator kind and phase.",
		},
		[]string{"kind", "phase"},
	)
	m.registry.MustRegister(m.orchestratorPhase)
}

func (m *Metrics) initApprovalMetrics() {
	m.approvalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "pending",
			Help:      "Current number of pending approvals across all organizations.",
		},
	)
	m.registry.MustRegister(m.approvalsPending)
}

// Handler returns an http.Handler serving this Metrics' registry in
// the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetRunnersOnline(organizationID string, count int) {
	if m == nil {
		return
	}
	m.runnersOnline.WithLabelValues(organizationID).Set(float64(count))
}

func (m *Metrics) SetRunnerSlotsInUse(organizationID, runnerID string, count int) {
	if m == nil {
		return
	}
	m.runnerSlotsInUse.WithLabelValues(organizationID, runnerID).Set(float64(count))
}

func (m *Metrics) ObserveRoutingDecision(organizationID, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(organizationID, outcome).Inc()
	m.routingDuration.Observe(durationSeconds)
}

func (m *Metrics) ObserveGateOutcome(gateKind, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.gateOutcomes.WithLabelValues(gateKind, outcome).Inc()
	m.gateDuration.WithLabelValues(gateKind).Observe(durationSeconds)
}

func (m *Metrics) RecordPhaseTransition(kind, phase string) {
	if m == nil {
		return
	}
	m.orchestratorPhase.WithLabelValues(kind, phase).Inc()
}

func (m *Metrics) SetApprovalsPending(count int) {
	if m == nil {
		return
	}
	m.approvalsPending.Set(float64(count))
}
