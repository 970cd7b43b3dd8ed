// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package metricsx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetRunnersOnlineExposesGauge(t *testing.T) {
	m := New()
	m.SetRunnersOnline("org-1", 3)

	value := testutil.ToFloat64(m.runnersOnline.WithLabelValues("org-1"))
	assert.Equal(t, float64(3), value)
}

func TestObserveRoutingDecisionIncrementsCounter(t *testing.T) {
	m := New()
	m.ObserveRoutingDecision("org-1", "selected", 0.05)
	m.ObserveRoutingDecision("org-1", "selected", 0.05)
	m.ObserveRoutingDecision("org-1", "no_eligible_runner", 0.01)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.routingDecisions.WithLabelValues("org-1", "selected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.routingDecisions.WithLabelValues("org-1", "no_eligible_runner")))
}

func TestObserveGateOutcomeIncrementsCounter(t *testing.T) {
	m := New()
	m.ObserveGateOutcome("test", "pass", 1.2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.gateOutcomes.WithLabelValues("test", "pass")))
}

func TestRecordPhaseTransitionIncrementsCounter(t *testing.T) {
	m := New()
	m.RecordPhaseTransition("task", "running")
	m.RecordPhaseTransition("task", "running")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.orchestratorPhase.WithLabelValues("task", "running")))
}

func TestSetApprovalsPendingSetsGauge(t *testing.T) {
	m := New()
	m.SetApprovalsPending(5)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.approvalsPending))
}

func TestNilMetricsMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetRunnersOnline("org-1", 1)
		m.SetRunnerSlotsInUse("org-1", "runner-1", 1)
		m.ObserveRoutingDecision("org-1", "selected", 0.1)
		m.ObserveGateOutcome("test", "pass", 1.0)
		m.RecordPhaseTransition("task", "running")
		m.SetApprovalsPending(0)
	})
}

func TestHandlerServesPrometheusExpositionFormat(t *testing.T) {
	m := New()
	m.SetRunnersOnline("org-1", 2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sibyl_runner_online")
}
