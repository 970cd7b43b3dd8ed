package metaorch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibylhq/sibyl-core/internal/taskorch"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

// noopWorker/noopGates let a taskorch.Orchestrator run to completion
// immediately, so metaorch tests exercise real child state machines
// without any real agent or subprocess work.
type noopWorker struct{ costPerRun float64 }

func (w noopWorker) Implement(ctx context.Context, workerID string, task types.Task, feedback string) (taskorch.AgentReport, error) {
	return taskorch.AgentReport{CostUSD: w.costPerRun}, nil
}
func (w noopWorker) Cancel(ctx context.Context, workerID string) error { return nil }

type noopGates struct{ passing bool }

func (g noopGates) Run(ctx context.Context, workspaceDir string, kind types.GateKind, onOutput func(string)) types.GateResult {
	return types.GateResult{Gate: kind, Passed: g.passing}
}

func factoryFor(passing bool, cost float64) OrchestratorFactory {
	var counter int
	var mu sync.Mutex
	return func(ctx context.Context, task types.Task, onTransition taskorch.OnTransition) (*taskorch.Orchestrator, error) {
		mu.Lock()
		counter++
		id := fmt.Sprintf("orc-%d", counter)
		mu.Unlock()
		return taskorch.New(id, task, []types.GateKind{types.GateLint}, "/ws",
			noopWorker{costPerRun: cost}, noopGates{passing: passing},
			taskorch.WithOnTransition(onTransition)), nil
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestSequentialStrategyRunsOneAtATime(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategySequential, 5, nil, 0,
		factoryFor(true, 0), WithTickInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.Enqueue(types.Task{ID: "t1", OrganizationID: "org-1", ProjectID: "proj-1"})
	m.Enqueue(types.Task{ID: "t2", OrganizationID: "org-1", ProjectID: "proj-1"})

	waitUntil(t, time.Second, func() bool { return m.Get().TasksCompleted == 2 })
	assert.Equal(t, 0, m.Get().TasksFailed)
}

func TestParallelStrategyRunsUpToMaxConcurrent(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategyParallel, 2, nil, 0,
		factoryFor(true, 0), WithTickInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	for i := 0; i < 4; i++ {
		m.Enqueue(types.Task{ID: fmt.Sprintf("t%d", i), OrganizationID: "org-1", ProjectID: "proj-1"})
	}

	waitUntil(t, time.Second, func() bool { return m.Get().TasksCompleted == 4 })
}

func TestPriorityStrategyOrdersByPriorityThenEnqueueTime(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategyPriority, 1, nil, 0,
		factoryFor(true, 0), WithTickInterval(5*time.Millisecond))

	m.mu.Lock()
	m.pending = []queuedTask{
		{task: types.Task{ID: "low", Priority: 1}, enqueuedAt: time.Unix(1, 0)},
		{task: types.Task{ID: "high", Priority: 9}, enqueuedAt: time.Unix(2, 0)},
		{task: types.Task{ID: "mid-earlier", Priority: 5}, enqueuedAt: time.Unix(1, 0)},
		{task: types.Task{ID: "mid-later", Priority: 5}, enqueuedAt: time.Unix(3, 0)},
	}
	m.sortPendingLocked()
	order := make([]string, len(m.pending))
	for i, q := range m.pending {
		order[i] = q.task.ID
	}
	m.mu.Unlock()

	assert.Equal(t, []string{"high", "mid-earlier", "mid-later", "low"}, order)
}

func TestBudgetExceededPausesAndAlerts(t *testing.T) {
	budget := 1.0
	var alerted types.MetaOrchestrator
	var mu sync.Mutex
	m := New("meta-1", "org-1", "proj-1", types.StrategySequential, 5, &budget, 2.0,
		factoryFor(true, 0), WithTickInterval(5*time.Millisecond),
		WithOnBudgetAlert(func(snapshot types.MetaOrchestrator) {
			mu.Lock()
			alerted = snapshot
			mu.Unlock()
		}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.Enqueue(types.Task{ID: "t1", OrganizationID: "org-1", ProjectID: "proj-1"})

	waitUntil(t, time.Second, func() bool { return m.Get().Status == types.MetaPaused })
	mu.Lock()
	assert.Equal(t, types.MetaPaused, alerted.Status)
	mu.Unlock()
}

func TestResumeContinuesAfterBudgetPause(t *testing.T) {
	budget := 100.0
	m := New("meta-1", "org-1", "proj-1", types.StrategySequential, 5, &budget, 0,
		factoryFor(true, 0), WithTickInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	m.state.Status = types.MetaPaused
	m.mu.Unlock()
	m.Start(ctx)
	m.Enqueue(types.Task{ID: "t1", OrganizationID: "org-1", ProjectID: "proj-1"})

	require.Never(t, func() bool { return m.Get().TasksCompleted > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	m.Resume()
	waitUntil(t, time.Second, func() bool { return m.Get().TasksCompleted == 1 })
}

func TestFailedGateCountsAsTaskFailure(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategySequential, 5, nil, 0,
		factoryFor(false, 0), WithTickInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Enqueue(types.Task{ID: "t1", OrganizationID: "org-1", ProjectID: "proj-1"})

	waitUntil(t, 2*time.Second, func() bool { return m.Get().TasksFailed == 1 })
}

func TestPauseStopsDispatchWithoutAffectingActiveWork(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategySequential, 5, nil, 0, factoryFor(true, 0))
	m.state.Status = types.MetaRunning

	m.Pause()

	assert.Equal(t, types.MetaPaused, m.Get().Status)
}

func TestPauseOnIdleOrchestratorIsNoOp(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategySequential, 5, nil, 0, factoryFor(true, 0))
	m.Pause()
	assert.Equal(t, types.MetaIdle, m.Get().Status)
}

func TestSetStrategyUpdatesStrategy(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategySequential, 5, nil, 0, factoryFor(true, 0))
	require.NoError(t, m.SetStrategy(types.StrategyPriority))
	assert.Equal(t, types.StrategyPriority, m.Get().Strategy)
}

func TestSetStrategyRejectsUnknownValue(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategySequential, 5, nil, 0, factoryFor(true, 0))
	assert.Error(t, m.SetStrategy(types.MetaStrategy("bogus")))
}

func TestSetMaxConcurrentRejectsNonPositive(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategyParallel, 5, nil, 0, factoryFor(true, 0))
	assert.Error(t, m.SetMaxConcurrent(0))
}

func TestSetBudgetReplacesBudgetAndThreshold(t *testing.T) {
	m := New("meta-1", "org-1", "proj-1", types.StrategyParallel, 5, nil, 0, factoryFor(true, 0))
	budget := 500.0
	m.SetBudget(&budget, 0.8)

	got := m.Get()
	require.NotNil(t, got.BudgetUSD)
	assert.Equal(t, 500.0, *got.BudgetUSD)
	assert.Equal(t, 0.8, got.AlertThreshold)
}
