// Package metaorch implements the MetaOrchestrator (spec §4.9): the
// per-project queue consumer that spawns TaskOrchestrators under a
// strategy (sequential/parallel/priority), respecting a concurrency cap
// and a monetary budget.
package metaorch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sibylhq/sibyl-core/internal/taskorch"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

const (
	defaultTickInterval = 500 * time.Millisecond
	kickBuffer          = 32

	// Adaptive concurrency tuning: never more than one slot is ever
	// borrowed above max_concurrent, and the configured hard cap is
	// never exceeded by more than that.
	adaptiveBonusSlots       = 1
	recentOutcomeWindow      = 20
	highSuccessRateThreshold = 0.90
)

// OrchestratorFactory builds the TaskOrchestrator for a dequeued task,
// wiring onTransition so the MetaOrchestrator can track its aggregates
// and free its concurrency slot when the child reaches a terminal
// phase. Returning an error counts the task as failed without ever
// occupying a slot.
type OrchestratorFactory func(ctx context.Context, task types.Task, onTransition taskorch.OnTransition) (*taskorch.Orchestrator, error)

// OnBudgetAlert is invoked, outside any lock, when spend would exceed
// budget and the MetaOrchestrator pauses itself.
type OnBudgetAlert func(snapshot types.MetaOrchestrator)

// Option configures a MetaOrchestrator.
type Option func(*MetaOrchestrator)

func WithTickInterval(d time.Duration) Option {
	return func(m *MetaOrchestrator) { m.tickInterval = d }
}

func WithOnBudgetAlert(fn OnBudgetAlert) Option {
	return func(m *MetaOrchestrator) { m.onBudgetAlert = fn }
}

func WithClock(now func() time.Time) Option {
	return func(m *MetaOrchestrator) { m.now = now }
}

type queuedTask struct {
	task       types.Task
	enqueuedAt time.Time
}

// MetaOrchestrator drives task dequeue-and-spawn for a single project.
type MetaOrchestrator struct {
	mu    sync.Mutex
	state *types.MetaOrchestrator

	strategy              types.MetaStrategy
	perTaskBudgetEstimate float64

	pending []queuedTask
	active  map[string]*taskorch.Orchestrator

	lastCost   map[string]float64
	lastRework map[string]int
	outcomes   []bool // ring of recent terminal outcomes, success=true

	factory OrchestratorFactory

	tickInterval  time.Duration
	now           func() time.Time
	onBudgetAlert OnBudgetAlert

	ctx  context.Context
	kick chan struct{}
	done chan struct{}
	stop sync.Once
}

// New creates a MetaOrchestrator for projectID, idle until Start is
// called.
func New(id, organizationID, projectID string, strategy types.MetaStrategy, maxConcurrent int, budgetUSD *float64, perTaskBudgetEstimate float64, factory OrchestratorFactory, opts ...Option) *MetaOrchestrator {
	m := &MetaOrchestrator{
		state: &types.MetaOrchestrator{
			ID:                  id,
			OrganizationID:      organizationID,
			ProjectID:           projectID,
			Status:              types.MetaIdle,
			Strategy:            strategy,
			ActiveOrchestrators: make(map[string]struct{}),
			MaxConcurrent:       maxConcurrent,
			BudgetUSD:           budgetUSD,
		},
		strategy:              strategy,
		perTaskBudgetEstimate: perTaskBudgetEstimate,
		active:                make(map[string]*taskorch.Orchestrator),
		lastCost:              make(map[string]float64),
		lastRework:            make(map[string]int),
		factory:               factory,
		tickInterval:          defaultTickInterval,
		now:                   time.Now,
		kick:                  make(chan struct{}, kickBuffer),
		done:                  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a snapshot of the MetaOrchestrator's current state.
func (m *MetaOrchestrator) Get() types.MetaOrchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state
}

// Start begins dispatching queued tasks under ctx. Cancelling ctx stops
// the dispatch loop; in-flight TaskOrchestrators are not cancelled by
// this (use Close plus explicit Cancel calls for that).
func (m *MetaOrchestrator) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	if m.state.Status == types.MetaIdle {
		m.state.Status = types.MetaRunning
	}
	m.mu.Unlock()

	go m.run(ctx)
	m.requestDispatch()
}

// Close stops the dispatch loop.
func (m *MetaOrchestrator) Close() {
	m.stop.Do(func() { close(m.done) })
}

func (m *MetaOrchestrator) run(ctx context.Context) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.dispatch(ctx)
		case <-m.kick:
			m.dispatch(ctx)
		}
	}
}

func (m *MetaOrchestrator) requestDispatch() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Enqueue adds task to the project's queue. A complete MetaOrchestrator
// returns to running so the new task is dispatched.
func (m *MetaOrchestrator) Enqueue(task types.Task) {
	m.mu.Lock()
	m.pending = append(m.pending, queuedTask{task: task, enqueuedAt: m.now()})
	m.state.TaskQueue = append(m.state.TaskQueue, task.ID)
	if m.state.Status == types.MetaComplete {
		m.state.Status = types.MetaRunning
	}
	m.mu.Unlock()
	m.requestDispatch()
}

// Resume clears a budget-induced pause and resumes dispatch. It is a
// no-op if the MetaOrchestrator was not paused.
func (m *MetaOrchestrator) Resume() {
	m.mu.Lock()
	if m.state.Status == types.MetaPaused {
		m.state.Status = types.MetaRunning
	}
	m.mu.Unlock()
	m.requestDispatch()
}

// Pause stops dispatch without affecting already-active
// TaskOrchestrators. A no-op once the orchestrator has already reached
// a terminal status.
func (m *MetaOrchestrator) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == types.MetaRunning {
		m.state.Status = types.MetaPaused
	}
}

// SetStrategy changes the dequeue strategy applied to the pending
// queue. Takes effect on the next dispatch tick.
func (m *MetaOrchestrator) SetStrategy(strategy types.MetaStrategy) error {
	if !strategy.IsValid() {
		return types.Validationf("unknown meta strategy %q", strategy)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = strategy
	m.state.Strategy = strategy
	return nil
}

// SetMaxConcurrent changes the concurrency cap dispatch respects.
func (m *MetaOrchestrator) SetMaxConcurrent(maxConcurrent int) error {
	if maxConcurrent < 1 {
		return types.Validationf("max_concurrent must be >= 1")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.MaxConcurrent = maxConcurrent
	return nil
}

// SetBudget replaces the monetary budget and alert threshold. A nil
// budgetUSD means unbounded.
func (m *MetaOrchestrator) SetBudget(budgetUSD *float64, alertThreshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.BudgetUSD = budgetUSD
	m.state.AlertThreshold = alertThreshold
}

// dispatch fills available concurrency slots from the pending queue,
// per strategy, stopping (and pausing) the moment the budget can no
// longer cover the next task.
func (m *MetaOrchestrator) dispatch(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.state.Status != types.MetaRunning {
			m.mu.Unlock()
			return
		}
		if len(m.pending) == 0 {
			if len(m.active) == 0 && m.state.TasksCompleted+m.state.TasksFailed > 0 {
				m.state.Status = types.MetaComplete
			}
			m.mu.Unlock()
			return
		}
		if len(m.active) >= m.effectiveCapacity() {
			m.mu.Unlock()
			return
		}
		if !m.state.CanAffordTask(m.perTaskBudgetEstimate) {
			m.state.Status = types.MetaPaused
			snapshot := *m.state
			m.mu.Unlock()
			if m.onBudgetAlert != nil {
				m.onBudgetAlert(snapshot)
			}
			return
		}

		m.sortPendingLocked()
		next := m.pending[0]
		m.pending = m.pending[1:]
		taskID := next.task.ID
		m.mu.Unlock()

		orch, err := m.factory(ctx, next.task, m.onChildTransition(taskID))
		m.mu.Lock()
		if err != nil {
			m.state.TasksFailed++
			m.removeFromQueueLocked(taskID)
			m.mu.Unlock()
			continue
		}
		m.active[taskID] = orch
		m.state.ActiveOrchestrators[orch.Get().ID] = struct{}{}
		m.removeFromQueueLocked(taskID)
		m.mu.Unlock()

		if err := orch.Start(ctx); err != nil {
			m.mu.Lock()
			delete(m.active, taskID)
			delete(m.state.ActiveOrchestrators, orch.Get().ID)
			m.state.TasksFailed++
			m.mu.Unlock()
			continue
		}

		if m.strategy == types.StrategySequential {
			// At most one active TaskOrchestrator at a time; wait for
			// it to reach a terminal phase before dequeuing the next.
			return
		}
	}
}

// sortPendingLocked orders the pending queue per strategy. Must be
// called with m.mu held.
func (m *MetaOrchestrator) sortPendingLocked() {
	if m.strategy != types.StrategyPriority {
		return
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].task.Priority != m.pending[j].task.Priority {
			return m.pending[i].task.Priority > m.pending[j].task.Priority
		}
		return m.pending[i].enqueuedAt.Before(m.pending[j].enqueuedAt)
	})
}

func (m *MetaOrchestrator) removeFromQueueLocked(taskID string) {
	for i, id := range m.state.TaskQueue {
		if id == taskID {
			m.state.TaskQueue = append(m.state.TaskQueue[:i], m.state.TaskQueue[i+1:]...)
			return
		}
	}
}

// effectiveCapacity returns max_concurrent, plus a temporarily borrowed
// slot when recent task outcomes have a high success rate. Sequential
// strategy never borrows: its one-at-a-time contract is absolute.
func (m *MetaOrchestrator) effectiveCapacity() int {
	if m.strategy == types.StrategySequential {
		return 1
	}
	rate := m.successRateLocked()
	if rate >= highSuccessRateThreshold {
		return m.state.MaxConcurrent + adaptiveBonusSlots
	}
	return m.state.MaxConcurrent
}

func (m *MetaOrchestrator) successRateLocked() float64 {
	if len(m.outcomes) == 0 {
		return 1 // no history yet: behave as if recently healthy
	}
	successes := 0
	for _, ok := range m.outcomes {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(m.outcomes))
}

// recordOutcomeLocked appends a terminal outcome to the recent-history
// window. A falling success rate throttles back down simply by no
// longer clearing effectiveCapacity's high-rate bar; there is no lower
// threshold to cross, since max_concurrent is always the floor.
func (m *MetaOrchestrator) recordOutcomeLocked(success bool) {
	m.outcomes = append(m.outcomes, success)
	if len(m.outcomes) > recentOutcomeWindow {
		m.outcomes = m.outcomes[len(m.outcomes)-recentOutcomeWindow:]
	}
}

// onChildTransition returns the OnTransition callback a factory must
// wire into the TaskOrchestrator it creates for taskID.
func (m *MetaOrchestrator) onChildTransition(taskID string) taskorch.OnTransition {
	return func(snapshot types.TaskOrchestrator) {
		m.mu.Lock()

		costDelta := snapshot.CostUSD - m.lastCost[taskID]
		if costDelta > 0 {
			m.state.SpentUSD += costDelta
			m.lastCost[taskID] = snapshot.CostUSD
		}
		reworkDelta := snapshot.ReworkCount - m.lastRework[taskID]
		if reworkDelta > 0 {
			m.state.TotalReworkCycles += reworkDelta
			m.lastRework[taskID] = snapshot.ReworkCount
		}

		if !snapshot.CurrentPhase.IsTerminal() {
			m.mu.Unlock()
			return
		}

		delete(m.active, taskID)
		delete(m.state.ActiveOrchestrators, snapshot.ID)
		delete(m.lastCost, taskID)
		delete(m.lastRework, taskID)
		m.removeFromQueueLocked(taskID)

		switch snapshot.CurrentPhase {
		case types.PhaseComplete:
			m.state.TasksCompleted++
			m.recordOutcomeLocked(true)
		case types.PhaseFailed, types.PhaseCancelled:
			m.state.TasksFailed++
			m.recordOutcomeLocked(false)
		}

		m.mu.Unlock()
		m.requestDispatch()
	}
}
