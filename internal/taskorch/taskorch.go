// Package taskorch implements the TaskOrchestrator (spec §4.8): the
// per-task state machine driving implement -> gates -> (review) ->
// (rework|complete), with a bounded rework counter ("Ralph Loop"
// safety).
package taskorch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

const (
	defaultMaxReworkAttempts = 3
	cancelGrace              = 5 * time.Second
	commandBuffer            = 8
)

// AgentReport is what a Worker returns after driving one implement
// phase to a terminal point.
type AgentReport struct {
	TokensUsed    int64
	CostUSD       float64
	WorkspacePath string
}

// Worker drives the agent that does the actual implement-phase work.
// It is the only dependency the orchestrator has on the agent runtime,
// kept behind an interface so the state machine stays agent-agnostic.
type Worker interface {
	// Implement runs (or resumes, on rework) the agent until it reaches
	// a terminal point for this phase. feedback is empty on the first
	// attempt and carries the prior gate failures on rework. It must
	// return promptly once ctx is cancelled.
	Implement(ctx context.Context, workerID string, task types.Task, feedback string) (AgentReport, error)
	// Cancel signals the named worker to stop, per spec §5's 5s
	// grace-then-escalate cancellation contract.
	Cancel(ctx context.Context, workerID string) error
}

// GateRunner executes a single quality gate against a workspace.
type GateRunner interface {
	Run(ctx context.Context, workspaceDir string, kind types.GateKind, onOutput func(line string)) types.GateResult
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMaxReworkAttempts(n int) Option {
	return func(o *Orchestrator) { o.state.MaxReworkAttempts = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// OnTransition is invoked, outside any lock, after every committed
// phase/status change, so a caller can mirror state durably (spec
// §4.13) without the orchestrator depending on internal/sync.
type OnTransition func(snapshot types.TaskOrchestrator)

func WithOnTransition(fn OnTransition) Option {
	return func(o *Orchestrator) { o.onTransition = fn }
}

type command struct {
	kind     string // "start" | "approve" | "rework" | "cancel"
	feedback string
	reply    chan error
}

// Orchestrator is a single task's state machine. Its command loop runs
// on its own goroutine; implement/gates cycles run on a second,
// cancellable goroutine so that a "cancel" command is always
// serviceable even mid-cycle.
type Orchestrator struct {
	mu    sync.Mutex
	state *types.TaskOrchestrator
	task  types.Task

	gateOrder    []types.GateKind
	workspaceDir string

	worker Worker
	gates  GateRunner

	now          func() time.Time
	onTransition OnTransition

	workCancel context.CancelFunc // non-nil while an implement/gates cycle is running

	cmds     chan command
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an Orchestrator for task, with gateOrder already resolved
// (e.g. via internal/gates.OrderGates) and pending in status.
func New(id string, task types.Task, gateOrder []types.GateKind, workspaceDir string, worker Worker, gates GateRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		state: &types.TaskOrchestrator{
			ID:                id,
			OrganizationID:    task.OrganizationID,
			ProjectID:         task.ProjectID,
			TaskID:            task.ID,
			CurrentPhase:      types.PhaseImplement,
			Status:            types.OrchestratorPending,
			GateConfig:        append([]types.GateKind(nil), gateOrder...),
			MaxReworkAttempts: defaultMaxReworkAttempts,
			GateResults:       make(map[types.GateKind]types.GateResult),
		},
		task:         task,
		gateOrder:    gateOrder,
		workspaceDir: workspaceDir,
		worker:       worker,
		gates:        gates,
		now:          time.Now,
		cmds:         make(chan command, commandBuffer),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	go o.run()
	return o
}

// Get returns a snapshot of the orchestrator's current state.
func (o *Orchestrator) Get() types.TaskOrchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.state
}

// Start kicks off the implement phase and returns once the command has
// been accepted, not once the phase completes; watch Get or an
// OnTransition callback for progress.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.send(ctx, command{kind: "start"})
}

// ApproveReview transitions a waiting-review orchestrator to complete.
func (o *Orchestrator) ApproveReview(ctx context.Context) error {
	return o.send(ctx, command{kind: "approve"})
}

// RequestRework sends a waiting-review orchestrator back to implement
// with feedback, subject to the rework-limit guard.
func (o *Orchestrator) RequestRework(ctx context.Context, feedback string) error {
	return o.send(ctx, command{kind: "rework", feedback: feedback})
}

// Cancel stops the orchestrator's current worker, if any, and
// transitions it to cancelled.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	return o.send(ctx, command{kind: "cancel"})
}

func (o *Orchestrator) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case o.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return fmt.Errorf("orchestrator %s is stopped", o.state.ID)
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return fmt.Errorf("orchestrator %s is stopped", o.state.ID)
	}
}

// Close stops the orchestrator's command loop. It does not cancel any
// in-flight work; call Cancel first if that is required. Safe to call
// more than once.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.done) })
}

func (o *Orchestrator) run() {
	for {
		select {
		case cmd := <-o.cmds:
			var err error
			switch cmd.kind {
			case "start":
				err = o.handleStart()
			case "approve":
				err = o.handleApprove()
			case "rework":
				err = o.handleRework(cmd.feedback)
			case "cancel":
				err = o.handleCancel()
			default:
				err = fmt.Errorf("unknown command %q", cmd.kind)
			}
			cmd.reply <- err
		case <-o.done:
			return
		}
	}
}

func (o *Orchestrator) handleStart() error {
	o.mu.Lock()
	if o.state.Status != types.OrchestratorPending {
		status := o.state.Status
		o.mu.Unlock()
		return fmt.Errorf("orchestrator %s already started (status=%s)", o.state.ID, status)
	}
	o.state.Status = types.OrchestratorRunning
	now := o.now()
	o.state.StartedAt = &now
	o.mu.Unlock()
	o.emit()

	o.spawnWork("")
	return nil
}

func (o *Orchestrator) handleRework(feedback string) error {
	o.mu.Lock()
	if o.state.CurrentPhase != types.PhaseReview {
		phase := o.state.CurrentPhase
		o.mu.Unlock()
		return fmt.Errorf("cannot request rework on orchestrator %s in phase %s", o.state.ID, phase)
	}
	if o.state.ReworkCount >= o.state.MaxReworkAttempts {
		o.mu.Unlock()
		o.fail(types.CauseReworkLimit, "max rework attempts exhausted")
		return nil
	}
	o.state.ReworkCount++
	o.state.ReviewFeedback = feedback
	o.state.CurrentPhase = types.PhaseImplement
	o.state.Status = types.OrchestratorRunning
	o.mu.Unlock()
	o.emit()

	o.spawnWork(feedback)
	return nil
}

// spawnWork launches one implement-then-gates cycle (and any immediate
// rework retries within it) on its own goroutine, cancellable via
// o.workCancel.
func (o *Orchestrator) spawnWork(feedback string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.workCancel = cancel
	o.mu.Unlock()
	go o.driveImplementGates(ctx, feedback)
}

// driveImplementGates runs implement -> gates, looping back into
// implement on a retryable gate failure exactly as spec §4.8's diagram
// shows, until it reaches review, failed, or observes ctx cancellation.
func (o *Orchestrator) driveImplementGates(ctx context.Context, feedback string) {
	defer func() {
		o.mu.Lock()
		o.workCancel = nil
		o.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		workerID := uuid.NewString()
		o.mu.Lock()
		o.state.CurrentWorkerID = workerID
		o.mu.Unlock()
		o.emit()

		report, err := o.worker.Implement(ctx, workerID, o.task, feedback)
		if ctx.Err() != nil {
			return
		}

		o.mu.Lock()
		o.state.CurrentWorkerID = ""
		if err != nil {
			o.mu.Unlock()
			o.fail(types.CauseAgentError, err.Error())
			return
		}
		o.state.TokensUsed += report.TokensUsed
		o.state.CostUSD += report.CostUSD
		if report.WorkspacePath != "" {
			o.workspaceDir = report.WorkspacePath
		}
		o.state.CurrentPhase = types.PhaseGates
		o.mu.Unlock()
		o.emit()

		results, allPassed := o.runGates(ctx)
		if ctx.Err() != nil {
			return
		}

		o.mu.Lock()
		o.state.GateResults = results
		o.mu.Unlock()

		if allPassed {
			o.mu.Lock()
			o.state.CurrentPhase = types.PhaseReview
			o.state.Status = types.OrchestratorWaitingReview
			o.mu.Unlock()
			o.emit()
			return
		}

		o.mu.Lock()
		if o.state.ReworkCount >= o.state.MaxReworkAttempts {
			o.mu.Unlock()
			o.fail(types.CauseReworkLimit, "max rework attempts exhausted")
			return
		}
		o.state.ReworkCount++
		o.state.CurrentPhase = types.PhaseImplement
		o.mu.Unlock()
		o.emit()

		feedback = summarizeFailures(results)
	}
}

func (o *Orchestrator) runGates(ctx context.Context) (map[types.GateKind]types.GateResult, bool) {
	results := make(map[types.GateKind]types.GateResult, len(o.gateOrder))
	allPassed := true
	for _, kind := range o.gateOrder {
		if ctx.Err() != nil {
			return results, false
		}
		res := o.gates.Run(ctx, o.workspaceDir, kind, nil)
		results[kind] = res
		if !res.Passed {
			allPassed = false
		}
	}
	return results, allPassed
}

func summarizeFailures(results map[types.GateKind]types.GateResult) string {
	var feedback string
	for kind, res := range results {
		if res.Passed {
			continue
		}
		feedback += fmt.Sprintf("gate %s failed: %v\n", kind, res.Errors)
	}
	return feedback
}

func (o *Orchestrator) handleApprove() error {
	o.mu.Lock()
	if o.state.CurrentPhase != types.PhaseReview {
		phase := o.state.CurrentPhase
		o.mu.Unlock()
		return fmt.Errorf("cannot approve orchestrator %s in phase %s", o.state.ID, phase)
	}
	o.state.CurrentPhase = types.PhaseComplete
	o.state.Status = types.OrchestratorComplete
	now := o.now()
	o.state.CompletedAt = &now
	o.mu.Unlock()
	o.emit()
	return nil
}

func (o *Orchestrator) handleCancel() error {
	o.mu.Lock()
	if o.state.CurrentPhase.IsTerminal() {
		o.mu.Unlock()
		return nil
	}
	cancelFn := o.workCancel
	workerID := o.state.CurrentWorkerID
	o.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	if workerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		_ = o.worker.Cancel(ctx, workerID)
		cancel()
	}

	o.mu.Lock()
	o.state.CurrentPhase = types.PhaseCancelled
	o.state.Status = types.OrchestratorCancelled
	o.state.FailureCause = types.CauseCancelled
	o.state.CurrentWorkerID = ""
	now := o.now()
	o.state.CompletedAt = &now
	o.mu.Unlock()
	o.emit()
	return nil
}

func (o *Orchestrator) fail(cause types.FailureCause, message string) {
	o.mu.Lock()
	o.state.CurrentPhase = types.PhaseFailed
	o.state.Status = types.OrchestratorFailed
	o.state.FailureCause = cause
	o.state.ErrorMessage = message
	o.state.CurrentWorkerID = ""
	now := o.now()
	o.state.CompletedAt = &now
	o.mu.Unlock()
	o.emit()
}

func (o *Orchestrator) emit() {
	if o.onTransition == nil {
		return
	}
	o.onTransition(o.Get())
}
