// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package approval implements the Approval Queue (spec §4.11): the
// human-in-the-loop gate an agent passes through before taking a
// dangerous action, backed by a checkpoint so the agent can be
// suspended and later resumed with the decision.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

const defaultTimeout = 24 * time.Hour

// Resumer resumes a suspended agent and terminates one that cannot be
// resumed. Implemented by internal/agentruntime plus whatever wires
// checkpoints back in (the orchestration layer owning both).
type Resumer interface {
	// Resume restarts agentID from its latest checkpoint, feeding
	// outcome as the next input.
	Resume(ctx context.Context, agentID, outcome string) error
	// Terminate stops agentID with the given failure reason.
	Terminate(ctx context.Context, agentID, reason string) error
}

// Option configures a Queue.
type Option func(*Queue)

func WithTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the in-memory, mutex-guarded Approval store. The shape
// mirrors internal/registry.Registry: in-memory now, durable via
// internal/store later.
type Queue struct {
	mu         sync.Mutex
	approvals  map[string]*types.Approval
	pendingFor map[string]string // agentID -> pending approval id

	resumer Resumer
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty Queue. resumer may be nil in tests that only
// exercise enqueue/decide bookkeeping.
func New(resumer Resumer, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		approvals:  make(map[string]*types.Approval),
		pendingFor: make(map[string]string),
		resumer:    resumer,
		timeout:    defaultTimeout,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Request creates a pending Approval for agentID. Per spec §5's
// shared-resource policy, at most one pending approval may exist per
// agent at a time.
func (q *Queue) Request(agentID, actionDescription, proposedChange string) (*types.Approval, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existingID, ok := q.pendingFor[agentID]; ok {
		return nil, types.Validationf("agent %s already has a pending approval %s", agentID, existingID)
	}

	a := &types.Approval{
		ID:                uuid.NewString(),
		AgentID:           agentID,
		ActionDescription: actionDescription,
		ProposedChange:    proposedChange,
		Status:            types.ApprovalPending,
		CreatedAt:         q.now(),
	}
	q.approvals[a.ID] = a
	q.pendingFor[agentID] = a.ID
	q.logger.Info("approval requested", "approval_id", a.ID, "agent_id", agentID)
	return a, nil
}

// Get returns an approval by id.
func (q *Queue) Get(approvalID string) (*types.Approval, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.approvals[approvalID]
	if !ok {
		return nil, types.NotFound("approval", approvalID)
	}
	cp := *a
	return &cp, nil
}

// PendingForAgent returns the id of agentID's pending approval, if any.
func (q *Queue) PendingForAgent(agentID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.pendingFor[agentID]
	return id, ok
}

// Decide resolves a pending approval. approved=true resumes the agent
// via Resumer.Resume, feeding decider's decision as the next input;
// approved=false terminates the agent with status failed, per spec
// §4.11.
func (q *Queue) Decide(ctx context.Context, approvalID string, approved bool, decider string) error {
	q.mu.Lock()
	a, ok := q.approvals[approvalID]
	if !ok {
		q.mu.Unlock()
		return types.NotFound("approval", approvalID)
	}
	if a.Status != types.ApprovalPending {
		q.mu.Unlock()
		return types.Validationf("approval %s is not pending (status %s)", approvalID, a.Status)
	}

	now := q.now()
	a.DecidedBy = decider
	a.DecidedAt = &now
	if approved {
		a.Status = types.ApprovalApproved
	} else {
		a.Status = types.ApprovalDenied
	}
	agentID := a.AgentID
	delete(q.pendingFor, agentID)
	q.mu.Unlock()

	q.logger.Info("approval decided", "approval_id", approvalID, "agent_id", agentID, "approved", approved, "decider", decider)

	if q.resumer == nil {
		return nil
	}
	if approved {
		return q.resumer.Resume(ctx, agentID, "approved")
	}
	return q.resumer.Terminate(ctx, agentID, "approval denied")
}

// ExpirePending finds every pending approval older than the queue's
// timeout, marks it expired, and terminates its agent. Callers run
// this on a ticker (see internal/sync's sweepers for the same
// reap-on-a-timer pattern).
func (q *Queue) ExpirePending(ctx context.Context) []string {
	q.mu.Lock()
	now := q.now()
	var expired []*types.Approval
	for _, a := range q.approvals {
		if a.Status != types.ApprovalPending {
			continue
		}
		if now.Sub(a.CreatedAt) < q.timeout {
			continue
		}
		a.Status = types.ApprovalExpired
		a.DecidedAt = &now
		delete(q.pendingFor, a.AgentID)
		expired = append(expired, a)
	}
	q.mu.Unlock()

	var agentIDs []string
	for _, a := range expired {
		agentIDs = append(agentIDs, a.AgentID)
		q.logger.Info("approval expired", "approval_id", a.ID, "agent_id", a.AgentID)
		if q.resumer != nil {
			if err := q.resumer.Terminate(ctx, a.AgentID, "approval timed out"); err != nil {
				q.logger.Error("failed to terminate agent on approval timeout", "agent_id", a.AgentID, "error", err)
			}
		}
	}
	return agentIDs
}
