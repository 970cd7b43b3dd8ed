// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"context"
	"fmt"

	"github.com/sibylhq/sibyl-core/internal/agentruntime"
	"github.com/sibylhq/sibyl-core/internal/agentstore"
	"github.com/sibylhq/sibyl-core/internal/checkpoint"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

// checkpointResumer is the subset of *agentruntime.Adapter approvalResumer
// needs, narrowed to a seam so tests can substitute a fake instead of
// driving a live OpenCode server.
type checkpointResumer interface {
	ResumeFromCheckpoint(ctx context.Context, agentID string, cp *types.AgentCheckpoint) (*agentruntime.Instance, error)
	Send(ctx context.Context, inst *agentruntime.Instance, message string) (string, error)
}

// approvalResumer implements internal/approval.Resumer by reconstituting
// the agent's runtime session from its latest checkpoint and continuing
// it, or marking it failed when approval is denied.
type approvalResumer struct {
	agents      *agentstore.Store
	checkpoints *checkpoint.Store
	adapter     checkpointResumer
	runtime     *runtimeWorker
}

func newApprovalResumer(agents *agentstore.Store, checkpoints *checkpoint.Store, adapter checkpointResumer, runtime *runtimeWorker) *approvalResumer {
	return &approvalResumer{agents: agents, checkpoints: checkpoints, adapter: adapter, runtime: runtime}
}

func (r *approvalResumer) Resume(ctx context.Context, agentID, outcome string) error {
	agent, err := r.agents.GetByID(agentID)
	if err != nil {
		return fmt.Errorf("resume agent %s: %w", agentID, err)
	}

	cp := r.checkpoints.Latest(agentID)
	if cp == nil {
		return fmt.Errorf("resume agent %s: no checkpoint to resume from", agentID)
	}

	inst, err := r.adapter.ResumeFromCheckpoint(ctx, agentID, cp)
	if err != nil {
		return fmt.Errorf("resume agent %s: %w", agentID, err)
	}
	r.runtime.mu.Lock()
	r.runtime.instances[agentID] = inst
	r.runtime.mu.Unlock()

	if _, err := r.adapter.Send(ctx, inst, outcome); err != nil {
		return fmt.Errorf("resume agent %s: %w", agentID, err)
	}
	return r.agents.UpdateStatus(agent.OrganizationID, agentID, types.AgentWorking)
}

func (r *approvalResumer) Terminate(ctx context.Context, agentID, reason string) error {
	if err := r.runtime.Cancel(ctx, agentID); err != nil {
		return fmt.Errorf("terminate agent %s: %w", agentID, err)
	}
	return r.agents.MarkFailed(ctx, agentID, reason)
}
