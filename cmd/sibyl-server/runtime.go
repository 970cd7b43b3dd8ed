// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/sibylhq/sibyl-core/internal/agentruntime"
	"github.com/sibylhq/sibyl-core/internal/taskorch"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

// bytesPerToken and usdPerToken are the estimate runtimeWorker.Implement
// falls back to: the OpenCode SDK response internal/agentruntime sees
// carries no token-usage or billing fields, so cost and usage are
// derived from the prompt and reply length rather than left at zero.
const (
	bytesPerToken = 4
	usdPerToken   = 0.000002
)

// runtimeWorker adapts internal/agentruntime.Adapter to taskorch.Worker
// and internal/checkpoint.Snapshotter, keeping one live Instance per
// agent id for the lifetime of its TaskOrchestrator.
type runtimeWorker struct {
	adapter *agentruntime.Adapter

	mu        sync.Mutex
	instances map[string]*agentruntime.Instance
}

func newRuntimeWorker(adapter *agentruntime.Adapter) *runtimeWorker {
	return &runtimeWorker{
		adapter:   adapter,
		instances: make(map[string]*agentruntime.Instance),
	}
}

func (w *runtimeWorker) instanceFor(ctx context.Context, workerID, prompt string, task types.Task) (*agentruntime.Instance, error) {
	w.mu.Lock()
	inst, ok := w.instances[workerID]
	w.mu.Unlock()
	if ok {
		return inst, nil
	}

	inst, err := w.adapter.Spawn(ctx, workerID, prompt, task.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.instances[workerID] = inst
	w.mu.Unlock()
	return inst, nil
}

// Implement satisfies taskorch.Worker. The first call for a workerID
// spawns its session with the task as the opening prompt; every
// subsequent call (rework) sends feedback into the same session.
func (w *runtimeWorker) Implement(ctx context.Context, workerID string, task types.Task, feedback string) (taskorch.AgentReport, error) {
	prompt := task.Title
	if feedback != "" {
		prompt = feedback
	}

	inst, err := w.instanceFor(ctx, workerID, prompt, task)
	if err != nil {
		return taskorch.AgentReport{}, fmt.Errorf("runtime worker %s: %w", workerID, err)
	}

	var reply string
	if feedback == "" {
		reply, err = w.adapter.Execute(ctx, inst, prompt)
	} else {
		reply, err = w.adapter.Send(ctx, inst, feedback)
	}
	if err != nil {
		return taskorch.AgentReport{}, fmt.Errorf("runtime worker %s: %w", workerID, err)
	}

	tokens := int64(len(prompt)+len(reply)) / bytesPerToken
	return taskorch.AgentReport{
		TokensUsed: tokens,
		CostUSD:    float64(tokens) * usdPerToken,
	}, nil
}

// Cancel satisfies taskorch.Worker.
func (w *runtimeWorker) Cancel(ctx context.Context, workerID string) error {
	w.mu.Lock()
	inst, ok := w.instances[workerID]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return w.adapter.Stop(ctx, inst, "orchestrator cancelled")
}

// ConversationHistory satisfies internal/checkpoint.Snapshotter.
func (w *runtimeWorker) ConversationHistory(ctx context.Context, agentID string) ([]types.ConversationMessage, error) {
	w.mu.Lock()
	inst, ok := w.instances[agentID]
	w.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return w.adapter.GetConversationHistory(ctx, inst)
}

// SessionID satisfies internal/checkpoint.Snapshotter.
func (w *runtimeWorker) SessionID(ctx context.Context, agentID string) (string, error) {
	w.mu.Lock()
	inst, ok := w.instances[agentID]
	w.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no runtime instance for agent %s", agentID)
	}
	return inst.SessionID, nil
}
