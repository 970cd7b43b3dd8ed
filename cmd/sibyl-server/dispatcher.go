// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"log/slog"

	"github.com/sibylhq/sibyl-core/internal/agentstore"
	"github.com/sibylhq/sibyl-core/internal/gateway"
)

// gatewayDispatcher implements internal/gateway.Dispatcher, mirroring
// progress a remote runner reports over its websocket channel into
// agentstore so internal/api's list_active/get operations see it
// regardless of which execution path (in-process runtimeWorker, or a
// remote runner over the gateway) is driving a given agent.
type gatewayDispatcher struct {
	agents *agentstore.Store
	logger *slog.Logger
}

func newGatewayDispatcher(agents *agentstore.Store, logger *slog.Logger) *gatewayDispatcher {
	return &gatewayDispatcher{agents: agents, logger: logger}
}

func (d *gatewayDispatcher) AgentUpdate(organizationID, runnerID string, update gateway.AgentUpdate) {
	if err := d.agents.Heartbeat(organizationID, update.AgentID, update.Progress, update.Activity, update.Tokens, update.CostUSD); err != nil {
		d.logger.Warn("gateway: agent_update for unknown agent", "agent_id", update.AgentID, "runner_id", runnerID, "error", err)
	}
}

func (d *gatewayDispatcher) TaskComplete(organizationID, runnerID string, result gateway.TaskComplete) {
	d.logger.Info("gateway: task_complete", "org", organizationID, "runner_id", runnerID, "task_id", result.TaskID)
}

func (d *gatewayDispatcher) RunnerError(organizationID, runnerID string, errPayload gateway.RunnerError) {
	d.logger.Error("gateway: runner_error", "org", organizationID, "runner_id", runnerID, "code", errPayload.Code, "message", errPayload.Message)
}
