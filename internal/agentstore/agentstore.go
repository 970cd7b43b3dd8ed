// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package agentstore is the authoritative in-memory record of every
// live Agent (spec §3), the Agent-side counterpart to
// internal/registry's Runner bookkeeping: identity, status, usage, and
// the promote/demote transition between standalone and
// orchestrator-managed. It also implements the two narrow seams
// internal/sync defines for the agents it doesn't itself own:
// StaleAgentReaper and the agent-id half of OrphanJobCleaner.
package agentstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

// Option configures a Store.
type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the mutex-guarded Agent record map. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent

	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty Store.
func New(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		agents: make(map[string]*types.Agent),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn registers a new agent in status initializing.
func (s *Store) Spawn(orgID, projectID, taskID, runnerID, orchestratorID, workspacePath string) (*types.Agent, error) {
	if orgID == "" || projectID == "" {
		return nil, types.Validationf("organization id and project id are required")
	}
	now := s.now()
	agent := &types.Agent{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		ProjectID:      projectID,
		TaskID:         taskID,
		RunnerID:       runnerID,
		OrchestratorID: orchestratorID,
		Status:         types.AgentInitializing,
		StartedAt:      &now,
		WorkspacePath:  workspacePath,
		Standalone:     orchestratorID == "",
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
	cp := *agent
	return &cp, nil
}

// Get returns a copy of the agent scoped to orgID.
func (s *Store) Get(orgID, agentID string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(orgID, agentID)
}

func (s *Store) getLocked(orgID, agentID string) (*types.Agent, error) {
	agent, ok := s.agents[agentID]
	if !ok || agent.OrganizationID != orgID {
		return nil, types.NotFound("agent", agentID)
	}
	cp := *agent
	return &cp, nil
}

// GetByID returns a copy of the agent by id alone, without an
// organization scope check. Agent ids are globally unique uuids, so
// this is safe; it exists for callers that only learn an agent id (the
// approval queue's Resumer, the runtime's checkpoint resumer) without
// also carrying its organization.
func (s *Store) GetByID(agentID string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, types.NotFound("agent", agentID)
	}
	cp := *agent
	return &cp, nil
}

// ListActive returns every non-terminal agent for orgID.
func (s *Store) ListActive(orgID string) []*types.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Agent
	for _, agent := range s.agents {
		if agent.OrganizationID != orgID || agent.Status.IsTerminal() {
			continue
		}
		cp := *agent
		out = append(out, &cp)
	}
	return out
}

// UpdateStatus sets an agent's status and, on a terminal transition,
// stamps CompletedAt.
func (s *Store) UpdateStatus(orgID, agentID string, status types.AgentStatus) error {
	if !status.IsValid() {
		return types.Validationf("unknown agent status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok || agent.OrganizationID != orgID {
		return types.NotFound("agent", agentID)
	}
	agent.Status = status
	if status.IsTerminal() && agent.CompletedAt == nil {
		now := s.now()
		agent.CompletedAt = &now
	}
	return nil
}

// Heartbeat refreshes progress/activity/usage for a working agent.
func (s *Store) Heartbeat(orgID, agentID string, progressPercent int, activity string, tokensUsed int64, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok || agent.OrganizationID != orgID {
		return types.NotFound("agent", agentID)
	}
	now := s.now()
	agent.LastHeartbeat = &now
	agent.ProgressPercent = progressPercent
	agent.CurrentActivity = activity
	agent.TokensUsed = tokensUsed
	agent.CostUSD = costUSD
	return nil
}

// Promote attaches a standalone agent to a TaskOrchestrator, per the
// EligibleForPromotion rule on types.Agent.
func (s *Store) Promote(orgID, agentID, orchestratorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok || agent.OrganizationID != orgID {
		return types.NotFound("agent", agentID)
	}
	if !agent.EligibleForPromotion() {
		return types.Validationf("agent %s is not eligible for promotion", agentID)
	}
	agent.OrchestratorID = orchestratorID
	agent.Standalone = false
	return nil
}

// Demote detaches an agent from its TaskOrchestrator, returning it to
// standalone.
func (s *Store) Demote(orgID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok || agent.OrganizationID != orgID {
		return types.NotFound("agent", agentID)
	}
	agent.OrchestratorID = ""
	agent.Standalone = true
	return nil
}

// Remove deletes an agent's record.
func (s *Store) Remove(orgID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return nil
	}
	agent := s.agents[agentID]
	if agent.OrganizationID != orgID {
		return types.NotFound("agent", agentID)
	}
	delete(s.agents, agentID)
	return nil
}

// ListStaleWorking implements sync.StaleAgentReaper: agents in status
// working or initializing whose heartbeat (or, absent one, start time)
// is older than heartbeatOlderThan.
func (s *Store) ListStaleWorking(ctx context.Context, heartbeatOlderThan time.Duration) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var stale []string
	for _, agent := range s.agents {
		if agent.Status != types.AgentWorking && agent.Status != types.AgentInitializing {
			continue
		}
		last := agent.StartedAt
		if agent.LastHeartbeat != nil {
			last = agent.LastHeartbeat
		}
		if last == nil || now.Sub(*last) > heartbeatOlderThan {
			stale = append(stale, agent.ID)
		}
	}
	return stale, nil
}

// MarkFailed implements sync.StaleAgentReaper: transitions agentID to
// failed, incrementing its error count.
func (s *Store) MarkFailed(ctx context.Context, agentID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return types.NotFound("agent", agentID)
	}
	agent.Status = types.AgentFailed
	agent.ErrorCount++
	now := s.now()
	agent.CompletedAt = &now
	s.logger.Warn("agentstore: marked agent failed", "agent_id", agentID, "cause", cause)
	return nil
}

// TerminalAgentIDs implements half of sync.OrphanJobCleaner: every
// agent currently in a terminal status, across all organizations.
func (s *Store) TerminalAgentIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, agent := range s.agents {
		if agent.Status.IsTerminal() {
			ids = append(ids, agent.ID)
		}
	}
	return ids, nil
}
