// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package registry implements the Runner Registry (spec §4.1): the
// authoritative record of every runner's identity, capabilities, slot
// count, load, and warm-workspace map.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

const defaultHeartbeatThreshold = 60 * time.Second

// Registry is the in-memory, mutex-guarded Runner store. A Registry is
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*types.Runner

	// warm maps projectID -> runnerID -> RunnerProject.
	warm map[string]map[string]*types.RunnerProject

	heartbeatThreshold time.Duration
	now                func() time.Time
	logger             *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatThreshold overrides the default 60s unhealthy threshold.
func WithHeartbeatThreshold(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatThreshold = d }
}

// WithClock overrides the registry's notion of "now" for deterministic
// tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		runners:            make(map[string]*types.Runner),
		warm:               make(map[string]map[string]*types.RunnerProject),
		heartbeatThreshold: defaultHeartbeatThreshold,
		now:                time.Now,
		logger:             logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a runner in status offline. Registering twice with
// the same (organization, name, hostname) returns the existing runner's
// id instead of creating a duplicate (spec §8 round-trip idempotence).
func (r *Registry) Register(orgID, name, hostname string, capabilities map[string]struct{}, maxConcurrent int) (string, error) {
	if orgID == "" || name == "" || hostname == "" {
		return "", types.Validationf("organization id, name and hostname are required")
	}
	if maxConcurrent < 1 {
		return "", types.Validationf("max_concurrent_agents must be >= 1")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.runners {
		if existing.OrganizationID == orgID && existing.DisplayName == name && existing.Hostname == hostname {
			r.logger.Info("runner re-registration returns existing id",
				"runner_id", existing.ID, "org", orgID, "name", name)
			return existing.ID, nil
		}
	}

	id := uuid.NewString()
	caps := make(map[string]struct{}, len(capabilities))
	for c := range capabilities {
		caps[c] = struct{}{}
	}
	r.runners[id] = &types.Runner{
		ID:                  id,
		OrganizationID:      orgID,
		DisplayName:         name,
		Hostname:            hostname,
		Capabilities:        caps,
		MaxConcurrentAgents: maxConcurrent,
		CurrentAgentCount:   0,
		Status:              types.RunnerOffline,
		Revision:            1,
	}
	r.logger.Info("runner registered", "runner_id", id, "org", orgID, "name", name, "hostname", hostname)
	return id, nil
}

// Get returns a copy of the runner scoped to orgID.
func (r *Registry) Get(orgID, runnerID string) (*types.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, err := r.getLocked(orgID, runnerID)
	if err != nil {
		return nil, err
	}
	cp := *run
	return &cp, nil
}

func (r *Registry) getLocked(orgID, runnerID string) (*types.Runner, error) {
	run, ok := r.runners[runnerID]
	if !ok || run.OrganizationID != orgID {
		return nil, types.NotFound("runner", runnerID)
	}
	return run, nil
}

// BindSandbox records that runnerID is backed by the given sandbox
// container id, marking it a sandbox runner. Passing an empty
// containerID unbinds it (used once the sandbox is torn down).
func (r *Registry) BindSandbox(orgID, runnerID, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.getLocked(orgID, runnerID)
	if err != nil {
		return err
	}
	run.BoundSandboxID = containerID
	run.IsSandboxRunner = containerID != ""
	run.Revision++
	return nil
}

// UpdateStatus performs a validated status transition.
func (r *Registry) UpdateStatus(orgID, runnerID string, status types.RunnerStatus) error {
	if !status.IsValid() {
		return types.Validationf("unknown runner status %q", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.getLocked(orgID, runnerID)
	if err != nil {
		return err
	}
	if !types.CanTransitionRunnerStatus(run.Status, status) {
		return types.Validationf("illegal runner status transition %s -> %s", run.Status, status)
	}
	run.Status = status
	run.Revision++
	r.logger.Info("runner status updated", "runner_id", runnerID, "status", status)
	return nil
}

// Heartbeat refreshes last_heartbeat and atomically updates the current
// agent count. Heartbeating N times with the same agent count is
// equivalent to heartbeating once (spec §8 idempotence).
func (r *Registry) Heartbeat(orgID, runnerID string, currentAgentCount int, clientVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.getLocked(orgID, runnerID)
	if err != nil {
		return err
	}
	now := r.now()
	run.LastHeartbeat = &now
	run.CurrentAgentCount = currentAgentCount
	run.ClientVersion = clientVersion
	run.Revision++
	return nil
}

// AcquireSlot atomically succeeds iff current_agent_count < max_concurrent.
func (r *Registry) AcquireSlot(orgID, runnerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.getLocked(orgID, runnerID)
	if err != nil {
		return false, err
	}
	if run.CurrentAgentCount >= run.MaxConcurrentAgents {
		return false, nil
	}
	run.CurrentAgentCount++
	run.Revision++
	return true, nil
}

// ReleaseSlot decrements current_agent_count, never below zero.
func (r *Registry) ReleaseSlot(orgID, runnerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.getLocked(orgID, runnerID)
	if err != nil {
		return err
	}
	if run.CurrentAgentCount > 0 {
		run.CurrentAgentCount--
	}
	run.Revision++
	return nil
}

// RegisterWarmWorkspace upserts a RunnerProject.
func (r *Registry) RegisterWarmWorkspace(orgID, runnerID, projectID, path, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(orgID, runnerID); err != nil {
		return err
	}
	byRunner, ok := r.warm[projectID]
	if !ok {
		byRunner = make(map[string]*types.RunnerProject)
		r.warm[projectID] = byRunner
	}
	byRunner[runnerID] = &types.RunnerProject{
		RunnerID:        runnerID,
		ProjectID:       projectID,
		WorkspacePath:   path,
		WorkspaceBranch: branch,
		LastUsedAt:      r.now(),
	}
	return nil
}

// ListWarmForProject returns every runner with a warm workspace for the
// given project.
func (r *Registry) ListWarmForProject(projectID string) map[string]*types.RunnerProject {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*types.RunnerProject, len(r.warm[projectID]))
	for runnerID, rp := range r.warm[projectID] {
		cp := *rp
		out[runnerID] = &cp
	}
	return out
}

// ListAvailable returns runners in status online|busy for the given
// organization, excluding the given runner ids.
func (r *Registry) ListAvailable(orgID string, exclude map[string]struct{}) []*types.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Runner
	for _, run := range r.runners {
		if run.OrganizationID != orgID {
			continue
		}
		if _, skip := exclude[run.ID]; skip {
			continue
		}
		if run.Status == types.RunnerOnline || run.Status == types.RunnerBusy {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out
}

// ListAll returns every runner registered for orgID, regardless of
// status, for the control-plane API's list operation.
func (r *Registry) ListAll(orgID string) []*types.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Runner
	for _, run := range r.runners {
		if run.OrganizationID != orgID {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	return out
}

// IsHealthy reports whether the runner has heartbeated within the
// registry's configured threshold.
func (r *Registry) IsHealthy(orgID, runnerID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, err := r.getLocked(orgID, runnerID)
	if err != nil {
		return false, err
	}
	return run.IsHealthy(r.now(), r.heartbeatThreshold), nil
}

// Remove deletes a runner and its warm workspace records. Cascades per
// spec §3 ownership tree: runner delete -> warm workspaces.
func (r *Registry) Remove(orgID, runnerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(orgID, runnerID); err != nil {
		return err
	}
	delete(r.runners, runnerID)
	for projectID, byRunner := range r.warm {
		delete(byRunner, runnerID)
		if len(byRunner) == 0 {
			delete(r.warm, projectID)
		}
	}
	r.logger.Info("runner removed", "runner_id", runnerID, "org", orgID)
	return nil
}
