// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sibylhq/sibyl-core/internal/metaorch"
	"github.com/sibylhq/sibyl-core/internal/taskorch"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

// --- TaskOrchestrator ---

type createOrchestratorRequest struct {
	Task         routeTaskPayload `json:"task"`
	GateOrder    []types.GateKind `json:"gate_order"`
	WorkspaceDir string           `json:"workspace_dir"`
	MaxRework    int              `json:"max_rework_attempts"`
}

func (s *Server) handleCreateOrchestrator(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	var req createOrchestratorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkspaceDir == "" {
		writeError(w, types.Validationf("workspace_dir is required"))
		return
	}

	caps := make(map[string]struct{}, len(req.Task.RequiredCapabilities))
	for _, c := range req.Task.RequiredCapabilities {
		caps[c] = struct{}{}
	}
	task := types.Task{
		ID:                   req.Task.ID,
		OrganizationID:       principal.OrganizationID,
		ProjectID:            req.Task.ProjectID,
		Priority:             req.Task.Priority,
		Complexity:           req.Task.Complexity,
		RequiredCapabilities: caps,
		FilesHint:            req.Task.FilesHint,
	}

	id := uuid.NewString()
	var opts []taskorch.Option
	if req.MaxRework > 0 {
		opts = append(opts, taskorch.WithMaxReworkAttempts(req.MaxRework))
	}
	orch := taskorch.New(id, task, req.GateOrder, req.WorkspaceDir, s.worker, s.gateRunner, opts...)

	s.mu.Lock()
	s.orchestrators[id] = orch
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, orch.Get())
}

func (s *Server) lookupOrchestrator(orgID, id string) (*taskorch.Orchestrator, error) {
	s.mu.RLock()
	orch, ok := s.orchestrators[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NotFound("orchestrator", id)
	}
	if orch.Get().OrganizationID != orgID {
		return nil, types.NotFound("orchestrator", id)
	}
	return orch, nil
}

func (s *Server) handleGetOrchestrator(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleViewer)
	if !ok {
		return
	}
	orch, err := s.lookupOrchestrator(principal.OrganizationID, chi.URLParam(r, "orchestratorID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orch.Get())
}

func (s *Server) handleStartOrchestrator(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	orch, err := s.lookupOrchestrator(principal.OrganizationID, chi.URLParam(r, "orchestratorID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := orch.Start(r.Context()); err != nil {
		writeError(w, types.Validationf("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, orch.Get())
}

func (s *Server) handleApproveReview(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	orch, err := s.lookupOrchestrator(principal.OrganizationID, chi.URLParam(r, "orchestratorID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := orch.ApproveReview(r.Context()); err != nil {
		writeError(w, types.Validationf("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, orch.Get())
}

type requestReworkRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleRequestRework(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	var req requestReworkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	orch, err := s.lookupOrchestrator(principal.OrganizationID, chi.URLParam(r, "orchestratorID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := orch.RequestRework(r.Context(), req.Feedback); err != nil {
		writeError(w, types.Validationf("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, orch.Get())
}

func (s *Server) handleCancelOrchestrator(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	orch, err := s.lookupOrchestrator(principal.OrganizationID, chi.URLParam(r, "orchestratorID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := orch.Cancel(r.Context()); err != nil {
		writeError(w, types.Validationf("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, orch.Get())
}

// --- MetaOrchestrator ---

// taskOrchestratorFactory adapts this Server into a
// metaorch.OrchestratorFactory: every TaskOrchestrator a
// MetaOrchestrator spawns is tracked in s.orchestrators exactly like
// one created directly through the create operation, so get/cancel work
// uniformly regardless of which path created it.
func (s *Server) taskOrchestratorFactory(orgID string, gateOrder []types.GateKind) metaorch.OrchestratorFactory {
	return func(ctx context.Context, task types.Task, onTransition taskorch.OnTransition) (*taskorch.Orchestrator, error) {
		task.OrganizationID = orgID
		id := uuid.NewString()
		orch := taskorch.New(id, task, gateOrder, "", s.worker, s.gateRunner, taskorch.WithOnTransition(onTransition))
		s.mu.Lock()
		s.orchestrators[id] = orch
		s.mu.Unlock()
		return orch, nil
	}
}

type getOrCreateMetaRequest struct {
	ProjectID             string           `json:"project_id"`
	Strategy              types.MetaStrategy `json:"strategy"`
	MaxConcurrent         int              `json:"max_concurrent"`
	BudgetUSD             *float64         `json:"budget_usd"`
	PerTaskBudgetEstimate float64          `json:"per_task_budget_estimate"`
	GateOrder             []types.GateKind `json:"gate_order"`
}

func (s *Server) handleGetOrCreateMeta(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	var req getOrCreateMetaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ProjectID == "" {
		writeError(w, types.Validationf("project_id is required"))
		return
	}
	if !req.Strategy.IsValid() {
		req.Strategy = types.StrategySequential
	}
	if req.MaxConcurrent < 1 {
		req.MaxConcurrent = 1
	}

	key := principal.OrganizationID + "/" + req.ProjectID
	s.mu.Lock()
	if id, ok := s.metaByProject[key]; ok {
		meta := s.metas[id]
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, meta.Get())
		return
	}

	id := uuid.NewString()
	meta := metaorch.New(id, principal.OrganizationID, req.ProjectID, req.Strategy, req.MaxConcurrent,
		req.BudgetUSD, req.PerTaskBudgetEstimate, s.taskOrchestratorFactory(principal.OrganizationID, req.GateOrder))
	s.metas[id] = meta
	s.metaByProject[key] = id
	s.mu.Unlock()

	meta.Start(s.baseCtx)
	writeJSON(w, http.StatusCreated, meta.Get())
}

func (s *Server) lookupMeta(orgID, id string) (*metaorch.MetaOrchestrator, error) {
	s.mu.RLock()
	meta, ok := s.metas[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NotFound("meta_orchestrator", id)
	}
	if meta.Get().OrganizationID != orgID {
		return nil, types.NotFound("meta_orchestrator", id)
	}
	return meta, nil
}

func (s *Server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleViewer)
	if !ok {
		return
	}
	meta, err := s.lookupMeta(principal.OrganizationID, chi.URLParam(r, "metaID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta.Get())
}

type queueTasksRequest struct {
	Tasks []routeTaskPayload `json:"tasks"`
}

func (s *Server) handleQueueTasks(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	meta, err := s.lookupMeta(principal.OrganizationID, chi.URLParam(r, "metaID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req queueTasksRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	for _, t := range req.Tasks {
		caps := make(map[string]struct{}, len(t.RequiredCapabilities))
		for _, c := range t.RequiredCapabilities {
			caps[c] = struct{}{}
		}
		meta.Enqueue(types.Task{
			ID:                   t.ID,
			OrganizationID:       principal.OrganizationID,
			ProjectID:            t.ProjectID,
			Priority:             t.Priority,
			Complexity:           t.Complexity,
			RequiredCapabilities: caps,
			FilesHint:            t.FilesHint,
		})
	}
	writeJSON(w, http.StatusOK, meta.Get())
}

type setStrategyRequest struct {
	Strategy types.MetaStrategy `json:"strategy"`
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleAdmin)
	if !ok {
		return
	}
	meta, err := s.lookupMeta(principal.OrganizationID, chi.URLParam(r, "metaID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req setStrategyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := meta.SetStrategy(req.Strategy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta.Get())
}

type setBudgetRequest struct {
	BudgetUSD      *float64 `json:"budget_usd"`
	AlertThreshold float64  `json:"alert_threshold"`
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleAdmin)
	if !ok {
		return
	}
	meta, err := s.lookupMeta(principal.OrganizationID, chi.URLParam(r, "metaID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req setBudgetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	meta.SetBudget(req.BudgetUSD, req.AlertThreshold)
	writeJSON(w, http.StatusOK, meta.Get())
}

func (s *Server) handlePauseMeta(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	meta, err := s.lookupMeta(principal.OrganizationID, chi.URLParam(r, "metaID"))
	if err != nil {
		writeError(w, err)
		return
	}
	meta.Pause()
	writeJSON(w, http.StatusOK, meta.Get())
}

func (s *Server) handleResumeMeta(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	meta, err := s.lookupMeta(principal.OrganizationID, chi.URLParam(r, "metaID"))
	if err != nil {
		writeError(w, err)
		return
	}
	meta.Resume()
	writeJSON(w, http.StatusOK, meta.Get())
}
