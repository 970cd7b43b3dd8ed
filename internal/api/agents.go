// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

func (s *Server) handleListActiveAgents(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleViewer)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.agents.ListActive(principal.OrganizationID))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleViewer)
	if !ok {
		return
	}
	agent, err := s.agents.Get(principal.OrganizationID, chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleStopAgent marks the agent terminated and, best-effort, asks the
// worker driving it to stop; a worker that has already finished is not
// an error here, the agent record is the source of truth.
func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if _, err := s.agents.Get(principal.OrganizationID, agentID); err != nil {
		writeError(w, err)
		return
	}
	_ = s.worker.Cancel(r.Context(), agentID)
	if err := s.agents.UpdateStatus(principal.OrganizationID, agentID, types.AgentTerminated); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkpointAgentRequest struct {
	WorkspacePath     string `json:"workspace_path"`
	CurrentStep       string `json:"current_step"`
	PendingApprovalID string `json:"pending_approval_id"`
}

func (s *Server) handleCheckpointAgent(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if _, err := s.agents.Get(principal.OrganizationID, agentID); err != nil {
		writeError(w, err)
		return
	}
	var req checkpointAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cp, err := s.checkpoints.Checkpoint(r.Context(), agentID, req.WorkspacePath, req.CurrentStep, req.PendingApprovalID)
	if err != nil {
		writeError(w, types.Wrap(uuid.NewString(), err))
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

type restoreAgentRequest struct {
	WorkspacePath string `json:"workspace_path"`
}

func (s *Server) handleRestoreAgent(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if _, err := s.agents.Get(principal.OrganizationID, agentID); err != nil {
		writeError(w, err)
		return
	}
	var req restoreAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.checkpoints.Restore(agentID, req.WorkspacePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type promoteAgentRequest struct {
	OrchestratorID string `json:"orchestrator_id"`
}

func (s *Server) handlePromoteAgent(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	var req promoteAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if err := s.agents.Promote(principal.OrganizationID, agentID, req.OrchestratorID); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.agents.Get(principal.OrganizationID, agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDemoteAgent(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if err := s.agents.Demote(principal.OrganizationID, agentID); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.agents.Get(principal.OrganizationID, agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}
