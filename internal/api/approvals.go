// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

type requestApprovalRequest struct {
	AgentID           string `json:"agent_id"`
	ActionDescription string `json:"action_description"`
	ProposedChange    string `json:"proposed_change"`
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, RoleMember); !ok {
		return
	}
	var req requestApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	approval, err := s.approvals.Request(req.AgentID, req.ActionDescription, req.ProposedChange)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, approval)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, RoleViewer); !ok {
		return
	}
	approval, err := s.approvals.Get(chi.URLParam(r, "approvalID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

type decideApprovalRequest struct {
	Approved bool   `json:"approved"`
	Decider  string `json:"decider"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleAdmin)
	if !ok {
		return
	}
	var req decideApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Decider == "" {
		req.Decider = principal.OrganizationID
	}
	if err := s.approvals.Decide(r.Context(), chi.URLParam(r, "approvalID"), req.Approved, req.Decider); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runGateRequest struct {
	WorkspaceDir string        `json:"workspace_dir"`
	Kind         types.GateKind `json:"kind"`
}

func (s *Server) handleRunGate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, RoleMember); !ok {
		return
	}
	var req runGateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Kind.IsValid() {
		writeError(w, types.Validationf("unknown gate kind %q", req.Kind))
		return
	}
	result := s.gateRunner.Run(r.Context(), req.WorkspaceDir, req.Kind, nil)
	if s.metrics != nil {
		outcome := "passed"
		if !result.Passed {
			outcome = "failed"
		}
		s.metrics.ObserveGateOutcome(string(req.Kind), outcome, float64(result.Duration)/1000)
	}
	writeJSON(w, http.StatusOK, result)
}
