// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl-core/internal/router"
	"github.com/sibylhq/sibyl-core/pkg/types"
)

type registerRunnerRequest struct {
	Name                string   `json:"name"`
	Hostname            string   `json:"hostname"`
	Capabilities        []string `json:"capabilities"`
	MaxConcurrentAgents int      `json:"max_concurrent_agents"`
}

func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	var req registerRunnerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caps := make(map[string]struct{}, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps[c] = struct{}{}
	}
	id, err := s.registry.Register(principal.OrganizationID, req.Name, req.Hostname, caps, req.MaxConcurrentAgents)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetRunnersOnline(principal.OrganizationID, len(s.registry.ListAvailable(principal.OrganizationID, nil)))
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleViewer)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.ListAll(principal.OrganizationID))
}

func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleViewer)
	if !ok {
		return
	}
	runner, err := s.registry.Get(principal.OrganizationID, chi.URLParam(r, "runnerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}

type setRunnerStatusRequest struct {
	Status types.RunnerStatus `json:"status"`
}

func (s *Server) handleSetRunnerStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleAdmin)
	if !ok {
		return
	}
	var req setRunnerStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.UpdateStatus(principal.OrganizationID, chi.URLParam(r, "runnerID"), req.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveRunner(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleAdmin)
	if !ok {
		return
	}
	if err := s.registry.Remove(principal.OrganizationID, chi.URLParam(r, "runnerID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type routeTaskRequest struct {
	Task              routeTaskPayload    `json:"task"`
	PreferredRunnerID string              `json:"preferred_runner_id"`
	FilesInFlight     map[string][]string `json:"files_in_flight"`
}

type routeTaskPayload struct {
	ID                   string   `json:"id"`
	ProjectID            string   `json:"project_id"`
	Priority             int      `json:"priority"`
	Complexity           string   `json:"complexity"`
	RequiredCapabilities []string `json:"required_capabilities"`
	FilesHint            []string `json:"files_hint"`
}

func (s *Server) buildRoutingResult(organizationID string, req routeTaskRequest) types.RoutingResult {
	caps := make(map[string]struct{}, len(req.Task.RequiredCapabilities))
	for _, c := range req.Task.RequiredCapabilities {
		caps[c] = struct{}{}
	}
	task := &types.Task{
		ID:                   req.Task.ID,
		OrganizationID:       organizationID,
		ProjectID:            req.Task.ProjectID,
		Priority:             req.Task.Priority,
		Complexity:           req.Task.Complexity,
		RequiredCapabilities: caps,
		FilesHint:            req.Task.FilesHint,
	}

	warm := s.registry.ListWarmForProject(task.ProjectID)
	available := s.registry.ListAvailable(organizationID, nil)
	candidates := make([]router.Candidate, 0, len(available))
	for _, runner := range available {
		_, hasWarm := warm[runner.ID]
		candidates = append(candidates, router.Candidate{Runner: runner, HasWarmWorkspace: hasWarm})
	}

	prefs := router.Preferences{PreferredRunnerID: req.PreferredRunnerID, FilesInFlight: req.FilesInFlight}
	return router.Route(task, candidates, time.Now(), prefs)
}

func (s *Server) handleRouteTask(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	var req routeTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	result := s.buildRoutingResult(principal.OrganizationID, req)
	if s.metrics != nil {
		outcome := "selected"
		if result.Failed {
			outcome = "failed"
		}
		s.metrics.ObserveRoutingDecision(principal.OrganizationID, outcome, time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, result)
}

// handleScoreTask is the read-only sibling of route: it exposes the
// same deterministic scoring pass for inspection without implying the
// caller has committed to the selection.
func (s *Server) handleScoreTask(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleViewer)
	if !ok {
		return
	}
	var req routeTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result := s.buildRoutingResult(principal.OrganizationID, req)
	writeJSON(w, http.StatusOK, result.Scores)
}
