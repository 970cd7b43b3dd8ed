// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl-core/internal/api"
	"github.com/sibylhq/sibyl-core/internal/registry"
	"github.com/sibylhq/sibyl-core/internal/sandbox"
)

// sandboxHandler exposes sandbox-runner container lifecycle (spec §2's
// is_sandbox_runner/bound_sandbox_id fields) as an admin-only operator
// surface. It sits outside internal/api because sandbox provisioning is
// infrastructure the control plane's §6.2 operations don't name, not
// because it's any less real — it still runs through the same
// Registry/Authenticator this process wires everywhere else.
type sandboxHandler struct {
	auth    api.Authenticator
	manager *sandbox.Manager
	reg     *registry.Registry
}

func (h *sandboxHandler) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, ok := h.auth.Authenticate(r)
	if !ok || (principal.Role != api.RoleAdmin && principal.Role != api.RoleOwner) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return principal.OrganizationID, true
}

type startSandboxRequest struct {
	RunnerID string            `json:"runner_id"`
	Image    string            `json:"image"`
	Env      []string          `json:"env"`
	Labels   map[string]string `json:"labels"`
}

func (h *sandboxHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var req startSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	containerID, err := h.manager.Start(r.Context(), sandbox.Spec{
		Image:  req.Image,
		Name:   "sibyl-sandbox-" + req.RunnerID,
		Env:    req.Env,
		Labels: req.Labels,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := h.reg.BindSandbox(orgID, req.RunnerID, containerID); err != nil {
		_ = h.manager.StopAndRemove(r.Context(), containerID)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"container_id": containerID})
}

func (h *sandboxHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	runnerID := chi.URLParam(r, "runnerID")
	run, err := h.reg.Get(orgID, runnerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := h.manager.StopAndRemove(r.Context(), run.BoundSandboxID); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	_ = h.reg.BindSandbox(orgID, runnerID, "")
	w.WriteHeader(http.StatusNoContent)
}

func (h *sandboxHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	runnerID := chi.URLParam(r, "runnerID")
	run, err := h.reg.Get(orgID, runnerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	logs, err := h.manager.Logs(r.Context(), run.BoundSandboxID, 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(logs))
}
