// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl-core/internal/api"
	"github.com/sibylhq/sibyl-core/internal/config"
	"github.com/sibylhq/sibyl-core/internal/rollout"
)

// rolloutConfigsFrom converts the YAML-serializable config.RolloutConfig
// into the map internal/rollout.Resolve takes.
func rolloutConfigsFrom(cfg config.RolloutConfig) map[string]rollout.Config {
	out := make(map[string]rollout.Config, len(cfg.Features))
	for name, f := range cfg.Features {
		allow := make(map[string]struct{}, len(f.Allowlist))
		for _, org := range f.Allowlist {
			allow[org] = struct{}{}
		}
		out[name] = rollout.Config{
			GlobalMode: rollout.Mode(f.GlobalMode),
			Percent:    f.Percent,
			Allowlist:  allow,
			Canary:     f.Canary,
		}
	}
	return out
}

// rolloutHandler exposes a read-only "what mode is this feature in for
// this organization" introspection endpoint: the resolver itself is a
// pure function with no natural home in the §6.2 control-plane surface,
// but operators still need a way to ask it a question.
type rolloutHandler struct {
	auth     api.Authenticator
	features map[string]rollout.Config
}

func (h *rolloutHandler) handle(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.auth.Authenticate(r)
	if !ok || (principal.Role != api.RoleAdmin && principal.Role != api.RoleOwner) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	feature := chi.URLParam(r, "feature")
	cfg, ok := h.features[feature]
	if !ok {
		http.Error(w, "unknown feature", http.StatusNotFound)
		return
	}
	org := r.URL.Query().Get("org")
	mode := rollout.Resolve(cfg, org)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"feature":"` + feature + `","organization_id":"` + org + `","mode":"` + string(mode) + `"}`))
}
