// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sibylhq/sibyl-core/internal/api"
)

// staticTokenAuth resolves a bearer token to a Principal from a fixed,
// operator-configured table. sibyl-core has no identity provider of
// its own; this is the minimal seam a real deployment replaces with one.
type staticTokenAuth struct {
	byToken map[string]api.Principal
}

func newStaticTokenAuth(entries map[string]api.Principal) *staticTokenAuth {
	return &staticTokenAuth{byToken: entries}
}

func (a *staticTokenAuth) Authenticate(r *http.Request) (api.Principal, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return api.Principal{}, false
	}
	p, ok := a.byToken[strings.TrimPrefix(header, prefix)]
	return p, ok
}

// gatewayTokenAuth serves a separate token -> organization table in
// internal/gateway's Authenticator shape (token -> organization, runner), used at the
// gateway's websocket handshake rather than the control-plane API.
type gatewayTokenAuth struct {
	byToken map[string]string // token -> organizationID
}

func newGatewayTokenAuth(byToken map[string]string) *gatewayTokenAuth {
	return &gatewayTokenAuth{byToken: byToken}
}

// Authenticate satisfies internal/gateway.Authenticator. Runner identity
// itself is established by the register_runner control-plane call, not
// the websocket handshake, so runnerID is always returned empty here.
func (a *gatewayTokenAuth) Authenticate(token string) (organizationID, runnerID string, ok bool) {
	orgID, found := a.byToken[token]
	return orgID, "", found
}

// parseAPITokens parses "token:org:role,token2:org2:role2" into the
// table staticTokenAuth serves. Malformed entries are skipped with a
// warning rather than failing startup.
func parseAPITokens(spec string) map[string]api.Principal {
	out := make(map[string]api.Principal)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			slog.Default().Warn("skipping malformed api token entry", "entry", entry)
			continue
		}
		out[parts[0]] = api.Principal{OrganizationID: parts[1], Role: api.Role(parts[2])}
	}
	return out
}

// parseGatewayTokens parses "token:org,token2:org2" into the table
// gatewayTokenAuth serves.
func parseGatewayTokens(spec string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			slog.Default().Warn("skipping malformed gateway token entry", "entry", entry)
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}
