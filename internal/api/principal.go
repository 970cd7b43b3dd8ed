// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"context"
	"net/http"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

// Role is a caller's membership level within an organization, per spec
// §6.2's owner > admin > member > viewer hierarchy.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	case RoleViewer:
		return 0
	default:
		return -1
	}
}

// atLeast reports whether r outranks or equals min.
func (r Role) atLeast(min Role) bool {
	return r.rank() >= min.rank()
}

// Principal is the authenticated caller a request acts as.
type Principal struct {
	OrganizationID string
	Role           Role
}

// Authenticator resolves the caller of an HTTP request. Implemented
// outside this package (session cookie, API key, whatever the
// deployment's auth system is) and injected at Server construction, the
// same narrow-seam pattern as internal/gateway's Authenticator.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, bool)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller a request was authenticated
// as, set by the Server's authentication middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.auth.Authenticate(r)
		if !ok {
			writeError(w, types.NewError(types.ErrAuthorization, "missing or invalid credentials"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// requireRole fetches the request's Principal and checks it against
// min. On failure it writes the response itself and returns ok=false;
// callers must return immediately when ok is false.
func requireRole(w http.ResponseWriter, r *http.Request, min Role) (Principal, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, types.NewError(types.ErrAuthorization, "missing or invalid credentials"))
		return Principal{}, false
	}
	if !principal.Role.atLeast(min) {
		writeError(w, types.NewError(types.ErrAuthorization, "role "+string(principal.Role)+" may not perform this operation"))
		return Principal{}, false
	}
	return principal, true
}
