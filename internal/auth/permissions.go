package auth

import (
	"net/http"
	"sort"
	"strings"

	"github.com/ragstack/gateway/internal/errors"
	"github.com/ragstack/gateway/internal/middleware"
)

// RolePermissions maps a role name to the permissions it grants.
type RolePermissions map[string][]string

// PermissionResolver decides whether the authenticated user may touch a
// route. Routes with no entry in the table are unrestricted; a restricted
// route admits users holding any one of its listed permissions.
type PermissionResolver struct {
	// rules are checked longest-prefix-first so /api/documents/admin can
	// demand more than /api/documents.
	rules []permissionRule
	roles RolePermissions
}

type permissionRule struct {
	prefix   string
	required []string
}

// NewPermissionResolver builds a resolver from route-prefix requirements
// and a role-to-permission grant table.
func NewPermissionResolver(routes map[string][]string, roles RolePermissions) *PermissionResolver {
	rules := make([]permissionRule, 0, len(routes))
	for prefix, required := range routes {
		rules = append(rules, permissionRule{prefix: prefix, required: required})
	}
	sort.Slice(rules, func(i, j int) bool {
		return len(rules[i].prefix) > len(rules[j].prefix)
	})
	return &PermissionResolver{rules: rules, roles: roles}
}

// Required returns the permission set guarding path, or nil when the path
// is unrestricted.
func (pr *PermissionResolver) Required(path string) []string {
	for _, r := range pr.rules {
		if path == r.prefix || strings.HasPrefix(path, strings.TrimSuffix(r.prefix, "/")+"/") {
			return r.required
		}
	}
	return nil
}

// Allowed reports whether user satisfies the requirements for path.
// Superusers bypass all checks. The effective permission set is the union
// of the user's direct permissions and those granted by their roles.
func (pr *PermissionResolver) Allowed(user *AuthenticatedUser, path string) bool {
	required := pr.Required(path)
	if len(required) == 0 {
		return true
	}
	if user == nil {
		return false
	}
	if user.Superuser {
		return true
	}

	effective := make(map[string]struct{}, len(user.Permissions))
	for _, p := range user.Permissions {
		effective[p] = struct{}{}
	}
	for _, role := range user.Roles {
		for _, p := range pr.roles[role] {
			effective[p] = struct{}{}
		}
	}

	for _, req := range required {
		if _, ok := effective[req]; ok {
			return true
		}
	}
	return false
}

// Middleware enforces route permissions. It must run after the auth
// delegate so restricted routes can see the resolved user; a restricted
// route with no user in context means the request slipped past auth on a
// public prefix, and it is rejected as unauthenticated rather than
// forbidden.
func (pr *PermissionResolver) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			required := pr.Required(r.URL.Path)
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			user := UserFromContext(r.Context())
			if user == nil {
				errors.ErrAuthRequired.
					WithRequestID(middleware.GetRequestID(r)).
					WriteJSON(w)
				return
			}

			if !pr.Allowed(user, r.URL.Path) {
				errors.ErrPermissionDenied.
					WithRequestID(middleware.GetRequestID(r)).
					WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
