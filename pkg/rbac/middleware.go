package rbac

import (
	"context"
	"net/http"

	"github.com/platinummonkey/hearth/pkg/auth"
	"github.com/platinummonkey/hearth/pkg/contextkeys"
	"github.com/platinummonkey/hearth/pkg/httputil"
	"github.com/platinummonkey/hearth/pkg/observability"
)

// PermissionMiddleware gates handlers on the caller's resolved role. It always
// fails closed: no identity is 401, a failed resolution is 503 and a role
// without the capability is 403.
type PermissionMiddleware struct {
	resolver  RoleResolver
	evaluator *Evaluator
	logger    *observability.Logger
}

// NewPermissionMiddleware creates the middleware. A nil evaluator uses the
// default capability table.
func NewPermissionMiddleware(resolver RoleResolver, evaluator *Evaluator, logger *observability.Logger) *PermissionMiddleware {
	if evaluator == nil {
		evaluator = NewEvaluator(nil)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &PermissionMiddleware{resolver: resolver, evaluator: evaluator, logger: logger}
}

// RequireCapability allows callers whose role holds c
func (pm *PermissionMiddleware) RequireCapability(c Capability) func(http.Handler) http.Handler {
	return pm.require(string(c), func(res *Resolution) bool {
		return pm.evaluator.HasCapability(RoleOf(res), c)
	})
}

// RequireAdmin allows admins and super admins
func (pm *PermissionMiddleware) RequireAdmin() func(http.Handler) http.Handler {
	return pm.require("admin", func(res *Resolution) bool { return IsAdmin(RoleOf(res)) })
}

// RequireSuperAdmin allows super admins only
func (pm *PermissionMiddleware) RequireSuperAdmin() func(http.Handler) http.Handler {
	return pm.require("super_admin", func(res *Resolution) bool { return IsSuperAdmin(RoleOf(res)) })
}

// Resolve attaches the caller's resolution to the request without gating it
func (pm *PermissionMiddleware) Resolve(next http.Handler) http.Handler {
	return pm.require("", func(*Resolution) bool { return true })(next)
}

func (pm *PermissionMiddleware) require(what string, allowed func(*Resolution) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.GetIdentity(r)
			if identity == nil {
				httputil.WriteUnauthorized(w, "hearth", "authentication required")
				return
			}

			res := ResolutionFromContext(r.Context())
			if res == nil || res.UserID != identity.UserID {
				var err error
				res, err = pm.resolver.Resolve(r.Context(), identity.UserID, false)
				if err != nil {
					observability.FromContext(r.Context()).WithError(err).Warn("caller role could not be resolved")
					httputil.WriteServiceUnavailable(w, "role resolution unavailable")
					return
				}
			}

			if !allowed(res) {
				pm.logger.WithFields(map[string]any{
					"user_id":  identity.UserID,
					"role":     string(res.Role),
					"required": what,
				}).Debug("permission denied")
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r.WithContext(contextkeys.WithResolution(r.Context(), res)))
		})
	}
}

// ResolutionFromContext returns the caller's resolution set by PermissionMiddleware
func ResolutionFromContext(ctx context.Context) *Resolution {
	res, _ := ctx.Value(contextkeys.ResolutionKey).(*Resolution)
	return res
}
