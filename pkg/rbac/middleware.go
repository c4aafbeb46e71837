package rbac

import (
	"net/http"

	"github.com/storyloom/storyloom/pkg/audit"
	"github.com/storyloom/storyloom/pkg/contextkeys"
	"github.com/storyloom/storyloom/pkg/httputil"
	"github.com/storyloom/storyloom/pkg/observability"
)

// PermissionMiddleware guards routes with the access decision point and
// records every denial in the audit trail.
type PermissionMiddleware struct {
	decisions *DecisionPoint
	audit     audit.Logger
}

// NewPermissionMiddleware creates a new permission middleware. A nil audit
// logger falls back to the one on the request context.
func NewPermissionMiddleware(decisions *DecisionPoint, auditLogger audit.Logger) *PermissionMiddleware {
	return &PermissionMiddleware{
		decisions: decisions,
		audit:     auditLogger,
	}
}

// RequireAny admits principals holding at least one of codes
func (pm *PermissionMiddleware) RequireAny(codes ...string) func(http.Handler) http.Handler {
	return pm.require(codes, false)
}

// RequireAll admits principals holding every one of codes
func (pm *PermissionMiddleware) RequireAll(codes ...string) func(http.Handler) http.Handler {
	return pm.require(codes, true)
}

func (pm *PermissionMiddleware) require(codes []string, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principalID := contextkeys.GetPrincipalID(ctx)
			if principalID == 0 {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			decision, err := pm.decisions.Authorize(ctx, AccessRequest{
				PrincipalID: principalID,
				Codes:       codes,
				RequireAll:  all,
				SourceIP:    httputil.ClientIP(r),
			})
			if err != nil {
				observability.FromContext(ctx).WithError(err).Error("Permission check failed")
				httputil.WriteInternalError(w, err)
				return
			}

			if !decision.Allowed {
				mode := "any"
				if all {
					mode = "all"
				}
				meta := map[string]interface{}{
					"required":     codes,
					"mode":         mode,
					"principal_id": principalID,
				}
				if err := audit.LogDenied(ctx, pm.audit, audit.ResourceTypeRoute, r.URL.Path, decision.Reason, meta); err != nil {
					observability.FromContext(ctx).WithError(err).Warn("Failed to write access denied event")
				}
				httputil.WriteErrorMessage(w, http.StatusForbidden, "forbidden: "+decision.Reason)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
