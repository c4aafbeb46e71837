package audit

import (
	"net/http"
	"time"

	"github.com/storyloom/storyloom/pkg/httputil"
)

// ContextMiddleware attaches the audit logger, request start time and a
// request-derived Actor to every request context. Authentication middleware
// later fills in the actor's identity.
func ContextMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithLogger(r.Context(), logger)
			ctx = WithRequestStartTime(ctx, time.Now())

			actor := ActorFromContext(ctx)
			actor.IPAddress = httputil.ClientIP(r)
			actor.UserAgent = r.UserAgent()
			actor.Method = r.Method
			actor.Path = r.URL.Path
			ctx = WithActor(ctx, actor)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
