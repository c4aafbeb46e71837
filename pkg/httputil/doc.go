// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, role)
//	httputil.WriteForbidden(w, "permission denied")
//	httputil.WriteConflict(w, "role name already exists")
//	httputil.WriteErrorCode(w, http.StatusConflict, "cyclic_inheritance", err.Error())
//
// Error bodies are ErrorResponse values: {"error": "...", "code": "..."}.
//
// # Request Parsing
//
//	var req rbac.CreateRoleInput
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	active, err := httputil.ParseQueryBoolPtr(r, "is_active")
//
// ClientIP resolves the originating address used by the IP allowlist:
//
//	ip := httputil.ClientIP(r)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.ContentTypeMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Authentication, request id and rate limit middleware
//   - pkg/rbac: Permission middleware
package httputil
