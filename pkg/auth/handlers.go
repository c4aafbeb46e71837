package auth

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/storyloom/storyloom/pkg/audit"
	"github.com/storyloom/storyloom/pkg/httputil"
	"github.com/storyloom/storyloom/pkg/observability"
)

// Permission codes guarding session management
const (
	PermissionSessionIssue  = "session.issue"
	PermissionSessionRevoke = "session.revoke"
)

// Guard builds a middleware that requires any of the given permission codes
type Guard func(codes ...string) func(http.Handler) http.Handler

// Handlers serves the admin session API
type Handlers struct {
	tokens *TokenManager
	audit  audit.Logger
}

// NewHandlers creates session handlers
func NewHandlers(tokens *TokenManager, auditLogger audit.Logger) *Handlers {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handlers{tokens: tokens, audit: auditLogger}
}

// RegisterRoutes registers session routes; issuing and revoking other
// sessions are guarded, the caller's own session is not.
func (h *Handlers) RegisterRoutes(router *mux.Router, guard Guard) {
	router.HandleFunc("/sessions/current", h.currentSession).Methods("GET")
	router.HandleFunc("/sessions/current", h.logout).Methods("DELETE")
	router.Handle("/sessions", guard(PermissionSessionIssue)(http.HandlerFunc(h.issueSession))).Methods("POST")
	router.Handle("/sessions/{id:[0-9]+}", guard(PermissionSessionRevoke)(http.HandlerFunc(h.revokeSession))).Methods("DELETE")
}

type issueSessionRequest struct {
	AdminUserID int64 `json:"admin_user_id"`
}

type issueSessionResponse struct {
	Token   string   `json:"token"`
	Session *Session `json:"session"`
}

// issueSession handles POST /sessions
func (h *Handlers) issueSession(w http.ResponseWriter, r *http.Request) {
	var req issueSessionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.AdminUserID <= 0 {
		httputil.WriteValidationError(w, "admin_user_id is required")
		return
	}

	session, token, err := h.tokens.CreateSession(r.Context(), req.AdminUserID, httputil.ClientIP(r), r.UserAgent())
	resourceID := strconv.FormatInt(req.AdminUserID, 10)
	h.record(r, audit.EventTypeSessionCreate, resourceID, session, err)

	switch {
	case errors.Is(err, ErrPrincipalInactive):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrInvalidToken):
		httputil.WriteNotFound(w, "admin user not found")
	case err != nil:
		observability.FromContext(r.Context()).WithError(err).Error("failed to issue session")
		httputil.WriteInternalError(w, err)
	default:
		httputil.WriteCreated(w, issueSessionResponse{Token: token, Session: session})
	}
}

// currentSession handles GET /sessions/current
func (h *Handlers) currentSession(w http.ResponseWriter, r *http.Request) {
	ac := FromContext(r.Context())
	if ac == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal": ac.Principal,
		"session":   ac.Session,
	})
}

// logout handles DELETE /sessions/current
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	ac := FromContext(r.Context())
	if ac == nil || ac.Session == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	h.revoke(w, r, ac.Session.ID)
}

// revokeSession handles DELETE /sessions/{id}
func (h *Handlers) revokeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	h.revoke(w, r, id)
}

func (h *Handlers) revoke(w http.ResponseWriter, r *http.Request, sessionID int64) {
	var revokedBy *int64
	if id := FromContext(r.Context()).PrincipalID(); id != 0 {
		revokedBy = &id
	}

	err := h.tokens.RevokeSession(r.Context(), sessionID, revokedBy)
	h.record(r, audit.EventTypeSessionRevoke, strconv.FormatInt(sessionID, 10), nil, err)

	switch {
	case errors.Is(err, ErrSessionNotFound):
		httputil.WriteNotFound(w, "session not found")
	case err != nil:
		observability.FromContext(r.Context()).WithError(err).Error("failed to revoke session")
		httputil.WriteInternalError(w, err)
	default:
		httputil.WriteNoContent(w)
	}
}

func (h *Handlers) record(r *http.Request, eventType audit.EventType, resourceID string, session *Session, opErr error) {
	var changes *audit.ChangeDetails
	if session != nil {
		changes = &audit.ChangeDetails{After: session}
	}
	if err := audit.LogDataMutation(r.Context(), h.audit, eventType, audit.ResourceTypeSession, resourceID, changes, opErr); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("failed to write audit event")
	}
}
