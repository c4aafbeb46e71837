package audit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/storyloom/storyloom/pkg/httputil"
	"github.com/storyloom/storyloom/pkg/observability"
)

// PermissionView is the code a caller needs to read the audit trail
const PermissionView = "audit.view"

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// Reader is the query side of an audit store
type Reader interface {
	Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error)
	Get(ctx context.Context, id int64) (*AuditEvent, error)
}

// Handlers provides HTTP handlers for the audit log API
type Handlers struct {
	store Reader
}

// NewHandlers creates new audit handlers
func NewHandlers(store Reader) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers audit log routes. Callers guard the router with
// a permission middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.listEvents).Methods("GET")
	router.HandleFunc("/audit/events/{id}", h.getEvent).Methods("GET")
	router.HandleFunc("/audit/export", h.exportEvents).Methods("GET")
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("audit search failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	event, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrEventNotFound) {
		httputil.WriteNotFound(w, "event not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("audit get failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, event)
}

func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	format, err := ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("audit export failed")
		httputil.WriteInternalError(w, err)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-logs.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-logs.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-logs.json")
	}

	if err := Export(w, events, format); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("audit export write failed")
	}
}

func parseFilter(r *http.Request) (SearchFilter, error) {
	query := r.URL.Query()
	filter := SearchFilter{
		Module:       query.Get("module"),
		ResourceType: ResourceType(query.Get("resource_type")),
		ResourceID:   query.Get("resource_id"),
		IPAddress:    query.Get("ip_address"),
		SortBy:       query.Get("sort_by"),
		SortOrder:    query.Get("sort_order"),
	}

	for key, dest := range map[string]**time.Time{"start_time": &filter.StartTime, "end_time": &filter.EndTime} {
		if s := query.Get(key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return filter, errors.New("invalid " + key + ": expected RFC3339")
			}
			*dest = &t
		}
	}

	if s := query.Get("user_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return filter, errors.New("invalid user_id")
		}
		filter.UserID = &id
	}

	if s := query.Get("event_types"); s != "" {
		for _, et := range strings.Split(s, ",") {
			if et = strings.TrimSpace(et); et != "" {
				filter.EventTypes = append(filter.EventTypes, EventType(et))
			}
		}
	}

	if s := query.Get("status"); s != "" {
		status := EventStatus(s)
		filter.Status = &status
	}

	limit, err := httputil.ParseQueryInt(r, "limit", defaultSearchLimit)
	if err != nil {
		return filter, err
	}
	if limit <= 0 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}
	filter.Limit = limit

	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		return filter, err
	}
	if offset < 0 {
		offset = 0
	}
	filter.Offset = offset

	return filter, nil
}
