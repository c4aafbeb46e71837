package audit

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Catalog and role graph mutations
	EventTypePermissionCreate      EventType = "rbac.permission_create"
	EventTypePermissionUpdate      EventType = "rbac.permission_update"
	EventTypeRoleCreate            EventType = "rbac.role_create"
	EventTypeRoleUpdate            EventType = "rbac.role_update"
	EventTypeRoleDelete            EventType = "rbac.role_delete"
	EventTypeRolePermissionsAssign EventType = "rbac.role_permissions_assign"
	EventTypeRolePermissionAdd     EventType = "rbac.role_permission_add"
	EventTypeRolePermissionRemove  EventType = "rbac.role_permission_remove"
	EventTypeSeedApply             EventType = "rbac.seed_apply"

	// Principal overlay mutations
	EventTypePrincipalRoleChange      EventType = "rbac.principal_role_change"
	EventTypePrincipalOverlayChange   EventType = "rbac.principal_overlay_change"
	EventTypePrincipalAllowlistChange EventType = "rbac.principal_allowlist_change"
	EventTypePrincipalCreate          EventType = "rbac.principal_create"
	EventTypePrincipalStatusChange    EventType = "rbac.principal_status_change"

	// Authorization events
	EventTypeAccessDenied EventType = "authz.access_denied"

	// Session events
	EventTypeSessionCreate       EventType = "auth.session_create"
	EventTypeSessionRevoke       EventType = "auth.session_revoke"
	EventTypeSessionValidateFail EventType = "auth.session_validate_fail"
)

// Module returns the subsystem prefix of the event type ("rbac", "authz", "auth")
func (t EventType) Module() string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being acted on
type ResourceType string

const (
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeRole       ResourceType = "role"
	ResourceTypeAdminUser  ResourceType = "admin_user"
	ResourceTypeSession    ResourceType = "session"
	ResourceTypeRoute      ResourceType = "route"
	ResourceTypeCatalog    ResourceType = "catalog"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Module    string      `json:"module"`
	Status    EventStatus `json:"status"`

	// Actor
	UserID   *int64 `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`

	// Target
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Before/after snapshots for mutations
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// Success reports whether the audited operation completed
func (e *AuditEvent) Success() bool {
	return e.Status == EventStatusSuccess
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before interface{} `json:"before,omitempty"`
	After  interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	UserID     *int64
	EventTypes []EventType
	Module     string
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string
	IPAddress    string

	Limit  int
	Offset int

	// SortBy is one of "timestamp", "event_type", "user_id"; anything else
	// falls back to timestamp.
	SortBy    string
	SortOrder string // "asc" or "desc"
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// RetentionPolicy defines how long audit logs are kept
type RetentionPolicy struct {
	RetentionDays int
}

// DefaultRetentionPolicy returns a default retention policy (90 days)
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 90}
}
