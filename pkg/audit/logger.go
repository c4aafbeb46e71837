package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/storyloom/storyloom/pkg/contextkeys"
)

// Logger is the interface for audit sinks
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close flushes any buffered events
	Close() error
}

// Actor identifies who performed an audited action and from where
type Actor struct {
	UserID    *int64
	Username  string
	IPAddress string
	UserAgent string
	Method    string
	Path      string
}

// WithActor stores the acting principal in the context
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, contextkeys.AuditActorKey, actor)
}

// ActorFromContext returns the actor stored in the context, or the zero Actor
func ActorFromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(contextkeys.AuditActorKey).(Actor); ok {
		return actor
	}
	return Actor{}
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextkeys.AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NopLogger{}
}

// WithRequestStartTime adds the request start time to the context
func WithRequestStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, contextkeys.RequestStartTimeKey, t)
}

// GetRequestStartTime retrieves the request start time from context
func GetRequestStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(contextkeys.RequestStartTimeKey).(time.Time); ok {
		return t
	}
	return time.Now()
}

// NopLogger discards every event
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }
func (NopLogger) Close() error                                     { return nil }

// NewEvent builds an event populated from the context actor and request id
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	actor := ActorFromContext(ctx)
	return &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Module:    eventType.Module(),
		Status:    status,
		UserID:    actor.UserID,
		Username:  actor.Username,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
		Method:    actor.Method,
		Path:      actor.Path,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// LogDataMutation records a mutation with before/after snapshots. A non-nil
// opErr marks the event as failed and keeps its message.
func LogDataMutation(ctx context.Context, logger Logger, eventType EventType, resourceType ResourceType, resourceID string, changes *ChangeDetails, opErr error) error {
	if logger == nil {
		logger = FromContext(ctx)
	}

	status := EventStatusSuccess
	if opErr != nil {
		status = EventStatusFailure
	}

	event := NewEvent(ctx, eventType, status)
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Changes = changes
	if opErr != nil {
		event.ErrorMessage = opErr.Error()
	}

	return logger.Log(ctx, event)
}

// LogDenied records an access denial
func LogDenied(ctx context.Context, logger Logger, resourceType ResourceType, resourceID, reason string, metadata map[string]interface{}) error {
	if logger == nil {
		logger = FromContext(ctx)
	}

	event := NewEvent(ctx, EventTypeAccessDenied, EventStatusDenied)
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Message = fmt.Sprintf("access denied: %s", reason)
	for k, v := range metadata {
		event.Metadata[k] = v
	}

	return logger.Log(ctx, event)
}
