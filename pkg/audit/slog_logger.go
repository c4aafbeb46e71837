package audit

import (
	"context"

	"github.com/storyloom/storyloom/pkg/observability"
)

// SlogLogger writes audit events as structured log lines
type SlogLogger struct {
	logger *observability.Logger
}

// NewSlogLogger creates a log-backed audit sink
func NewSlogLogger(logger *observability.Logger) *SlogLogger {
	return &SlogLogger{logger: logger.WithField("component", "audit")}
}

// Log emits the event at info level, or warn for failures and denials
func (l *SlogLogger) Log(ctx context.Context, event *AuditEvent) error {
	fields := map[string]interface{}{
		"event_type":    string(event.EventType),
		"module":        event.Module,
		"status":        string(event.Status),
		"resource_type": string(event.ResourceType),
		"resource_id":   event.ResourceID,
	}
	if event.UserID != nil {
		fields["actor_id"] = *event.UserID
	}
	if event.IPAddress != "" {
		fields["ip_address"] = event.IPAddress
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}
	if event.Changes != nil {
		fields["changes"] = event.Changes
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	logger := l.logger.WithFields(fields)
	msg := event.Message
	if msg == "" {
		msg = "audit event"
	}

	if event.Success() {
		logger.Info(msg)
	} else {
		logger.Warn(msg)
	}
	return nil
}

// Close is a no-op
func (l *SlogLogger) Close() error {
	return nil
}
