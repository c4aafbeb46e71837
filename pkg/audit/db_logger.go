package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrEventNotFound is returned by Get when no event has the requested id
var ErrEventNotFound = errors.New("audit event not found")

// DBLogger implements audit logging to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger and ensures its table
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}

	return logger, nil
}

func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		module VARCHAR(50) NOT NULL,
		status VARCHAR(20) NOT NULL,
		user_id BIGINT,
		username VARCHAR(255),
		resource_type VARCHAR(50),
		resource_id VARCHAR(255),
		ip_address VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		method VARCHAR(10),
		path TEXT,
		message TEXT,
		error_message TEXT,
		metadata JSONB,
		changes JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log inserts an audit event and sets its ID
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	var metadataJSON, changesJSON []byte
	var err error

	if len(event.Metadata) > 0 {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	if event.Changes != nil {
		changesJSON, err = json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}

	module := event.Module
	if module == "" {
		module = event.EventType.Module()
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, event_type, module, status,
			user_id, username,
			resource_type, resource_id,
			ip_address, user_agent, request_id,
			method, path,
			message, error_message, metadata, changes
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8,
			$9, $10, $11,
			$12, $13,
			$14, $15, $16, $17
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, string(event.EventType), module, string(event.Status),
		event.UserID, event.Username,
		string(event.ResourceType), event.ResourceID,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Method, event.Path,
		event.Message, event.ErrorMessage, metadataJSON, changesJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

const selectEvents = `
	SELECT
		id, timestamp, event_type, module, status,
		user_id, username,
		resource_type, resource_id,
		ip_address, user_agent, request_id,
		method, path,
		message, error_message, metadata, changes
	FROM audit_logs
`

var sortColumns = map[string]string{
	"timestamp":  "timestamp",
	"event_type": "event_type",
	"user_id":    "user_id",
}

// Search returns audit events matching the filter, newest first by default
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	query := selectEvents + " WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	add := func(clause string, value interface{}) {
		query += fmt.Sprintf(clause, argCount)
		args = append(args, value)
		argCount++
	}

	if filter.StartTime != nil {
		add(" AND timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add(" AND timestamp <= $%d", *filter.EndTime)
	}
	if filter.UserID != nil {
		add(" AND user_id = $%d", *filter.UserID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			types[i] = string(et)
		}
		add(" AND event_type = ANY($%d)", pq.Array(types))
	}
	if filter.Module != "" {
		add(" AND module = $%d", filter.Module)
	}
	if filter.Status != nil {
		add(" AND status = $%d", string(*filter.Status))
	}
	if filter.ResourceType != "" {
		add(" AND resource_type = $%d", string(filter.ResourceType))
	}
	if filter.ResourceID != "" {
		add(" AND resource_id = $%d", filter.ResourceID)
	}
	if filter.IPAddress != "" {
		add(" AND ip_address = $%d", filter.IPAddress)
	}

	column, ok := sortColumns[filter.SortBy]
	if !ok {
		column = "timestamp"
	}
	order := "DESC"
	if filter.SortOrder == "asc" {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", column, order, order)

	if filter.Limit > 0 {
		add(" LIMIT $%d", filter.Limit)
	}
	if filter.Offset > 0 {
		add(" OFFSET $%d", filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*AuditEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return events, nil
}

// Get returns a single audit event by id
func (l *DBLogger) Get(ctx context.Context, id int64) (*AuditEvent, error) {
	event, err := scanEvent(l.db.QueryRowContext(ctx, selectEvents+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// Cleanup deletes events older than the retention window and returns the count
func (l *DBLogger) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	if policy.RetentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", policy.RetentionDays)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -policy.RetentionDays)
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit logs: %w", err)
	}

	return result.RowsAffected()
}

// Archiver keeps a copy of events before retention deletes them
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time, events []*AuditEvent) error
}

// ArchiveAndCleanup hands events older than the retention window to archiver,
// oldest first, and deletes only what was archived. Nothing is deleted when
// archiving fails.
func (l *DBLogger) ArchiveAndCleanup(ctx context.Context, policy RetentionPolicy, archiver Archiver) (int64, error) {
	if policy.RetentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", policy.RetentionDays)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -policy.RetentionDays)
	rows, err := l.db.QueryContext(ctx, selectEvents+" WHERE timestamp < $1 ORDER BY id ASC", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to load expired audit logs: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return 0, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating audit logs: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := archiver.Archive(ctx, cutoff, events); err != nil {
		return 0, fmt.Errorf("failed to archive audit logs: %w", err)
	}

	lastID := events[len(events)-1].ID
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1 AND id <= $2", cutoff, lastID)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit logs: %w", err)
	}

	return result.RowsAffected()
}

// Close is a no-op; the database handle is shared
func (l *DBLogger) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*AuditEvent, error) {
	event := &AuditEvent{Metadata: make(map[string]interface{})}

	var (
		eventType, status, resourceType string
		userID                          sql.NullInt64
		metadataJSON, changesJSON       []byte
	)

	err := row.Scan(
		&event.ID, &event.Timestamp, &eventType, &event.Module, &status,
		&userID, &event.Username,
		&resourceType, &event.ResourceID,
		&event.IPAddress, &event.UserAgent, &event.RequestID,
		&event.Method, &event.Path,
		&event.Message, &event.ErrorMessage, &metadataJSON, &changesJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	event.EventType = EventType(eventType)
	event.Status = EventStatus(status)
	event.ResourceType = ResourceType(resourceType)
	if userID.Valid {
		id := userID.Int64
		event.UserID = &id
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	if len(changesJSON) > 0 {
		event.Changes = &ChangeDetails{}
		if err := json.Unmarshal(changesJSON, event.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}

	return event, nil
}
