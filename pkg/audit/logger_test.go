package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/contextkeys"
)

// mockLogger records events (thread-safe for async operations)
type mockLogger struct {
	mu     sync.Mutex
	events []*AuditEvent
	err    error
	closed bool
}

func (m *mockLogger) Log(ctx context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockLogger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockLogger) GetEvents() []*AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*AuditEvent, len(m.events))
	copy(result, m.events)
	return result
}

func TestEventType_Module(t *testing.T) {
	assert.Equal(t, "rbac", EventTypeRoleUpdate.Module())
	assert.Equal(t, "authz", EventTypeAccessDenied.Module())
	assert.Equal(t, "auth", EventTypeSessionCreate.Module())
	assert.Equal(t, "custom", EventType("custom").Module())
}

func TestAuditEvent_JSONRoundTrip(t *testing.T) {
	userID := int64(7)
	event := &AuditEvent{
		ID:           1,
		Timestamp:    time.Now().UTC(),
		EventType:    EventTypeRoleCreate,
		Module:       "rbac",
		Status:       EventStatusSuccess,
		UserID:       &userID,
		ResourceType: ResourceTypeRole,
		ResourceID:   "3",
		Changes:      &ChangeDetails{After: map[string]interface{}{"name": "editor"}},
	}

	data, err := event.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, event.EventType, parsed.EventType)
	assert.Equal(t, int64(7), *parsed.UserID)
	assert.True(t, parsed.Success())
	require.NotNil(t, parsed.Changes)
	assert.Equal(t, "editor", parsed.Changes.After.(map[string]interface{})["name"])
}

func TestActorContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Actor{}, ActorFromContext(ctx))

	id := int64(42)
	ctx = WithActor(ctx, Actor{UserID: &id, Username: "alice", IPAddress: "10.0.0.1"})
	actor := ActorFromContext(ctx)
	require.NotNil(t, actor.UserID)
	assert.Equal(t, int64(42), *actor.UserID)
	assert.Equal(t, "alice", actor.Username)
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	assert.IsType(t, NopLogger{}, logger)
	assert.NoError(t, logger.Log(context.Background(), &AuditEvent{}))

	sink := &mockLogger{}
	ctx := WithLogger(context.Background(), sink)
	assert.Same(t, sink, FromContext(ctx))
}

func TestNewEvent_UsesActorAndRequestID(t *testing.T) {
	id := int64(5)
	ctx := WithActor(context.Background(), Actor{UserID: &id, Username: "bob", IPAddress: "192.0.2.4", Method: "PUT", Path: "/api/admin/rbac/roles/1"})
	ctx = contextkeys.WithRequestID(ctx, "req-1")

	event := NewEvent(ctx, EventTypeRoleUpdate, EventStatusSuccess)

	assert.Equal(t, "rbac", event.Module)
	assert.Equal(t, &id, event.UserID)
	assert.Equal(t, "bob", event.Username)
	assert.Equal(t, "192.0.2.4", event.IPAddress)
	assert.Equal(t, "PUT", event.Method)
	assert.Equal(t, "req-1", event.RequestID)
	assert.NotNil(t, event.Metadata)
}

func TestLogDataMutation(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		sink := &mockLogger{}
		changes := &ChangeDetails{Before: "a", After: "b"}

		err := LogDataMutation(context.Background(), sink, EventTypeRoleUpdate, ResourceTypeRole, "9", changes, nil)
		require.NoError(t, err)

		events := sink.GetEvents()
		require.Len(t, events, 1)
		assert.Equal(t, EventStatusSuccess, events[0].Status)
		assert.Equal(t, "9", events[0].ResourceID)
		assert.Same(t, changes, events[0].Changes)
		assert.Empty(t, events[0].ErrorMessage)
	})

	t.Run("failure keeps error", func(t *testing.T) {
		sink := &mockLogger{}

		err := LogDataMutation(context.Background(), sink, EventTypeRoleDelete, ResourceTypeRole, "1", nil, errors.New("role is in use"))
		require.NoError(t, err)

		events := sink.GetEvents()
		require.Len(t, events, 1)
		assert.Equal(t, EventStatusFailure, events[0].Status)
		assert.Equal(t, "role is in use", events[0].ErrorMessage)
	})

	t.Run("nil logger uses context", func(t *testing.T) {
		sink := &mockLogger{}
		ctx := WithLogger(context.Background(), sink)

		require.NoError(t, LogDataMutation(ctx, nil, EventTypePermissionCreate, ResourceTypePermission, "1", nil, nil))
		assert.Len(t, sink.GetEvents(), 1)
	})
}

func TestLogDenied(t *testing.T) {
	sink := &mockLogger{}

	err := LogDenied(context.Background(), sink, ResourceTypeRoute, "/api/admin/rbac/roles", "permission_missing", map[string]interface{}{"required": []string{"role.view"}})
	require.NoError(t, err)

	events := sink.GetEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeAccessDenied, events[0].EventType)
	assert.Equal(t, EventStatusDenied, events[0].Status)
	assert.Equal(t, "authz", events[0].Module)
	assert.Contains(t, events[0].Message, "permission_missing")
	assert.Equal(t, []string{"role.view"}, events[0].Metadata["required"])
}

func TestRequestStartTime(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := WithRequestStartTime(context.Background(), start)
	assert.Equal(t, start, GetRequestStartTime(ctx))
}
