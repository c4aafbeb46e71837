// Package audit records who changed authorization state and who was denied.
//
// # Overview
//
// Every catalog, role graph and principal overlay mutation produces an
// AuditEvent carrying the actor, the target resource, before/after snapshots
// and the outcome. Access denials from the permission middleware are recorded
// as authz.access_denied events.
//
// # Sinks
//
//   - DBLogger: PostgreSQL table audit_logs, with Search, Get and Cleanup
//   - SlogLogger: structured log lines through observability.Logger
//   - MultiLogger: fan-out, optionally asynchronous
//
// # Usage
//
//	mux.Use(audit.ContextMiddleware(sink))
//
//	err := audit.LogDataMutation(ctx, sink, audit.EventTypeRoleUpdate,
//		audit.ResourceTypeRole, "12",
//		&audit.ChangeDetails{Before: before, After: after}, opErr)
//
// # Retention
//
// DBLogger.Cleanup deletes events older than RetentionPolicy.RetentionDays;
// the service schedules it daily.
//
// # Related Packages
//
//   - pkg/rbac: mutation and denial events
//   - pkg/middleware: fills the actor identity after authentication
package audit
