// Package config loads the admin service configuration from environment
// variables and validates it.
//
// # Configuration Structure
//
// Server settings:
//
//	STORYLOOM_HOST="0.0.0.0"
//	STORYLOOM_PORT="8080"
//	STORYLOOM_HEALTH_PORT="9090"
//	STORYLOOM_RATE_LIMIT_PER_MINUTE="300"  # 0 disables
//
// Database and Redis:
//
//	STORYLOOM_DATABASE_URL="postgres://localhost/storyloom?sslmode=disable"
//	STORYLOOM_DATABASE_MAX_OPEN_CONNS="20"
//	STORYLOOM_MIGRATE_ON_START="true"
//	STORYLOOM_REDIS_URL="redis://localhost:6379/0"
//
// Permission resolution:
//
//	STORYLOOM_RBAC_CACHE_BACKEND="memory"  # memory, redis
//	STORYLOOM_RBAC_CACHE_TTL="300s"
//	STORYLOOM_RBAC_SUPER_ADMIN_ROLE="super_admin"
//	STORYLOOM_RBAC_SEED_FILE="/etc/storyloom/rbac-seed.yaml"
//	STORYLOOM_RBAC_WATCH_SEED="false"
//
// Sessions and audit:
//
//	STORYLOOM_SESSION_TTL="12h"
//	STORYLOOM_AUDIT_SINK="both"  # db, log, both
//	STORYLOOM_AUDIT_RETENTION_DAYS="90"
//
// Observability settings:
//
//	STORYLOOM_LOG_LEVEL="info"  # debug, info, warn, error
//	STORYLOOM_METRICS_ENABLED="true"
//	STORYLOOM_OTEL_ENABLED="false"
//	STORYLOOM_OTEL_ENDPOINT="otel-collector:4317"
//
// Unparseable numbers and durations fall back to their defaults; Validate
// rejects combinations that cannot run.
package config
