package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/storyloom/storyloom/pkg/audit"
	"github.com/storyloom/storyloom/pkg/auth"
	"github.com/storyloom/storyloom/pkg/observability"
)

const (
	auditCleanupSchedule   = "15 3 * * *"
	sessionCleanupSchedule = "*/30 * * * *"
	dbStatsSchedule        = "@every 30s"
)

type maintenanceJobs struct {
	audit     *audit.DBLogger
	retention audit.RetentionPolicy
	archiver  audit.Archiver // optional
	tokens    *auth.TokenManager
	db        *sql.DB
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// newMaintenance schedules audit retention (archiving first when an archiver
// is set), expired session cleanup and connection pool metrics.
func newMaintenance(jobs maintenanceJobs) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))

	_, err := c.AddFunc(auditCleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		var deleted int64
		var err error
		if jobs.archiver != nil {
			deleted, err = jobs.audit.ArchiveAndCleanup(ctx, jobs.retention, jobs.archiver)
		} else {
			deleted, err = jobs.audit.Cleanup(ctx, jobs.retention)
		}
		if err != nil {
			jobs.logger.WithError(err).Error("Audit retention cleanup failed")
			return
		}
		jobs.logger.WithField("deleted", deleted).
			WithField("retention_days", jobs.retention.RetentionDays).
			WithField("archived", jobs.archiver != nil).
			Info("Audit retention cleanup completed")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule audit cleanup: %w", err)
	}

	_, err = c.AddFunc(sessionCleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		deleted, err := jobs.tokens.CleanupExpired(ctx)
		if err != nil {
			jobs.logger.WithError(err).Error("Session cleanup failed")
			return
		}
		if deleted > 0 {
			jobs.logger.WithField("deleted", deleted).Info("Expired sessions removed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule session cleanup: %w", err)
	}

	if jobs.metrics != nil {
		_, err = c.AddFunc(dbStatsSchedule, func() {
			jobs.metrics.RecordDBStats(jobs.db)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule database stats: %w", err)
		}
	}

	return c, nil
}
