package db

import (
	"fmt"

	"loyalty/internal/notify"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&notify.QueuedJob{}); err != nil {
		return err
	}

	// Indexes for the due query, the stuck scan, retention cleanup, and
	// per-notification cancel.
	stmts := []string{
		`create index if not exists idx_notification_jobs_due on notification_jobs(status, scheduled_for, priority desc, created_at);`,
		`create index if not exists idx_notification_jobs_stuck on notification_jobs(status, processing_started_at);`,
		`create index if not exists idx_notification_jobs_terminal on notification_jobs(status, updated_at);`,
		`create index if not exists idx_notification_jobs_broadcast on notification_jobs(notification_id, status);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
