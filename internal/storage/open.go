package storage

import (
	"context"
	"errors"
	"strings"

	logx "statpulse/pkg/logx"
)

// Store is the persistence API used by the scheduler and the dispatcher.
type Store interface {
	PutSchedule(ctx context.Context, r ScheduleRecord) error
	DeleteSchedule(ctx context.Context, name string) error
	ListSchedules(ctx context.Context) ([]ScheduleRecord, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest last.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
