package duckdb

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	Table         string
	RetentionDays int
	// Interval between sweeps; defaults to one hour.
	Interval time.Duration
	Logger   logrus.FieldLogger
}

// RetentionCleaner periodically deletes metric rows older than the configured retention period.
type RetentionCleaner struct {
	store         *Store
	table         string
	retentionDays int
	interval      time.Duration
	log           logrus.FieldLogger
	now           func() time.Time
	done          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewRetentionCleaner creates a retention cleaner for one metrics table.
// Returns nil when retention is 0 (disabled).
func NewRetentionCleaner(store *Store, conf RetentionConfig) *RetentionCleaner {
	if conf.RetentionDays <= 0 || conf.Table == "" {
		return nil
	}
	interval := conf.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := conf.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	rc := &RetentionCleaner{
		store:         store,
		table:         conf.Table,
		retentionDays: conf.RetentionDays,
		interval:      interval,
		log:           logger.WithFields(logrus.Fields{"component": "retention", "table": conf.Table}),
		now:           time.Now,
		done:          make(chan struct{}),
	}

	// Startup cleanup to catch up after downtime.
	rc.Sweep()

	rc.wg.Add(1)
	go rc.tickLoop()

	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.Sweep()
		case <-rc.done:
			return
		}
	}
}

// Sweep deletes expired rows once and returns how many were removed.
// A table that has not been created yet is not an error.
func (rc *RetentionCleaner) Sweep() int64 {
	cutoff := rc.now().Add(-time.Duration(rc.retentionDays) * 24 * time.Hour)

	exists, err := rc.store.TableExists(context.Background(), rc.table)
	if err != nil {
		rc.log.WithError(err).Warn("retention cleanup skipped")
		return 0
	}
	if !exists {
		return 0
	}
	rows, err := rc.store.DeleteBefore(context.Background(), rc.table, cutoff)
	if err != nil {
		rc.log.WithError(err).Error("retention cleanup failed")
		return 0
	}
	if rows > 0 {
		rc.log.Infof("retention cleanup deleted %d expired rows (older than %d days)", rows, rc.retentionDays)
	}
	return rows
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	if rc == nil {
		return
	}
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
