package duckdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/stratus/internal/model"
)

// ErrInvalidTable is returned for table names that are not plain SQL identifiers.
var ErrInvalidTable = errors.New("duckdb: invalid table name")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const metricsTableDDL = `CREATE TABLE IF NOT EXISTS %s (
	id          VARCHAR(36) PRIMARY KEY,
	timestamp   TIMESTAMP NOT NULL,
	namespace   VARCHAR NOT NULL,
	metric_name VARCHAR NOT NULL,
	dimensions  VARCHAR NOT NULL DEFAULT '{}',
	value       DOUBLE NOT NULL,
	stat        VARCHAR NOT NULL,
	period      INTEGER NOT NULL,
	region      VARCHAR NOT NULL,
	created_at  TIMESTAMP DEFAULT current_timestamp
)`

func quoteTable(table string) (string, error) {
	if !identRe.MatchString(table) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return `"` + table + `"`, nil
}

// EnsureMetricsTable creates the metrics table if it does not exist.
// It is safe to call before every write.
func (s *Store) EnsureMetricsTable(ctx context.Context, table string) error {
	quoted, err := quoteTable(table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ensured[table]; ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(metricsTableDDL, quoted)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	s.ensured[table] = struct{}{}
	return nil
}

// TableExists reports whether table is present in the main schema.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertMetricBatch inserts records into table in a single transaction.
// Either every row lands or none do.
func (s *Store) InsertMetricBatch(ctx context.Context, table string, records []model.MetricRecord) error {
	if len(records) == 0 {
		return nil
	}
	quoted, err := quoteTable(table)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+quoted+` (id, timestamp, namespace, metric_name, dimensions, value, stat, period, region) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		dims := []byte("{}")
		if len(r.Dimensions) > 0 {
			data, err := json.Marshal(r.Dimensions)
			if err != nil {
				return fmt.Errorf("marshal dimensions: %w", err)
			}
			dims = data
		}
		if _, err := stmt.ExecContext(
			ctx,
			uuid.NewString(), r.Timestamp.UTC(), r.Namespace, r.MetricName,
			string(dims), r.Value, r.Stat, r.Period, r.Region,
		); err != nil {
			return fmt.Errorf("record insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// CountMetrics returns the number of rows in table.
func (s *Store) CountMetrics(ctx context.Context, table string) (int64, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+quoted).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// QueryMetrics reads back every row of table ordered by timestamp, metric and region.
func (s *Store) QueryMetrics(ctx context.Context, table string) ([]model.MetricRecord, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT timestamp, namespace, metric_name, dimensions, value, stat, period, region FROM `+quoted+` ORDER BY timestamp, namespace, metric_name, region`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MetricRecord
	for rows.Next() {
		var (
			r    model.MetricRecord
			dims string
		)
		if err := rows.Scan(&r.Timestamp, &r.Namespace, &r.MetricName, &dims, &r.Value, &r.Stat, &r.Period, &r.Region); err != nil {
			return nil, err
		}
		r.Timestamp = r.Timestamp.UTC()
		r.Dimensions = map[string]string{}
		if dims != "" {
			if err := json.Unmarshal([]byte(dims), &r.Dimensions); err != nil {
				return nil, fmt.Errorf("decode dimensions: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteBefore removes rows whose sample timestamp is older than cutoff.
func (s *Store) DeleteBefore(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+quoted+` WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
