package sink

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/duckdb"
	"github.com/tinytelemetry/stratus/internal/model"
)

// Database inserts every record of a run as one row of a DuckDB table.
type Database struct {
	store     *duckdb.Store
	ownsStore bool
	table     string
	retention *duckdb.RetentionCleaner
	log       logrus.FieldLogger
}

func (d *Database) Name() string { return string(config.KindDatabase) }

// Write creates the table if needed and inserts all records in one transaction.
func (d *Database) Write(ctx context.Context, records []model.MetricRecord) error {
	if len(records) == 0 {
		d.log.Debug("no records, skipping insert")
		return nil
	}
	if err := d.store.EnsureMetricsTable(ctx, d.table); err != nil {
		return err
	}
	if err := d.store.InsertMetricBatch(ctx, d.table, records); err != nil {
		return fmt.Errorf("insert into %s: %w", d.table, err)
	}
	d.log.WithField("table", d.table).Infof("inserted %d records", len(records))
	return nil
}

// Close stops retention and closes the store if the sink opened it.
func (d *Database) Close() error {
	d.retention.Stop()
	if d.ownsStore {
		return d.store.Close()
	}
	return nil
}
