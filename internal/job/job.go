// Package job ties one scrape run together: collect every region over the
// lookback window, then hand the records to the sink.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/model"
	"github.com/tinytelemetry/stratus/internal/telemetry"
)

// Collector gathers the records of one run over [start, end).
type Collector interface {
	Collect(ctx context.Context, start, end time.Time) ([]model.MetricRecord, error)
}

// Status summarizes the runs a Job has executed.
type Status struct {
	Running     int       `json:"running"`
	Runs        uint64    `json:"runs"`
	Failures    uint64    `json:"failures"`
	LastRunID   string    `json:"last_run_id,omitempty"`
	LastStart   time.Time `json:"last_start,omitempty"`
	LastEnd     time.Time `json:"last_end,omitempty"`
	LastRecords int       `json:"last_records"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	WindowStart time.Time `json:"window_start,omitempty"`
	WindowEnd   time.Time `json:"window_end,omitempty"`
}

// Job executes scrape runs. Run is safe for concurrent use; overlapping
// runs each write their own artifact.
type Job struct {
	cfg       *config.Config
	collector Collector
	writer    model.RecordWriter
	telemetry *telemetry.Telemetry
	log       logrus.FieldLogger
	now       func() time.Time

	mu     sync.Mutex
	status Status
}

// Option customizes a Job.
type Option func(*Job)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(j *Job) {
		if l != nil {
			j.log = l
		}
	}
}

// WithTelemetry records run outcomes.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(j *Job) { j.telemetry = t }
}

// WithClock overrides the clock used to compute the lookback window.
func WithClock(now func() time.Time) Option {
	return func(j *Job) {
		if now != nil {
			j.now = now
		}
	}
}

// New creates a Job.
func New(cfg *config.Config, collector Collector, writer model.RecordWriter, opts ...Option) *Job {
	j := &Job{
		cfg:       cfg,
		collector: collector,
		writer:    writer,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run performs one scrape over [now-lookback, now) and writes the result.
//
// Under the partial region policy the records of healthy regions are
// written before the combined region error is returned.
func (j *Job) Run(ctx context.Context) (err error) {
	id := uuid.NewString()
	start, end := j.cfg.Window(j.now())
	log := j.log.WithField("run", id)
	finish := j.telemetry.RunStarted()
	j.begin(id, start, end)

	var written int
	defer func() {
		outcome := telemetry.OutcomeSuccess
		switch {
		case err != nil:
			outcome = telemetry.OutcomeFailure
		case written == 0:
			outcome = telemetry.OutcomeEmpty
		}
		finish(outcome)
		j.end(written, err)
	}()

	log.WithFields(logrus.Fields{"start": start, "end": end}).Info("scrape run started")

	records, collectErr := j.collector.Collect(ctx, start, end)
	if collectErr != nil && len(records) == 0 {
		return fmt.Errorf("collect: %w", collectErr)
	}
	if len(records) == 0 {
		log.Info("no datapoints collected")
		return nil
	}

	if err := j.writer.Write(ctx, records); err != nil {
		return fmt.Errorf("write %d records: %w", len(records), err)
	}
	written = len(records)
	log.Infof("scrape run stored %d records", written)

	if collectErr != nil {
		return fmt.Errorf("collect (partial): %w", collectErr)
	}
	return nil
}

// Status returns a snapshot of the run bookkeeping.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) begin(id string, start, end time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Running++
	j.status.LastRunID = id
	j.status.LastStart = j.now().UTC()
	j.status.WindowStart = start
	j.status.WindowEnd = end
}

func (j *Job) end(records int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now().UTC()
	j.status.Running--
	j.status.Runs++
	j.status.LastEnd = now
	j.status.LastRecords = records
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
		return
	}
	j.status.LastError = ""
	j.status.LastSuccess = now
}
