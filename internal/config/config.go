// Package config builds the validated scraper configuration. A Config is
// constructed once by New and treated as read-only afterwards; it is shared
// freely between the scheduler and concurrent region workers.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tinytelemetry/stratus/internal/model"
)

// ErrInvalidConfig wraps every validation failure returned by New.
var ErrInvalidConfig = errors.New("invalid scraper config")

const defaultFileSystemPath = model.DefaultFileSystemPath

// maxLookbackHours keeps Lookback within time.Duration.
const maxLookbackHours = int(math.MaxInt64 / time.Hour)

// FailurePolicy decides what one failing region does to the rest of a run.
type FailurePolicy string

const (
	// FailFast aborts the whole run on the first region error.
	FailFast FailurePolicy = "fail-fast"
	// Partial keeps the records of healthy regions and reports the combined error.
	Partial FailurePolicy = "partial"
)

// Options is the raw, file-facing scraper configuration.
type Options struct {
	Schedule            string        `mapstructure:"schedule" yaml:"schedule"`
	Regions             []string      `mapstructure:"regions" yaml:"regions"`
	Namespaces          []string      `mapstructure:"namespaces" yaml:"namespaces"`
	MetricNames         []string      `mapstructure:"metric-names" yaml:"metric-names,omitempty"`
	PeriodSeconds       int           `mapstructure:"period-seconds" yaml:"period-seconds"`
	Stat                string        `mapstructure:"stat" yaml:"stat"`
	LookbackHours       int           `mapstructure:"lookback-hours" yaml:"lookback-hours"`
	MaxQueriesPerBatch  int           `mapstructure:"max-queries-per-batch" yaml:"max-queries-per-batch"`
	RunTimeout          time.Duration `mapstructure:"run-timeout" yaml:"run-timeout"`
	RegionConcurrency   int           `mapstructure:"region-concurrency" yaml:"region-concurrency"`
	RegionFailurePolicy string        `mapstructure:"region-failure-policy" yaml:"region-failure-policy"`
	Target              TargetOptions `mapstructure:"target" yaml:"target"`
}

// Config is the validated scraper configuration.
type Config struct {
	ScheduleExpr       string
	Schedule           cron.Schedule
	Regions            []string
	Namespaces         []string
	PeriodSeconds      int32
	Stat               string
	LookbackHours      int
	MaxQueriesPerBatch int
	RunTimeout         time.Duration
	RegionConcurrency  int
	FailurePolicy      FailurePolicy
	Target             Target

	metricNames map[string]struct{} // nil = no allow-list
}

// New validates opts and returns an immutable Config. Any error wraps
// ErrInvalidConfig and is returned before anything is scheduled.
func New(opts Options) (*Config, error) {
	cfg, err := build(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func build(opts Options) (*Config, error) {
	expr := strings.TrimSpace(opts.Schedule)
	if expr == "" {
		expr = model.DefaultSchedule
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	regions, err := nonEmptyList("regions", opts.Regions)
	if err != nil {
		return nil, err
	}
	namespaces, err := nonEmptyList("namespaces", opts.Namespaces)
	if err != nil {
		return nil, err
	}

	if opts.PeriodSeconds <= 0 {
		return nil, fmt.Errorf("period-seconds must be greater than zero, got %d", opts.PeriodSeconds)
	}
	if opts.PeriodSeconds > math.MaxInt32 {
		return nil, fmt.Errorf("period-seconds must be at most %d, got %d", math.MaxInt32, opts.PeriodSeconds)
	}
	if opts.LookbackHours <= 0 {
		return nil, fmt.Errorf("lookback-hours must be greater than zero, got %d", opts.LookbackHours)
	}
	if opts.LookbackHours > maxLookbackHours {
		return nil, fmt.Errorf("lookback-hours must be at most %d, got %d", maxLookbackHours, opts.LookbackHours)
	}

	batch := opts.MaxQueriesPerBatch
	switch {
	case batch == 0:
		batch = model.DefaultMaxQueriesPerBatch
	case batch < 0:
		return nil, fmt.Errorf("max-queries-per-batch must be at least 1, got %d", batch)
	case batch > model.MaxQueriesPerBatchLimit:
		return nil, fmt.Errorf("max-queries-per-batch must be at most %d, got %d", model.MaxQueriesPerBatchLimit, batch)
	}

	stat := strings.TrimSpace(opts.Stat)
	if stat == "" {
		stat = model.DefaultStat
	}

	timeout := opts.RunTimeout
	if timeout < 0 {
		return nil, fmt.Errorf("run-timeout must be positive, got %s", timeout)
	}
	if timeout == 0 {
		timeout = model.DefaultRunTimeout
	}

	policy := FailurePolicy(strings.ToLower(strings.TrimSpace(opts.RegionFailurePolicy)))
	switch policy {
	case "":
		policy = FailFast
	case FailFast, Partial:
	default:
		return nil, fmt.Errorf("unknown region-failure-policy %q", opts.RegionFailurePolicy)
	}

	target, err := buildTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ScheduleExpr:       expr,
		Schedule:           sched,
		Regions:            regions,
		Namespaces:         namespaces,
		PeriodSeconds:      int32(opts.PeriodSeconds),
		Stat:               stat,
		LookbackHours:      opts.LookbackHours,
		MaxQueriesPerBatch: batch,
		RunTimeout:         timeout,
		RegionConcurrency:  clampConcurrency(opts.RegionConcurrency, len(regions)),
		FailurePolicy:      policy,
		Target:             target,
	}
	if opts.MetricNames != nil {
		cfg.metricNames = make(map[string]struct{}, len(opts.MetricNames))
		for _, name := range opts.MetricNames {
			cfg.metricNames[name] = struct{}{}
		}
	}
	return cfg, nil
}

// HasMetricFilter reports whether an allow-list was configured.
func (c *Config) HasMetricFilter() bool { return c.metricNames != nil }

// AllowsMetric reports whether name passes the allow-list. Without an
// allow-list every name passes. Matching is exact and case-sensitive.
func (c *Config) AllowsMetric(name string) bool {
	if c.metricNames == nil {
		return true
	}
	_, ok := c.metricNames[name]
	return ok
}

// Lookback is the width of the query window.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// Window returns the [start, end) query window ending at now.
func (c *Config) Window(now time.Time) (time.Time, time.Time) {
	end := now.UTC()
	return end.Add(-c.Lookback()), end
}

// ParseSchedule parses a cron expression. Both the five-field form and the
// six-field form with a leading seconds field are accepted, as are
// descriptors such as @hourly and @every 10m.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

func nonEmptyList(key string, in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, fmt.Errorf("%s contains an empty entry", key)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one entry in %s is required", key)
	}
	return out, nil
}

func clampConcurrency(requested, regions int) int {
	n := requested
	if n <= 0 || n > model.MaxRegionConcurrency {
		n = model.MaxRegionConcurrency
	}
	if n > regions {
		n = regions
	}
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultOptions returns Options populated with every documented default.
// Regions and namespaces have no default and must be supplied.
func DefaultOptions() Options {
	return Options{
		Schedule:            model.DefaultSchedule,
		PeriodSeconds:       model.DefaultPeriodSeconds,
		Stat:                model.DefaultStat,
		LookbackHours:       model.DefaultLookbackHours,
		MaxQueriesPerBatch:  model.DefaultMaxQueriesPerBatch,
		RunTimeout:          model.DefaultRunTimeout,
		RegionConcurrency:   model.MaxRegionConcurrency,
		RegionFailurePolicy: string(FailFast),
		Target: TargetOptions{
			Type:   string(KindFileSystem),
			Path:   model.DefaultFileSystemPath,
			Format: FormatParquet.String(),
		},
	}
}
