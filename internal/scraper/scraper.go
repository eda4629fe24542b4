// Package scraper discovers metrics per region and namespace, fetches their
// datapoints in bounded batches and aggregates the records of one run.
package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/model"
	"github.com/tinytelemetry/stratus/internal/telemetry"
)

// Scraper runs the discovery → batch → fetch pipeline for every configured region.
type Scraper struct {
	cfg       *config.Config
	clients   model.ClientFactory
	log       logrus.FieldLogger
	telemetry *telemetry.Telemetry
}

// Option customizes a Scraper.
type Option func(*Scraper)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Scraper) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTelemetry attaches run instrumentation.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Scraper) { s.telemetry = t }
}

// New creates a Scraper for cfg using clients to reach each region.
func New(cfg *config.Config, clients model.ClientFactory, opts ...Option) *Scraper {
	s := &Scraper{
		cfg:     cfg,
		clients: clients,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collect scrapes all regions concurrently, at most cfg.RegionConcurrency at
// a time, over [start, end). Records are returned grouped by region in
// configured region order.
//
// With the fail-fast policy the first region error cancels the remaining
// regions and no records are returned. With the partial policy every region
// runs to completion; the records of healthy regions are returned together
// with the combined error of the failed ones.
func (s *Scraper) Collect(ctx context.Context, start, end time.Time) ([]model.MetricRecord, error) {
	regions := s.cfg.Regions
	results := make([][]model.MetricRecord, len(regions))

	var err error
	if s.cfg.FailurePolicy == config.Partial {
		err = s.collectPartial(ctx, regions, results, start, end)
	} else {
		err = s.collectFailFast(ctx, regions, results, start, end)
		if err != nil {
			return nil, err
		}
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	records := make([]model.MetricRecord, 0, total)
	for _, r := range results {
		records = append(records, r...)
	}
	return records, err
}

func (s *Scraper) collectFailFast(ctx context.Context, regions []string, results [][]model.MetricRecord, start, end time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RegionConcurrency)
	for i, region := range regions {
		g.Go(func() error {
			records, err := s.scrapeRegion(gctx, region, start, end)
			if err != nil {
				return fmt.Errorf("region %s: %w", region, err)
			}
			results[i] = records
			return nil
		})
	}
	return g.Wait()
}

func (s *Scraper) collectPartial(ctx context.Context, regions []string, results [][]model.MetricRecord, start, end time.Time) error {
	errs := make([]error, len(regions))
	var g errgroup.Group
	g.SetLimit(s.cfg.RegionConcurrency)
	for i, region := range regions {
		g.Go(func() error {
			records, err := s.scrapeRegion(ctx, region, start, end)
			if err != nil {
				errs[i] = fmt.Errorf("region %s: %w", region, err)
				return nil
			}
			results[i] = records
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// scrapeRegion walks the namespaces of one region sequentially.
func (s *Scraper) scrapeRegion(ctx context.Context, region string, start, end time.Time) ([]model.MetricRecord, error) {
	log := s.log.WithField("region", region)
	log.Info("collecting metrics for region")

	client, err := s.clients.ForRegion(ctx, region)
	if err != nil {
		s.telemetry.RegionFailed(region)
		return nil, fmt.Errorf("create client: %w", err)
	}

	params := fetchParams{
		region: region,
		stat:   s.cfg.Stat,
		period: s.cfg.PeriodSeconds,
		start:  start,
		end:    end,
	}

	var records []model.MetricRecord
	for _, namespace := range s.cfg.Namespaces {
		nsLog := log.WithField("namespace", namespace)

		discovered, err := Discover(ctx, client, namespace)
		if err != nil {
			s.telemetry.RegionFailed(region)
			return nil, fmt.Errorf("namespace %s: %w", namespace, err)
		}
		for i := range discovered {
			if discovered[i].Namespace == "" {
				discovered[i].Namespace = namespace
			}
		}

		var allow func(string) bool
		if s.cfg.HasMetricFilter() {
			allow = s.cfg.AllowsMetric
		}
		selected := FilterMetrics(discovered, allow)
		if len(selected) == 0 {
			nsLog.WithField("total", len(discovered)).Debug("no metrics selected for namespace")
			continue
		}

		got, err := s.fetchNamespace(ctx, client, selected, params)
		if err != nil {
			s.telemetry.RegionFailed(region)
			return nil, fmt.Errorf("namespace %s: %w", namespace, err)
		}
		if len(got) == 0 {
			nsLog.Debug("no datapoints returned for namespace")
		} else {
			nsLog.WithField("count", len(got)).Info("collected datapoints for namespace")
		}
		records = append(records, got...)
	}

	if len(records) == 0 {
		log.Warn("no metrics collected for region")
	} else {
		log.WithField("count", len(records)).Info("region collection complete")
	}
	s.telemetry.AddRecords(region, len(records))
	return records, nil
}
