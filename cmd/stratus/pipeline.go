package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/tinytelemetry/stratus/internal/cloudwatch"
	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/duckdb"
	"github.com/tinytelemetry/stratus/internal/job"
	"github.com/tinytelemetry/stratus/internal/model"
	"github.com/tinytelemetry/stratus/internal/scraper"
	"github.com/tinytelemetry/stratus/internal/sink"
	"github.com/tinytelemetry/stratus/internal/telemetry"
)

// pipeline is everything one scrape run needs, built once per process.
type pipeline struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	sink      sink.Sink
	job       *job.Job

	// store is set for the database target only.
	store *duckdb.Store
}

// buildPipeline validates the scraper config before touching the network or
// the sink, so a bad cron string or target fails here.
func buildPipeline(ctx context.Context, opts config.Options, clients model.ClientFactory, logger logrus.FieldLogger) (*pipeline, error) {
	cfg, err := config.New(opts)
	if err != nil {
		return nil, err
	}
	if clients == nil {
		clients = cloudwatch.NewFactory()
	}

	tel := telemetry.New()
	sinkOpts := []sink.Option{sink.WithLogger(logger), sink.WithTelemetry(tel)}

	var store *duckdb.Store
	if t, ok := cfg.Target.(config.DatabaseTarget); ok {
		store, err = duckdb.NewStore(t.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open duckdb %q: %w", t.DBPath, err)
		}
		sinkOpts = append(sinkOpts, sink.WithStore(store))
	}

	snk, err := sink.New(ctx, cfg.Target, sinkOpts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("init %s sink: %w", cfg.Target.Kind(), err)
	}

	scr := scraper.New(cfg, clients, scraper.WithLogger(logger), scraper.WithTelemetry(tel))
	j := job.New(cfg, scr, snk, job.WithLogger(logger), job.WithTelemetry(tel))

	return &pipeline{cfg: cfg, telemetry: tel, sink: snk, job: j, store: store}, nil
}

func (p *pipeline) Close() error {
	err := p.sink.Close()
	if p.store != nil {
		err = multierr.Append(err, p.store.Close())
	}
	return err
}

// runOnce executes a single run under the configured run timeout.
func (p *pipeline) runOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RunTimeout)
	defer cancel()
	return p.job.Run(ctx)
}
