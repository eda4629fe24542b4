package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/stratus/internal/backup"
	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/objectstore"
)

// startBackup starts periodic snapshots of the database target's DuckDB
// file. It returns a nil manager when backups are off or do not apply.
func startBackup(ctx context.Context, opts backupOptions, p *pipeline, logger logrus.FieldLogger) (*backup.Manager, error) {
	if !opts.Enabled {
		return nil, nil
	}
	if p.store == nil || p.store.DBPath() == "" {
		logger.Warn("backup enabled but the target is not a file-backed database; skipping")
		return nil, nil
	}

	var (
		uploader backup.Uploader
		prefix   string
	)
	if strings.TrimSpace(opts.BucketURL) != "" {
		bucket, pfx, err := config.ParseBucketURL(opts.BucketURL)
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		client, err := objectstore.New(ctx, objectstore.Config{
			Bucket:       bucket,
			Endpoint:     opts.Endpoint,
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
			UseSSL:       opts.UseSSL,
			PathStyle:    opts.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		uploader, prefix = client, pfx
	}

	m, err := backup.NewManager(p.store, uploader, backup.Config{
		Interval: opts.Interval,
		LocalDir: opts.LocalDir,
		KeepLast: opts.KeepLast,
		Prefix:   prefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	m.Start()
	return m, nil
}

func describeBackup(opts backupOptions, p *pipeline) string {
	if !opts.Enabled || p.store == nil || p.store.DBPath() == "" {
		return ""
	}
	where := shortenPath(opts.LocalDir)
	if opts.BucketURL != "" {
		where += " + " + opts.BucketURL
	}
	return fmt.Sprintf("every %s to %s", opts.Interval, where)
}
