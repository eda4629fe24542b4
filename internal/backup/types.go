package backup

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config controls periodic DuckDB backups.
type Config struct {
	Interval time.Duration
	LocalDir string
	KeepLast int
	// Prefix is the object key prefix used for uploads.
	Prefix string
}

// normalize fills defaults and creates LocalDir.
func (c Config) normalize() (Config, error) {
	if strings.TrimSpace(c.LocalDir) == "" {
		return c, errors.New("local-dir is required when backup is enabled")
	}
	c.Interval = cmp.Or(max(c.Interval, 0), defaultInterval)
	c.KeepLast = cmp.Or(max(c.KeepLast, 0), defaultKeepLast)
	c.Prefix = strings.Trim(c.Prefix, "/")
	if err := os.MkdirAll(c.LocalDir, 0755); err != nil {
		return c, fmt.Errorf("create local-dir: %w", err)
	}
	return c, nil
}

// Snapshotter is the minimal DB snapshot contract used by Manager.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) error
}

// Uploader stores one backup artifact remotely.
type Uploader interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}
