package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/encoding"
	"github.com/tinytelemetry/stratus/internal/model"
)

// FileSystem writes one artifact per run into a local directory.
type FileSystem struct {
	dir    string
	format config.Format
	now    func() time.Time
	log    logrus.FieldLogger
	names  artifactNamer
}

func newFileSystem(t config.FileSystemTarget, o options) *FileSystem {
	return &FileSystem{
		dir:    t.Path,
		format: t.Format,
		now:    o.now,
		log:    o.log.WithField("target", string(config.KindFileSystem)),
	}
}

func (f *FileSystem) Name() string { return string(config.KindFileSystem) }

func (f *FileSystem) Close() error { return nil }

// Write encodes records and places them at {dir}/metrics_{ts}.{ext}.
// The file appears atomically from a temp file in the same directory. An
// existing artifact is never replaced; the name gets a _N suffix instead.
func (f *FileSystem) Write(ctx context.Context, records []model.MetricRecord) error {
	if len(records) == 0 {
		f.log.Debug("no records, skipping file write")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encoding.Encode(f.format, records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	now := f.now()
	dst, err := writeFileAtomic(data, func() string {
		return filepath.Join(f.dir, f.names.next(now, f.format))
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	f.log.WithField("path", dst).Infof("wrote %d records", len(records))
	return nil
}

const maxNameAttempts = 100

// writeFileAtomic writes data to a temp file and links it to the first
// name from nextName that does not exist yet.
func writeFileAtomic(data []byte, nextName func() string) (string, error) {
	dst := nextName()
	tmpPath, err := writeTemp(filepath.Dir(dst), data)
	if err != nil {
		return dst, err
	}
	defer os.Remove(tmpPath)

	for range maxNameAttempts {
		err := os.Link(tmpPath, dst)
		if err == nil {
			return dst, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return dst, err
		}
		dst = nextName()
	}
	return dst, fmt.Errorf("no free artifact name after %d attempts", maxNameAttempts)
}

func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".metrics-*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}
