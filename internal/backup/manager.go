// Package backup takes periodic snapshots of the DuckDB file behind the
// database target and optionally ships them to an object store.
package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24
	snapshotPrefix  = "stratus-"
	snapshotExt     = ".duckdb"
)

// Manager runs periodic local snapshots and optional remote uploads.
type Manager struct {
	store    Snapshotter
	cfg      Config
	uploader Uploader
	log      logrus.FieldLogger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once
}

// NewManager validates cfg and prepares the local directory. uploader may be nil.
func NewManager(store Snapshotter, uploader Uploader, cfg Config, logger logrus.FieldLogger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, fmt.Errorf("backup: db-path is empty (in-memory store)")
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	m := &Manager{
		store:    store,
		cfg:      cfg,
		uploader: uploader,
		log:      logger.WithField("component", "backup"),
		now:      time.Now,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Start takes a startup snapshot and then one every interval until Stop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.RunOnce(m.ctx); err != nil {
			m.log.WithError(err).Warn("startup snapshot failed")
		}
		m.loop()
	}()
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.RunOnce(m.ctx); err != nil {
				m.log.WithError(err).Warn("periodic snapshot failed")
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// RunOnce creates one local snapshot, uploads it when configured, and prunes old local copies.
func (m *Manager) RunOnce(ctx context.Context) error {
	fileName := snapshotPrefix + m.now().UTC().Format("20060102-150405") + snapshotExt
	localPath := filepath.Join(m.cfg.LocalDir, fileName)

	if err := m.store.SnapshotTo(localPath); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	m.log.WithField("path", localPath).Info("created snapshot")

	if m.uploader != nil {
		body, err := os.ReadFile(localPath)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		key := fileName
		if m.cfg.Prefix != "" {
			key = path.Join(m.cfg.Prefix, fileName)
		}
		if err := m.uploader.Put(ctx, key, body, "application/octet-stream"); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		m.log.WithField("key", key).Info("uploaded snapshot")
	}

	if err := pruneLocalBackups(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return fmt.Errorf("prune local backups: %w", err)
	}
	return nil
}

// Stop cancels an in-flight upload and terminates the loop.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stop.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func pruneLocalBackups(localDir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(localDir, snapshotPrefix+"*"+snapshotExt))
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	// timestamp is embedded in filename and lexical sort matches chronology
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	for _, oldPath := range matches[keepLast:] {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
