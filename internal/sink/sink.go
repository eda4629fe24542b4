// Package sink persists the record set of one run to the configured target.
//
// File and object targets serialize through package encoding and only see
// bytes; the database target inserts rows directly.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/duckdb"
	"github.com/tinytelemetry/stratus/internal/model"
	"github.com/tinytelemetry/stratus/internal/objectstore"
	"github.com/tinytelemetry/stratus/internal/telemetry"
)

// ErrUnsupportedTarget is returned by New for a target it cannot build.
var ErrUnsupportedTarget = errors.New("sink: unsupported target")

// artifactLayout is the UTC timestamp embedded in file and object names.
const artifactLayout = "20060102_150405"

// Sink writes the full record set of a run. An empty record set is a no-op.
type Sink interface {
	model.RecordWriter
	// Name is the target kind, used as a log and metric label.
	Name() string
	Close() error
}

// ObjectPutter uploads one object. objectstore.Client implements it.
type ObjectPutter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

type options struct {
	log       logrus.FieldLogger
	telemetry *telemetry.Telemetry
	now       func() time.Time
	putter    ObjectPutter
	store     *duckdb.Store
}

// Option customizes a sink built by New.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithTelemetry counts every write attempt.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// WithClock overrides the clock used for artifact names.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithObjectPutter replaces the S3 client of an object store target.
func WithObjectPutter(p ObjectPutter) Option {
	return func(o *options) { o.putter = p }
}

// WithStore makes a database target use an existing store.
// The caller keeps ownership of it.
func WithStore(s *duckdb.Store) Option {
	return func(o *options) { o.store = s }
}

// New builds the sink for target.
func New(ctx context.Context, target config.Target, opts ...Option) (Sink, error) {
	o := options{log: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		s   Sink
		err error
	)
	switch t := target.(type) {
	case config.FileSystemTarget:
		s = newFileSystem(t, o)
	case config.ObjectStoreTarget:
		s, err = newObjectStore(ctx, t, o)
	case config.DatabaseTarget:
		s, err = newDatabase(t, o)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedTarget, target)
	}
	if err != nil {
		return nil, err
	}
	if o.telemetry != nil {
		s = &instrumented{Sink: s, telemetry: o.telemetry}
	}
	return s, nil
}

// ArtifactName is the file or object name for a run written at now.
func ArtifactName(now time.Time, format config.Format) string {
	return artifactName(now.UTC().Format(artifactLayout), 0, format)
}

func artifactName(stamp string, seq int, format config.Format) string {
	if seq == 0 {
		return fmt.Sprintf("metrics_%s.%s", stamp, format.Ext())
	}
	return fmt.Sprintf("metrics_%s_%d.%s", stamp, seq, format.Ext())
}

// artifactNamer hands out artifact names. Names issued within the same
// second get a numeric suffix so overlapping runs never share one.
type artifactNamer struct {
	mu    sync.Mutex
	stamp string
	seq   int
}

func (n *artifactNamer) next(now time.Time, format config.Format) string {
	stamp := now.UTC().Format(artifactLayout)

	n.mu.Lock()
	defer n.mu.Unlock()
	if stamp == n.stamp {
		n.seq++
	} else {
		n.stamp, n.seq = stamp, 0
	}
	return artifactName(stamp, n.seq, format)
}

type instrumented struct {
	Sink
	telemetry *telemetry.Telemetry
}

func (i *instrumented) Write(ctx context.Context, records []model.MetricRecord) error {
	err := i.Sink.Write(ctx, records)
	if len(records) > 0 {
		i.telemetry.SinkWrite(i.Name(), err)
	}
	return err
}

func newObjectStore(ctx context.Context, t config.ObjectStoreTarget, o options) (Sink, error) {
	putter := o.putter
	if putter == nil {
		c, err := objectstore.New(ctx, objectstore.Config{
			Bucket:       t.Bucket,
			Endpoint:     t.Endpoint,
			Region:       t.Region,
			AccessKey:    t.AccessKey,
			SecretKey:    t.SecretKey,
			SessionToken: t.SessionToken,
			UseSSL:       t.UseSSL,
			PathStyle:    t.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		putter = c
	}
	return &ObjectStore{
		putter: putter,
		bucket: t.Bucket,
		prefix: t.Prefix,
		format: t.Format,
		now:    o.now,
		log:    o.log.WithField("target", string(config.KindObjectStore)),
	}, nil
}

func newDatabase(t config.DatabaseTarget, o options) (Sink, error) {
	store, owned := o.store, false
	if store == nil {
		var err error
		store, err = duckdb.NewStore(t.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open duckdb %q: %w", t.DBPath, err)
		}
		owned = true
	}
	log := o.log.WithField("target", string(config.KindDatabase))
	return &Database{
		store:     store,
		ownsStore: owned,
		table:     t.TableName,
		log:       log,
		retention: duckdb.NewRetentionCleaner(store, duckdb.RetentionConfig{
			Table:         t.TableName,
			RetentionDays: t.RetentionDays,
			Logger:        log,
		}),
	}, nil
}
