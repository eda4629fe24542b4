package sink

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/encoding"
	"github.com/tinytelemetry/stratus/internal/model"
)

// ObjectStore uploads one object per run under a key prefix.
type ObjectStore struct {
	putter ObjectPutter
	bucket string
	prefix string
	format config.Format
	now    func() time.Time
	log    logrus.FieldLogger
	names  artifactNamer
}

func (s *ObjectStore) Name() string { return string(config.KindObjectStore) }

func (s *ObjectStore) Close() error { return nil }

// Key returns the object key for a run written at now. Keys issued by one
// sink within the same second carry a _N suffix.
func (s *ObjectStore) Key(now time.Time) string {
	name := s.names.next(now, s.format)
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *ObjectStore) Write(ctx context.Context, records []model.MetricRecord) error {
	if len(records) == 0 {
		s.log.Debug("no records, skipping upload")
		return nil
	}
	data, err := encoding.Encode(s.format, records)
	if err != nil {
		return err
	}
	key := s.Key(s.now())
	if err := s.putter.Put(ctx, key, data, s.format.ContentType()); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"bucket": s.bucket, "key": key}).Infof("uploaded %d records", len(records))
	return nil
}
