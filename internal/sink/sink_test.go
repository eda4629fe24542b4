package sink

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/duckdb"
	"github.com/tinytelemetry/stratus/internal/encoding"
	"github.com/tinytelemetry/stratus/internal/model"
	"github.com/tinytelemetry/stratus/internal/telemetry"
)

var fixedNow = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type recordingPutter struct {
	mu   sync.Mutex
	puts []put
	err  error
}

type put struct {
	key         string
	body        []byte
	contentType string
}

func (p *recordingPutter) Put(_ context.Context, key string, body []byte, contentType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.puts = append(p.puts, put{key: key, body: body, contentType: contentType})
	return nil
}

func records(n int) []model.MetricRecord {
	out := make([]model.MetricRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.MetricRecord{
			Timestamp:  fixedNow.Add(-time.Duration(n-i) * time.Minute),
			Namespace:  "AWS/EC2",
			MetricName: "CPUUtilization",
			Dimensions: map[string]string{"InstanceId": "i-1"},
			Value:      float64(i) + 0.5,
			Stat:       "Average",
			Period:     300,
			Region:     "us-east-1",
		})
	}
	return out
}

func TestArtifactName(t *testing.T) {
	t.Parallel()

	local := time.Date(2026, 4, 5, 8, 7, 8, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "metrics_20260405_060708.json", ArtifactName(local, config.FormatJSON))
	assert.Equal(t, "metrics_20260405_060708.parquet", ArtifactName(local, config.FormatParquet))
}

func TestFileSystemWritesJSON(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out", "nested")
	s, err := New(context.Background(), config.FileSystemTarget{Path: dir, Format: config.FormatJSON}, WithClock(fixedClock))
	require.NoError(t, err)
	defer s.Close()

	want := records(3)
	require.NoError(t, s.Write(context.Background(), want))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "metrics_20260405_060708.json", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	got, err := encoding.DecodeJSON(data)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("file contents mismatch (-want +got):\n%s", diff)
	}
}

func regionRecords(region string) []model.MetricRecord {
	rs := records(2)
	for i := range rs {
		rs[i].Region = region
	}
	return rs
}

func TestFileSystemSameSecondRunsKeepBothArtifacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	target := config.FileSystemTarget{Path: dir, Format: config.FormatJSON}

	first, err := New(ctx, target, WithClock(fixedClock))
	require.NoError(t, err)
	require.NoError(t, first.Write(ctx, regionRecords("run-a")))
	require.NoError(t, first.Write(ctx, regionRecords("run-b")))

	// A second sink, e.g. a restarted process, must not replace either file.
	second, err := New(ctx, target, WithClock(fixedClock))
	require.NoError(t, err)
	require.NoError(t, second.Write(ctx, regionRecords("run-c")))

	want := map[string]string{
		"metrics_20260405_060708.json":   "run-a",
		"metrics_20260405_060708_1.json": "run-b",
		"metrics_20260405_060708_2.json": "run-c",
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, len(want), "temp files must not be left behind")
	for name, region := range want {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		got, err := encoding.DecodeJSON(data)
		require.NoError(t, err, name)
		require.Len(t, got, 2, name)
		assert.Equal(t, region, got[0].Region, name)
	}
}

func TestObjectStoreSameSecondRunsGetDistinctKeys(t *testing.T) {
	t.Parallel()

	putter := &recordingPutter{}
	s, err := New(context.Background(), config.ObjectStoreTarget{Bucket: "b", Prefix: "raw", Format: config.FormatJSON},
		WithObjectPutter(putter), WithClock(fixedClock))
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), regionRecords("run-a")))
	require.NoError(t, s.Write(context.Background(), regionRecords("run-b")))

	require.Len(t, putter.puts, 2)
	assert.Equal(t, "raw/metrics_20260405_060708.json", putter.puts[0].key)
	assert.Equal(t, "raw/metrics_20260405_060708_1.json", putter.puts[1].key)
}

func TestFileSystemWritesParquet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(context.Background(), config.FileSystemTarget{Path: dir, Format: config.FormatParquet}, WithClock(fixedClock))
	require.NoError(t, err)

	want := records(5)
	require.NoError(t, s.Write(context.Background(), want))

	path := filepath.Join(dir, "metrics_20260405_060708.parquet")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := encoding.Decode(encoding.FormatFromKey(path), data)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("parquet contents mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyRecordSetWritesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "never-created")
	fs, err := New(ctx, config.FileSystemTarget{Path: dir}, WithClock(fixedClock))
	require.NoError(t, err)
	require.NoError(t, fs.Write(ctx, nil))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "empty run must not create the output dir")

	putter := &recordingPutter{}
	obj, err := New(ctx, config.ObjectStoreTarget{Bucket: "b"}, WithObjectPutter(putter))
	require.NoError(t, err)
	require.NoError(t, obj.Write(ctx, []model.MetricRecord{}))
	assert.Empty(t, putter.puts)

	store, err := duckdb.NewStore("")
	require.NoError(t, err)
	defer store.Close()
	db, err := New(ctx, config.DatabaseTarget{TableName: "cw_metrics"}, WithStore(store))
	require.NoError(t, err)
	require.NoError(t, db.Write(ctx, nil))
	exists, err := store.TableExists(ctx, "cw_metrics")
	require.NoError(t, err)
	assert.False(t, exists, "empty run must not run DDL")
}

func TestObjectStoreKeyLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		format config.Format
		want   string
		ctype  string
	}{
		{prefix: "", format: config.FormatJSON, want: "metrics_20260405_060708.json", ctype: "application/json"},
		{prefix: "cloudwatch/raw", format: config.FormatParquet, want: "cloudwatch/raw/metrics_20260405_060708.parquet", ctype: "application/octet-stream"},
	}
	for _, tt := range tests {
		putter := &recordingPutter{}
		s, err := New(context.Background(),
			config.ObjectStoreTarget{Bucket: "bucket", Prefix: tt.prefix, Format: tt.format},
			WithObjectPutter(putter), WithClock(fixedClock))
		require.NoError(t, err)
		require.NoError(t, s.Write(context.Background(), records(2)))

		require.Len(t, putter.puts, 1)
		assert.Equal(t, tt.want, putter.puts[0].key)
		assert.Equal(t, tt.ctype, putter.puts[0].contentType)

		got, err := encoding.Decode(tt.format, putter.puts[0].body)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	}
}

func TestObjectStorePropagatesPutError(t *testing.T) {
	t.Parallel()

	boom := errors.New("bucket gone")
	s, err := New(context.Background(), config.ObjectStoreTarget{Bucket: "b"}, WithObjectPutter(&recordingPutter{err: boom}))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Write(context.Background(), records(1)), boom)
}

// Two consecutive runs against a fresh table: the table is created once and
// both runs' rows are present.
func TestDatabaseTwoRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := duckdb.NewStore("")
	require.NoError(t, err)
	defer store.Close()

	s, err := New(ctx, config.DatabaseTarget{TableName: "cw_metrics"}, WithStore(store))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(ctx, records(4)))
	require.NoError(t, s.Write(ctx, records(6)))

	n, err := store.CountMetrics(ctx, "cw_metrics")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestDatabaseOwnsStoreWhenOpened(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stratus.duckdb")
	ctx := context.Background()
	s, err := New(ctx, config.DatabaseTarget{TableName: "m", DBPath: path, RetentionDays: 30})
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, records(2)))
	require.NoError(t, s.Close())

	store, err := duckdb.NewStore(path)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.CountMetrics(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestNonFiniteValueFailsWrite(t *testing.T) {
	t.Parallel()

	recs := records(1)
	recs[0].Value = math.Inf(1)
	s, err := New(context.Background(), config.FileSystemTarget{Path: t.TempDir(), Format: config.FormatJSON})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Write(context.Background(), recs), encoding.ErrNonFiniteValue)
}

func TestUnsupportedTarget(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedTarget)
}

func TestTelemetryCountsWrites(t *testing.T) {
	t.Parallel()

	tel := telemetry.New()
	putter := &recordingPutter{}
	s, err := New(context.Background(), config.ObjectStoreTarget{Bucket: "b"}, WithObjectPutter(putter), WithTelemetry(tel))
	require.NoError(t, err)
	assert.Equal(t, "object_store", s.Name())

	require.NoError(t, s.Write(context.Background(), records(1)))
	require.NoError(t, s.Write(context.Background(), nil))
	putter.err = errors.New("nope")
	require.Error(t, s.Write(context.Background(), records(1)))

	want := `
# HELP stratus_sink_writes_total Sink writes by target and outcome.
# TYPE stratus_sink_writes_total counter
stratus_sink_writes_total{outcome="failure",target="object_store"} 1
stratus_sink_writes_total{outcome="success",target="object_store"} 1
`
	require.NoError(t, testutil.GatherAndCompare(tel.Registry(), strings.NewReader(want), "stratus_sink_writes_total"))
}
