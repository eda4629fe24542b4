package encoding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/tinytelemetry/stratus/internal/model"
)

// Column order is part of the artifact contract.
const (
	colTimestamp = iota
	colNamespace
	colMetricName
	colDimensions
	colValue
	colStat
	colPeriod
	colRegion
	numColumns
)

// MetricSchema is the Arrow schema of a Parquet metrics artifact.
var MetricSchema = arrow.NewSchema([]arrow.Field{
	{Name: "timestamp", Type: &arrow.TimestampType{Unit: arrow.Millisecond}},
	{Name: "namespace", Type: arrow.BinaryTypes.String},
	{Name: "metric_name", Type: arrow.BinaryTypes.String},
	{Name: "dimensions", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	{Name: "stat", Type: arrow.BinaryTypes.String},
	{Name: "period", Type: arrow.PrimitiveTypes.Int32},
	{Name: "region", Type: arrow.BinaryTypes.String},
}, nil)

// EncodeParquet builds one Arrow record batch from records and writes it
// as a Snappy-compressed Parquet file. An empty input yields a valid file
// with no rows.
func EncodeParquet(records []model.MetricRecord) ([]byte, error) {
	mem := memory.NewGoAllocator()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(mem),
	)
	w, err := pqarrow.NewFileWriter(MetricSchema, &buf, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return nil, fmt.Errorf("encoding: create parquet writer: %w", err)
	}

	if len(records) > 0 {
		rec, err := buildRecordBatch(mem, records)
		if err != nil {
			w.Close()
			return nil, err
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("encoding: write parquet: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encoding: close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func buildRecordBatch(mem memory.Allocator, records []model.MetricRecord) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, MetricSchema)
	defer b.Release()
	for _, f := range b.Fields() {
		f.Reserve(len(records))
	}

	ts := b.Field(colTimestamp).(*array.TimestampBuilder)
	ns := b.Field(colNamespace).(*array.StringBuilder)
	names := b.Field(colMetricName).(*array.StringBuilder)
	dims := b.Field(colDimensions).(*array.StringBuilder)
	values := b.Field(colValue).(*array.Float64Builder)
	stats := b.Field(colStat).(*array.StringBuilder)
	periods := b.Field(colPeriod).(*array.Int32Builder)
	regions := b.Field(colRegion).(*array.StringBuilder)

	for _, r := range records {
		encoded, err := json.Marshal(dimensionsOrEmpty(r.Dimensions))
		if err != nil {
			return nil, fmt.Errorf("encoding: marshal dimensions: %w", err)
		}
		ts.Append(arrow.Timestamp(r.Timestamp.UnixMilli()))
		ns.Append(r.Namespace)
		names.Append(r.MetricName)
		dims.Append(string(encoded))
		values.Append(r.Value)
		stats.Append(r.Stat)
		periods.Append(r.Period)
		regions.Append(r.Region)
	}
	return b.NewRecord(), nil
}

// DecodeParquet reads a metrics artifact produced by EncodeParquet.
// Unparseable dimension blobs decode as an empty set.
func DecodeParquet(data []byte) ([]model.MetricRecord, error) {
	mem := memory.NewGoAllocator()
	tbl, err := pqarrow.ReadTable(context.Background(), bytes.NewReader(data),
		parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("encoding: read parquet: %w", err)
	}
	defer tbl.Release()

	if got := int(tbl.NumCols()); got < numColumns {
		return nil, fmt.Errorf("encoding: expected %d columns in metric batch but found %d", numColumns, got)
	}
	for i, f := range MetricSchema.Fields() {
		if name := tbl.Schema().Field(i).Name; name != f.Name {
			return nil, fmt.Errorf("encoding: column %d is %q, want %q", i, name, f.Name)
		}
	}

	records := make([]model.MetricRecord, 0, tbl.NumRows())
	tr := array.NewTableReader(tbl, 4096)
	defer tr.Release()
	for tr.Next() {
		got, err := decodeBatch(tr.Record())
		if err != nil {
			return nil, err
		}
		records = append(records, got...)
	}
	if err := tr.Err(); err != nil {
		return nil, fmt.Errorf("encoding: iterate parquet: %w", err)
	}
	return records, nil
}

func decodeBatch(rec arrow.Record) ([]model.MetricRecord, error) {
	ts, ok := rec.Column(colTimestamp).(*array.Timestamp)
	if !ok {
		return nil, columnTypeError("timestamp", rec.Column(colTimestamp))
	}
	values, ok := rec.Column(colValue).(*array.Float64)
	if !ok {
		return nil, columnTypeError("value", rec.Column(colValue))
	}
	periods, ok := rec.Column(colPeriod).(*array.Int32)
	if !ok {
		return nil, columnTypeError("period", rec.Column(colPeriod))
	}
	strs := make(map[int]*array.String, 5)
	for _, col := range []int{colNamespace, colMetricName, colDimensions, colStat, colRegion} {
		s, ok := rec.Column(col).(*array.String)
		if !ok {
			return nil, columnTypeError(MetricSchema.Field(col).Name, rec.Column(col))
		}
		strs[col] = s
	}

	n := int(rec.NumRows())
	out := make([]model.MetricRecord, 0, n)
	for i := 0; i < n; i++ {
		dims := map[string]string{}
		if err := json.Unmarshal([]byte(strs[colDimensions].Value(i)), &dims); err != nil {
			dims = map[string]string{}
		}
		out = append(out, model.MetricRecord{
			Timestamp:  time.UnixMilli(int64(ts.Value(i))).UTC(),
			Namespace:  strs[colNamespace].Value(i),
			MetricName: strs[colMetricName].Value(i),
			Dimensions: dims,
			Value:      values.Value(i),
			Stat:       strs[colStat].Value(i),
			Period:     periods.Value(i),
			Region:     strs[colRegion].Value(i),
		})
	}
	return out, nil
}

func columnTypeError(name string, arr arrow.Array) error {
	return fmt.Errorf("encoding: %s column has type %s", name, arr.DataType())
}
