// Package encoding turns a run's record set into artifact bytes and back.
// Encoders are format-specific and target-agnostic: sinks only see bytes.
package encoding

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/tinytelemetry/stratus/internal/config"
	"github.com/tinytelemetry/stratus/internal/model"
)

// ErrNonFiniteValue is returned when a record holds NaN or ±Inf.
var ErrNonFiniteValue = errors.New("encoding: non-finite metric value")

// Encode serializes records in the requested format.
func Encode(format config.Format, records []model.MetricRecord) ([]byte, error) {
	if err := checkFinite(records); err != nil {
		return nil, err
	}
	switch format {
	case config.FormatJSON:
		return EncodeJSON(records)
	case config.FormatParquet:
		return EncodeParquet(records)
	default:
		return nil, fmt.Errorf("encoding: unsupported format %v", format)
	}
}

// Decode parses an artifact previously produced by Encode.
func Decode(format config.Format, data []byte) ([]model.MetricRecord, error) {
	switch format {
	case config.FormatJSON:
		return DecodeJSON(data)
	case config.FormatParquet:
		return DecodeParquet(data)
	default:
		return nil, fmt.Errorf("encoding: unsupported format %v", format)
	}
}

// FormatFromKey infers the format of an artifact from its file name or
// object key. Anything not ending in .json is read as Parquet.
func FormatFromKey(key string) config.Format {
	if strings.HasSuffix(strings.ToLower(key), ".json") {
		return config.FormatJSON
	}
	return config.FormatParquet
}

func checkFinite(records []model.MetricRecord) error {
	for i, r := range records {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return fmt.Errorf("%w: record %d (%s/%s in %s) = %v", ErrNonFiniteValue, i, r.Namespace, r.MetricName, r.Region, r.Value)
		}
	}
	return nil
}

// dimensionsOrEmpty keeps empty dimension sets serialized as {} instead of null.
func dimensionsOrEmpty(d map[string]string) map[string]string {
	if d == nil {
		return map[string]string{}
	}
	return d
}
