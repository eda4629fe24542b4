package encoding

import (
	"encoding/json"
	"fmt"

	"github.com/tinytelemetry/stratus/internal/model"
)

// EncodeJSON renders records as an indented JSON array. Dimension keys are
// emitted in sorted order.
func EncodeJSON(records []model.MetricRecord) ([]byte, error) {
	out := make([]model.MetricRecord, len(records))
	for i, r := range records {
		r.Dimensions = dimensionsOrEmpty(r.Dimensions)
		out[i] = r
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding: marshal json: %w", err)
	}
	return data, nil
}

// DecodeJSON parses a JSON array of records.
func DecodeJSON(data []byte) ([]model.MetricRecord, error) {
	var records []model.MetricRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("encoding: unmarshal json: %w", err)
	}
	for i := range records {
		records[i].Timestamp = records[i].Timestamp.UTC()
		records[i].Dimensions = dimensionsOrEmpty(records[i].Dimensions)
	}
	return records, nil
}
