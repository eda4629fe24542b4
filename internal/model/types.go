package model

import (
	"sort"
	"time"
)

// MetricRecord is one datapoint of one metric as collected during a scrape run.
// It is the canonical type handed from the fetcher to every sink.
type MetricRecord struct {
	Timestamp  time.Time         `json:"timestamp"`
	Namespace  string            `json:"namespace"`
	MetricName string            `json:"metric_name"`
	Dimensions map[string]string `json:"dimensions"`
	Value      float64           `json:"value"`
	Stat       string            `json:"stat"`
	Period     int32             `json:"period"`
	Region     string            `json:"region"`
}

// Dimension is a name/value tag narrowing a metric to one resource.
type Dimension struct {
	Name  string
	Value string
}

// Metric identifies one published time series (namespace + name + dimension set).
type Metric struct {
	Namespace  string
	MetricName string
	Dimensions []Dimension
}

// DimensionMap flattens the metric's dimensions into a fresh map.
// Later duplicates of the same name win.
func (m Metric) DimensionMap() map[string]string {
	out := make(map[string]string, len(m.Dimensions))
	for _, d := range m.Dimensions {
		if d.Name == "" {
			continue
		}
		out[d.Name] = d.Value
	}
	return out
}

// DimensionKeys returns the dimension names of a record in sorted order.
func DimensionKeys(dims map[string]string) []string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
