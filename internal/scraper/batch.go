package scraper

import (
	"fmt"
	"strings"

	"github.com/tinytelemetry/stratus/internal/model"
)

// maxQueryIDLen is the provider's limit on sub-query identifiers.
const maxQueryIDLen = 255

// FilterMetrics keeps the metrics allow reports true for, in their original
// order. A nil allow passes everything through.
func FilterMetrics(metrics []model.Metric, allow func(name string) bool) []model.Metric {
	if allow == nil {
		return metrics
	}
	out := make([]model.Metric, 0, len(metrics))
	for _, m := range metrics {
		if allow(m.MetricName) {
			out = append(out, m)
		}
	}
	return out
}

// Batch splits items into consecutive batches of at most size elements.
// Only the last batch can be shorter. A size below one is treated as one.
func Batch[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	if len(items) == 0 {
		return nil
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end:end])
	}
	return batches
}

// queryID builds the sub-query identifier for the metric at index. The
// result starts with a lowercase letter and holds only [A-Za-z0-9_].
func queryID(index int, metricName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "m%d_", index)
	for _, r := range metricName {
		if r < 128 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	id := b.String()
	if len(id) > maxQueryIDLen {
		id = id[:maxQueryIDLen]
	}
	return id
}
