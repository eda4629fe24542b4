package model

import (
	"context"
	"time"
)

// MetricPage is one page of a metric listing.
type MetricPage struct {
	Metrics   []Metric
	NextToken string // empty = last page
}

// MetricQuery names one sub-query of a batched data request.
type MetricQuery struct {
	ID     string
	Metric Metric
	Stat   string
	Period int32
}

// DataRequest is one batched time-range query over [Start, End).
type DataRequest struct {
	Queries   []MetricQuery
	Start     time.Time
	End       time.Time
	NextToken string
}

// QueryResult holds the parallel timestamp/value arrays for one sub-query.
type QueryResult struct {
	ID         string
	Timestamps []time.Time
	Values     []float64
}

// DataResponse is one page of a batched data response.
type DataResponse struct {
	Results   []QueryResult
	NextToken string
}

// MonitoringClient is the upstream monitoring API contract for a single region.
type MonitoringClient interface {
	ListMetrics(ctx context.Context, namespace, nextToken string) (MetricPage, error)
	GetMetricData(ctx context.Context, req DataRequest) (DataResponse, error)
}

// ClientFactory hands out a MonitoringClient bound to a region.
type ClientFactory interface {
	ForRegion(ctx context.Context, region string) (MonitoringClient, error)
}

// RecordWriter persists the full record set of one run.
type RecordWriter interface {
	Write(ctx context.Context, records []MetricRecord) error
}
