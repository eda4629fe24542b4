package scraper

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/stratus/internal/model"
)

type fetchParams struct {
	region string
	stat   string
	period int32
	start  time.Time
	end    time.Time
}

type describedQuery struct {
	id     string
	metric model.Metric
}

// fetchNamespace queries every metric of one namespace, batch by batch, and
// returns the datapoints in provider order. The first failing batch fails
// the namespace.
func (s *Scraper) fetchNamespace(ctx context.Context, client model.MonitoringClient, metrics []model.Metric, p fetchParams) ([]model.MetricRecord, error) {
	queries := make([]describedQuery, 0, len(metrics))
	for i, m := range metrics {
		if m.MetricName == "" {
			continue
		}
		queries = append(queries, describedQuery{id: queryID(i, m.MetricName), metric: m})
	}

	var records []model.MetricRecord
	for n, batch := range Batch(queries, s.cfg.MaxQueriesPerBatch) {
		got, err := s.fetchBatch(ctx, client, batch, p)
		if err != nil {
			return nil, fmt.Errorf("batch %d (%d queries): %w", n, len(batch), err)
		}
		records = append(records, got...)
	}
	return records, nil
}

// fetchBatch issues one batched data request, draining response pages, and
// converts each (timestamp, value) pair into a record.
func (s *Scraper) fetchBatch(ctx context.Context, client model.MonitoringClient, batch []describedQuery, p fetchParams) ([]model.MetricRecord, error) {
	byID := make(map[string]model.Metric, len(batch))
	req := model.DataRequest{
		Queries: make([]model.MetricQuery, 0, len(batch)),
		Start:   p.start,
		End:     p.end,
	}
	for _, q := range batch {
		byID[q.id] = q.metric
		req.Queries = append(req.Queries, model.MetricQuery{
			ID:     q.id,
			Metric: q.metric,
			Stat:   p.stat,
			Period: p.period,
		})
	}

	var records []model.MetricRecord
	for {
		s.telemetry.DataRequest()
		resp, err := client.GetMetricData(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("get metric data: %w", err)
		}

		for _, result := range resp.Results {
			metric, ok := byID[result.ID]
			if !ok {
				s.log.WithField("query_id", result.ID).Debug("received metric data for unknown query identifier")
				continue
			}
			if len(result.Timestamps) != len(result.Values) {
				s.log.WithFields(logrus.Fields{
					"query_id":   result.ID,
					"timestamps": len(result.Timestamps),
					"values":     len(result.Values),
				}).Debug("timestamp/value length mismatch, extra entries dropped")
			}
			records = appendRecords(records, metric, result, p)
		}

		if resp.NextToken == "" {
			return records, nil
		}
		if resp.NextToken == req.NextToken {
			return nil, fmt.Errorf("get metric data: provider repeated continuation token %q", resp.NextToken)
		}
		req.NextToken = resp.NextToken
	}
}

func appendRecords(records []model.MetricRecord, metric model.Metric, result model.QueryResult, p fetchParams) []model.MetricRecord {
	n := min(len(result.Timestamps), len(result.Values))
	if n == 0 {
		return records
	}
	dims := metric.DimensionMap()
	for i := 0; i < n; i++ {
		records = append(records, model.MetricRecord{
			Timestamp:  result.Timestamps[i].UTC(),
			Namespace:  metric.Namespace,
			MetricName: metric.MetricName,
			Dimensions: maps.Clone(dims),
			Value:      result.Values[i],
			Stat:       p.stat,
			Period:     p.period,
			Region:     p.region,
		})
	}
	return records
}
