package scraper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/stratus/internal/model"
)

// fakeClient serves canned metric listings and synthesizes datapoints for
// every query it receives.
type fakeClient struct {
	region   string
	pages    map[string][]model.MetricPage // namespace -> pages
	points   int                           // datapoints per query
	listErr  error
	fetchErr error
	delay    time.Duration

	mu       sync.Mutex
	requests []model.DataRequest
	listed   []string

	inFlight *inFlightCounter
}

func (c *fakeClient) ListMetrics(ctx context.Context, namespace, token string) (model.MetricPage, error) {
	if c.inFlight != nil {
		c.inFlight.enter()
		defer c.inFlight.leave()
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return model.MetricPage{}, ctx.Err()
		}
	}
	c.mu.Lock()
	c.listed = append(c.listed, namespace+"@"+token)
	c.mu.Unlock()

	if c.listErr != nil {
		return model.MetricPage{}, c.listErr
	}
	pages := c.pages[namespace]
	if len(pages) == 0 {
		return model.MetricPage{}, nil
	}
	idx := 0
	if token != "" {
		if _, err := fmt.Sscanf(token, "page-%d", &idx); err != nil {
			return model.MetricPage{}, err
		}
	}
	return pages[idx], nil
}

func (c *fakeClient) GetMetricData(ctx context.Context, req model.DataRequest) (model.DataResponse, error) {
	if err := ctx.Err(); err != nil {
		return model.DataResponse{}, err
	}
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.fetchErr != nil {
		return model.DataResponse{}, c.fetchErr
	}
	var resp model.DataResponse
	for _, q := range req.Queries {
		result := model.QueryResult{ID: q.ID}
		for i := 0; i < c.points; i++ {
			result.Timestamps = append(result.Timestamps, req.Start.Add(time.Duration(i)*time.Duration(q.Period)*time.Second))
			result.Values = append(result.Values, float64(i))
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, nil
}

func (c *fakeClient) dataRequests() []model.DataRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.DataRequest(nil), c.requests...)
}

type fakeFactory struct {
	clients map[string]*fakeClient
	err     error
}

func (f *fakeFactory) ForRegion(_ context.Context, region string) (model.MonitoringClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.clients[region]
	if !ok {
		return nil, fmt.Errorf("no client for region %s", region)
	}
	return c, nil
}

// inFlightCounter records the peak number of concurrent callers.
type inFlightCounter struct {
	cur  atomic.Int64
	peak atomic.Int64
}

func (c *inFlightCounter) enter() {
	n := c.cur.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (c *inFlightCounter) leave() { c.cur.Add(-1) }

func metricsNamed(namespace string, names ...string) []model.Metric {
	out := make([]model.Metric, 0, len(names))
	for i, n := range names {
		out = append(out, model.Metric{
			Namespace:  namespace,
			MetricName: n,
			Dimensions: []model.Dimension{{Name: "InstanceId", Value: fmt.Sprintf("i-%04d", i)}},
		})
	}
	return out
}
