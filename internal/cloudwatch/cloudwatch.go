// Package cloudwatch adapts the AWS CloudWatch API to model.MonitoringClient.
package cloudwatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/tinytelemetry/stratus/internal/model"
)

// API is the subset of the CloudWatch client used by Client.
type API interface {
	ListMetrics(ctx context.Context, in *cw.ListMetricsInput, optFns ...func(*cw.Options)) (*cw.ListMetricsOutput, error)
	GetMetricData(ctx context.Context, in *cw.GetMetricDataInput, optFns ...func(*cw.Options)) (*cw.GetMetricDataOutput, error)
}

// Client is a region-bound monitoring client.
type Client struct {
	api    API
	region string
}

var _ model.MonitoringClient = (*Client)(nil)

// NewClient wraps api for region.
func NewClient(api API, region string) *Client {
	return &Client{api: api, region: region}
}

// Region returns the region the client is bound to.
func (c *Client) Region() string { return c.region }

// ListMetrics returns one page of metrics published in namespace.
func (c *Client) ListMetrics(ctx context.Context, namespace, nextToken string) (model.MetricPage, error) {
	in := &cw.ListMetricsInput{Namespace: aws.String(namespace)}
	if nextToken != "" {
		in.NextToken = aws.String(nextToken)
	}
	out, err := c.api.ListMetrics(ctx, in)
	if err != nil {
		return model.MetricPage{}, err
	}

	page := model.MetricPage{
		Metrics:   make([]model.Metric, 0, len(out.Metrics)),
		NextToken: aws.ToString(out.NextToken),
	}
	for _, m := range out.Metrics {
		page.Metrics = append(page.Metrics, fromSDKMetric(m))
	}
	return page, nil
}

// GetMetricData issues one batched statistics request, timestamps ascending.
func (c *Client) GetMetricData(ctx context.Context, req model.DataRequest) (model.DataResponse, error) {
	in := &cw.GetMetricDataInput{
		MetricDataQueries: make([]types.MetricDataQuery, 0, len(req.Queries)),
		StartTime:         aws.Time(req.Start),
		EndTime:           aws.Time(req.End),
		ScanBy:            types.ScanByTimestampAscending,
	}
	if req.NextToken != "" {
		in.NextToken = aws.String(req.NextToken)
	}
	for _, q := range req.Queries {
		in.MetricDataQueries = append(in.MetricDataQueries, toSDKQuery(q))
	}

	out, err := c.api.GetMetricData(ctx, in)
	if err != nil {
		return model.DataResponse{}, err
	}

	resp := model.DataResponse{
		Results:   make([]model.QueryResult, 0, len(out.MetricDataResults)),
		NextToken: aws.ToString(out.NextToken),
	}
	for _, r := range out.MetricDataResults {
		resp.Results = append(resp.Results, model.QueryResult{
			ID:         aws.ToString(r.Id),
			Timestamps: r.Timestamps,
			Values:     r.Values,
		})
	}
	return resp, nil
}

func fromSDKMetric(m types.Metric) model.Metric {
	out := model.Metric{
		Namespace:  aws.ToString(m.Namespace),
		MetricName: aws.ToString(m.MetricName),
	}
	if len(m.Dimensions) > 0 {
		out.Dimensions = make([]model.Dimension, 0, len(m.Dimensions))
		for _, d := range m.Dimensions {
			out.Dimensions = append(out.Dimensions, model.Dimension{
				Name:  aws.ToString(d.Name),
				Value: aws.ToString(d.Value),
			})
		}
	}
	return out
}

func toSDKQuery(q model.MetricQuery) types.MetricDataQuery {
	dims := make([]types.Dimension, 0, len(q.Metric.Dimensions))
	for _, d := range q.Metric.Dimensions {
		dims = append(dims, types.Dimension{Name: aws.String(d.Name), Value: aws.String(d.Value)})
	}
	return types.MetricDataQuery{
		Id: aws.String(q.ID),
		MetricStat: &types.MetricStat{
			Metric: &types.Metric{
				Namespace:  aws.String(q.Metric.Namespace),
				MetricName: aws.String(q.Metric.MetricName),
				Dimensions: dims,
			},
			Period: aws.Int32(q.Period),
			Stat:   aws.String(q.Stat),
		},
		ReturnData: aws.Bool(true),
	}
}

// Factory creates one client per region using the default AWS credential
// chain and caches it for the life of the process.
type Factory struct {
	loadOpts []func(*awsconfig.LoadOptions) error
	newAPI   func(ctx context.Context, region string) (API, error)

	mu      sync.Mutex
	clients map[string]*Client
}

var _ model.ClientFactory = (*Factory)(nil)

// NewFactory returns a factory that loads AWS config with loadOpts plus the region.
func NewFactory(loadOpts ...func(*awsconfig.LoadOptions) error) *Factory {
	f := &Factory{
		loadOpts: loadOpts,
		clients:  make(map[string]*Client),
	}
	f.newAPI = f.loadAPI
	return f
}

func (f *Factory) loadAPI(ctx context.Context, region string) (API, error) {
	opts := make([]func(*awsconfig.LoadOptions) error, 0, len(f.loadOpts)+1)
	opts = append(opts, f.loadOpts...)
	opts = append(opts, awsconfig.WithRegion(region))
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config for %s: %w", region, err)
	}
	return cw.NewFromConfig(cfg), nil
}

// ForRegion returns the cached client for region, creating it on first use.
// Clients are built outside the lock so one slow credential lookup does not
// hold up other regions; the first client stored for a region wins.
func (f *Factory) ForRegion(ctx context.Context, region string) (model.MonitoringClient, error) {
	f.mu.Lock()
	c, ok := f.clients[region]
	f.mu.Unlock()
	if ok {
		return c, nil
	}

	api, err := f.newAPI(ctx, region)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[region]; ok {
		return c, nil
	}
	c = NewClient(api, region)
	f.clients[region] = c
	return c, nil
}
