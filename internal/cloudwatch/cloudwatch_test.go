package cloudwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cw "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/stratus/internal/model"
)

type fakeAPI struct {
	listIn  []*cw.ListMetricsInput
	dataIn  []*cw.GetMetricDataInput
	listOut *cw.ListMetricsOutput
	dataOut *cw.GetMetricDataOutput
	err     error
}

func (f *fakeAPI) ListMetrics(_ context.Context, in *cw.ListMetricsInput, _ ...func(*cw.Options)) (*cw.ListMetricsOutput, error) {
	f.listIn = append(f.listIn, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.listOut, nil
}

func (f *fakeAPI) GetMetricData(_ context.Context, in *cw.GetMetricDataInput, _ ...func(*cw.Options)) (*cw.GetMetricDataOutput, error) {
	f.dataIn = append(f.dataIn, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.dataOut, nil
}

func TestListMetricsConvertsPage(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{listOut: &cw.ListMetricsOutput{
		Metrics: []types.Metric{
			{
				Namespace:  aws.String("AWS/EC2"),
				MetricName: aws.String("CPUUtilization"),
				Dimensions: []types.Dimension{{Name: aws.String("InstanceId"), Value: aws.String("i-1")}},
			},
			{Namespace: aws.String("AWS/EC2"), MetricName: aws.String("StatusCheckFailed")},
		},
		NextToken: aws.String("tok-2"),
	}}
	c := NewClient(api, "us-east-1")

	page, err := c.ListMetrics(context.Background(), "AWS/EC2", "")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", page.NextToken)
	assert.Equal(t, []model.Metric{
		{Namespace: "AWS/EC2", MetricName: "CPUUtilization", Dimensions: []model.Dimension{{Name: "InstanceId", Value: "i-1"}}},
		{Namespace: "AWS/EC2", MetricName: "StatusCheckFailed"},
	}, page.Metrics)

	require.Len(t, api.listIn, 1)
	assert.Equal(t, "AWS/EC2", aws.ToString(api.listIn[0].Namespace))
	assert.Nil(t, api.listIn[0].NextToken, "first page must not send a token")

	_, err = c.ListMetrics(context.Background(), "AWS/EC2", "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", aws.ToString(api.listIn[1].NextToken))
}

func TestGetMetricDataBuildsRequest(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 2, 1, 0, 5, 0, 0, time.UTC)
	api := &fakeAPI{dataOut: &cw.GetMetricDataOutput{
		MetricDataResults: []types.MetricDataResult{
			{Id: aws.String("m0_CPUUtilization"), Timestamps: []time.Time{ts}, Values: []float64{3.5}},
		},
	}}
	c := NewClient(api, "eu-west-1")

	start := ts.Add(-time.Hour)
	resp, err := c.GetMetricData(context.Background(), model.DataRequest{
		Queries: []model.MetricQuery{{
			ID:     "m0_CPUUtilization",
			Metric: model.Metric{Namespace: "AWS/EC2", MetricName: "CPUUtilization", Dimensions: []model.Dimension{{Name: "InstanceId", Value: "i-1"}}},
			Stat:   "Maximum",
			Period: 60,
		}},
		Start: start,
		End:   ts,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.NextToken)
	assert.Equal(t, []model.QueryResult{{ID: "m0_CPUUtilization", Timestamps: []time.Time{ts}, Values: []float64{3.5}}}, resp.Results)

	require.Len(t, api.dataIn, 1)
	in := api.dataIn[0]
	assert.Equal(t, types.ScanByTimestampAscending, in.ScanBy)
	assert.Equal(t, start, aws.ToTime(in.StartTime))
	assert.Equal(t, ts, aws.ToTime(in.EndTime))
	require.Len(t, in.MetricDataQueries, 1)
	q := in.MetricDataQueries[0]
	assert.Equal(t, "m0_CPUUtilization", aws.ToString(q.Id))
	assert.True(t, aws.ToBool(q.ReturnData))
	assert.Equal(t, int32(60), aws.ToInt32(q.MetricStat.Period))
	assert.Equal(t, "Maximum", aws.ToString(q.MetricStat.Stat))
	assert.Equal(t, "CPUUtilization", aws.ToString(q.MetricStat.Metric.MetricName))
	require.Len(t, q.MetricStat.Metric.Dimensions, 1)
	assert.Equal(t, "i-1", aws.ToString(q.MetricStat.Metric.Dimensions[0].Value))
}

func TestClientPropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("throttled")
	c := NewClient(&fakeAPI{err: boom}, "us-east-1")
	_, err := c.ListMetrics(context.Background(), "AWS/EC2", "")
	assert.ErrorIs(t, err, boom)
	_, err = c.GetMetricData(context.Background(), model.DataRequest{})
	assert.ErrorIs(t, err, boom)
}

func TestFactoryCachesPerRegion(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	var created []string
	f.newAPI = func(_ context.Context, region string) (API, error) {
		created = append(created, region)
		return &fakeAPI{}, nil
	}

	ctx := context.Background()
	a1, err := f.ForRegion(ctx, "us-east-1")
	require.NoError(t, err)
	a2, err := f.ForRegion(ctx, "us-east-1")
	require.NoError(t, err)
	b, err := f.ForRegion(ctx, "ap-south-1")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, []string{"us-east-1", "ap-south-1"}, created)
	assert.Equal(t, "ap-south-1", b.(*Client).Region())
}

func TestFactoryDoesNotCacheFailures(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	calls := 0
	f.newAPI = func(context.Context, string) (API, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no credentials")
		}
		return &fakeAPI{}, nil
	}
	_, err := f.ForRegion(context.Background(), "us-east-1")
	require.Error(t, err)
	_, err = f.ForRegion(context.Background(), "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFactorySlowRegionDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	release := make(chan struct{})
	entered := make(chan struct{})
	f.newAPI = func(ctx context.Context, region string) (API, error) {
		if region == "us-east-1" {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &fakeAPI{}, nil
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := f.ForRegion(context.Background(), "us-east-1")
		slowDone <- err
	}()
	<-entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := f.ForRegion(context.Background(), "eu-west-1")
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("eu-west-1 client creation waited on the slow us-east-1 lookup")
	}

	close(release)
	require.NoError(t, <-slowDone)
}

func TestFactoryConcurrentSameRegionSharesClient(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	f.newAPI = func(context.Context, string) (API, error) { return &fakeAPI{}, nil }

	const workers = 8
	clients := make(chan model.MonitoringClient, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.ForRegion(context.Background(), "us-east-1")
			assert.NoError(t, err)
			clients <- c
		}()
	}
	wg.Wait()
	close(clients)

	first := <-clients
	for c := range clients {
		assert.Same(t, first, c)
	}
}
