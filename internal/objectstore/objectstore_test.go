package objectstore

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutAPI struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func TestClientPut(t *testing.T) {
	t.Parallel()

	api := &fakePutAPI{}
	c := NewWithAPI(api, "metrics-bucket")
	require.NoError(t, c.Put(context.Background(), "cw/metrics_20260101_000000.json", []byte(`[]`), "application/json"))

	require.Len(t, api.inputs, 1)
	in := api.inputs[0]
	assert.Equal(t, "metrics-bucket", aws.ToString(in.Bucket))
	assert.Equal(t, "cw/metrics_20260101_000000.json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))
	assert.Equal(t, int64(2), aws.ToInt64(in.ContentLength))
	assert.Equal(t, []byte(`[]`), api.bodies[0])
}

func TestClientPutWrapsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("access denied")
	c := NewWithAPI(&fakePutAPI{err: boom}, "b")
	err := c.Put(context.Background(), "k", []byte("x"), "")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "s3://b/k")
}

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		endpoint string
		useSSL   bool
		want     string
	}{
		{"", true, ""},
		{"  ", false, ""},
		{"minio:9000", false, "http://minio:9000"},
		{"minio:9000", true, "https://minio:9000"},
		{"http://localhost:9000", true, "http://localhost:9000"},
		{"https://s3.example.com", false, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := normalizeEndpoint(tt.endpoint, tt.useSSL); got != tt.want {
			t.Errorf("normalizeEndpoint(%q, %v) = %q, want %q", tt.endpoint, tt.useSSL, got, tt.want)
		}
	}
}

func TestClientOptions(t *testing.T) {
	t.Parallel()

	var o s3.Options
	clientOptions(Config{Endpoint: "minio:9000", PathStyle: true})(&o)
	assert.Equal(t, "http://minio:9000", aws.ToString(o.BaseEndpoint))
	assert.True(t, o.UsePathStyle)

	var plain s3.Options
	clientOptions(Config{})(&plain)
	assert.Nil(t, plain.BaseEndpoint)
	assert.False(t, plain.UsePathStyle)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, err := New(ctx, Config{})
	require.Error(t, err)

	_, err = New(ctx, Config{Bucket: "b", AccessKey: "AKIA"})
	require.Error(t, err)

	c, err := New(ctx, Config{Bucket: "b", Region: "eu-west-1", AccessKey: "AKIA", SecretKey: "secret", Endpoint: "localhost:9000", PathStyle: true})
	require.NoError(t, err)
	assert.Equal(t, "b", c.Bucket())
}
