package scraper

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/stratus/internal/model"
)

// Discover lists every metric published under namespace, following
// continuation tokens until the provider reports the last page.
func Discover(ctx context.Context, client model.MonitoringClient, namespace string) ([]model.Metric, error) {
	var (
		metrics []model.Metric
		token   string
	)
	for {
		page, err := client.ListMetrics(ctx, namespace, token)
		if err != nil {
			return nil, fmt.Errorf("list metrics: %w", err)
		}
		metrics = append(metrics, page.Metrics...)

		if page.NextToken == "" {
			return metrics, nil
		}
		if page.NextToken == token {
			return nil, fmt.Errorf("list metrics: provider repeated continuation token %q", token)
		}
		token = page.NextToken
	}
}
