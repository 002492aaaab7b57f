package cache

import (
	"context"
	"strings"
	"time"

	"billdesk/backend/internal/domain"
)

const keyPrefix = "billdesk:report:"

type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.Dashboard, bool, error)
	Set(ctx context.Context, key string, value *domain.Dashboard, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

// ReportKey builds the cache key for a dashboard scope. An empty editor
// means the store-wide view.
func ReportKey(scope string, editor string) string {
	parts := []string{keyPrefix + scope}
	if editor != "" {
		parts = append(parts, strings.ToLower(editor))
	}
	return strings.Join(parts, ":")
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.Dashboard, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.Dashboard, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context) error {
	return nil
}
