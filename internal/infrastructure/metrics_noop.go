package infrastructure

import (
	"context"
	"net/http"
	"time"
)

type NoOpMetrics struct{}

func (n *NoOpMetrics) RecordHTTPRequest(context.Context, string, string, int, time.Duration, int64, int64) {
}

func (n *NoOpMetrics) RecordProduce(context.Context, string, time.Duration, error) {}

func (n *NoOpMetrics) RecordDelivery(context.Context, string, string, time.Duration) {}

func (n *NoOpMetrics) RecordOutboxEntry(context.Context, string) {}

func (n *NoOpMetrics) RecordUseCase(context.Context, string, int) {}

func (n *NoOpMetrics) OnRetry(string, int, error, time.Duration) {}

func (n *NoOpMetrics) OnBreakerStateChange(string, string, string) {}

func (n *NoOpMetrics) OnExhausted(string, int, error) {}

func (n *NoOpMetrics) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (n *NoOpMetrics) Shutdown(context.Context) error {
	return nil
}
