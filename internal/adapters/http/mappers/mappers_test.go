package mappers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/pkg/queue"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

func exhausted(cause error) error {
	return &resilience.ExhaustedError{
		Key:      "Topics:orders",
		Attempts: 3,
		Cause:    &domain.PublishError{Request: domain.PublishRequest{Topic: "orders"}, Err: cause},
	}
}

func TestErrorToDomain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantTopic  any
	}{
		{
			name:       "unresolved",
			err:        resilience.ErrUnresolved,
			wantStatus: http.StatusNotFound,
			wantCode:   "ROUTE_NOT_FOUND",
		},
		{
			name:       "invalid topic",
			err:        &domain.PublishError{Request: domain.PublishRequest{Topic: "bad topic"}, Err: queue.ErrInvalidTopic},
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "rate limited",
			err:        exhausted(resilience.ErrRateLimited),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   "RATE_LIMITING_EXCEEDED",
		},
		{
			name:       "circuit open",
			err:        exhausted(resilience.ErrCircuitOpen),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "CIRCUIT_OPEN",
			wantTopic:  "orders",
		},
		{
			name:       "deadline",
			err:        exhausted(context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "TIMEOUT_EXCEEDED",
			wantTopic:  "orders",
		},
		{
			name:       "connection",
			err:        exhausted(queue.ConnectionError(errors.New("refused"))),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "BROKER_UNAVAILABLE",
			wantTopic:  "orders",
		},
		{
			name:       "unknown",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_SERVER_ERROR",
		},
		{
			name:       "already classified",
			err:        domain.NewPayloadTooLargeError(10),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   "PAYLOAD_TOO_LARGE",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ErrorToDomain(tc.err, http.MethodPost, "/v1/topics/orders/messages")

			require.NotNil(t, got)
			assert.Equal(t, tc.wantStatus, got.StatusCode)
			assert.Equal(t, tc.wantCode, got.Code)
			assert.ErrorIs(t, got, tc.err)

			if tc.wantTopic != nil {
				assert.Equal(t, tc.wantTopic, got.Details["topic"])
			}
		})
	}
}

func TestStatusMappers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusOK, HealthStatusToHTTP(domain.HealthResponseStatusHealthy))
	assert.Equal(t, http.StatusOK, HealthStatusToHTTP(domain.HealthResponseStatusDegraded))
	assert.Equal(t, http.StatusServiceUnavailable, HealthStatusToHTTP(domain.HealthResponseStatusUnhealthy))

	assert.Equal(t, http.StatusCreated, ReceiptStatusToHTTP(&domain.PublishReceipt{MessageID: "m-1"}))
	assert.Equal(t, http.StatusAccepted, ReceiptStatusToHTTP(&domain.PublishReceipt{Buffered: true}))
}
