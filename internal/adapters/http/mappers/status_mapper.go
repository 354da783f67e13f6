package mappers

import (
	"net/http"

	"github.com/architeacher/svc-messaging/internal/domain"
)

// HealthStatusToHTTP maps the overall health to the status code served at the health endpoint.
// A degraded service still answers 200 so load balancers keep routing to it.
func HealthStatusToHTTP(status domain.HealthResponseStatus) int {
	if status.Serving() {
		return http.StatusOK
	}

	return http.StatusServiceUnavailable
}

// ReceiptStatusToHTTP is 202 for buffered receipts and 201 for messages the broker accepted.
func ReceiptStatusToHTTP(receipt *domain.PublishReceipt) int {
	if receipt != nil && receipt.Buffered {
		return http.StatusAccepted
	}

	return http.StatusCreated
}
