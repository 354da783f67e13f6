package adapters

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/architeacher/svc-messaging/internal/adapters/http/mappers"
	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/infrastructure"
	"github.com/architeacher/svc-messaging/internal/ports"
	"github.com/architeacher/svc-messaging/internal/usecases"
	"github.com/architeacher/svc-messaging/internal/usecases/commands"
	"github.com/architeacher/svc-messaging/pkg/resilience"
)

const defaultMaxBodyBytes int64 = 1 << 20

type (
	GatewayHandler struct {
		app           *usecases.GatewayApplication
		healthChecker ports.HealthChecker
		maxBodyBytes  int64
		logger        infrastructure.Logger
	}

	ErrorResponse struct {
		Error      string         `json:"error"`
		Message    string         `json:"message"`
		Details    map[string]any `json:"details,omitempty"`
		StatusCode int            `json:"status_code"`
		Timestamp  time.Time      `json:"timestamp"`
	}
)

func NewGatewayHandler(
	app *usecases.GatewayApplication,
	healthChecker ports.HealthChecker,
	maxBodyBytes int64,
	logger infrastructure.Logger,
) *GatewayHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}

	return &GatewayHandler{
		app:           app,
		healthChecker: healthChecker,
		maxBodyBytes:  maxBodyBytes,
		logger:        logger,
	}
}

// Publish hands any request to the executor chain. Routing happens there, not in the router, so
// unmatched paths can still reach the fallback topic.
func (h *GatewayHandler) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(w, domain.NewPayloadTooLargeError(maxBytesErr.Limit))

			return
		}

		h.writeError(w, domain.NewInvalidRequestError("Failed to read request body", err))

		return
	}

	receipt, err := h.app.Commands.PublishMessageHandler.Handle(r.Context(), commands.PublishMessageCommand{
		Execution: &resilience.ExecutionContext{
			Method:   r.Method,
			Path:     r.URL.Path,
			Body:     body,
			Metadata: ProduceMetadata(r.Header),
		},
	})
	if err != nil {
		domainErr := mappers.ErrorToDomain(err, r.Method, r.URL.Path)

		if domainErr.StatusCode >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("publish failed")
		}

		h.writeError(w, domainErr)

		return
	}

	h.writeJSON(w, mappers.ReceiptStatusToHTTP(receipt), receipt)
}

func (h *GatewayHandler) Health(w http.ResponseWriter, r *http.Request) {
	result := h.healthChecker.CheckHealth(r.Context())

	h.writeJSON(w, mappers.HealthStatusToHTTP(result.OverallStatus), result)
}

func (h *GatewayHandler) writeError(w http.ResponseWriter, err *domain.DomainError) {
	if retryAfter, ok := err.Details["retry_after_seconds"].(int); ok && retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	h.writeJSON(w, err.StatusCode, ErrorResponse{
		Error:      err.Code,
		Message:    err.Message,
		Details:    err.Details,
		StatusCode: err.StatusCode,
		Timestamp:  time.Now().UTC(),
	})
}

func (h *GatewayHandler) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}
