package adapters

import (
	"context"
	"time"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/internal/ports"
)

type (
	// ConnectionReporter is satisfied by queue.Queue and messaging.Client.
	ConnectionReporter interface {
		IsConnected() bool
	}

	Pinger interface {
		Ping(ctx context.Context) error
	}

	// HealthChecker reports the broker connection and, when configured, the cache.
	HealthChecker struct {
		broker    ConnectionReporter
		cache     Pinger
		version   string
		startTime time.Time
	}
)

// NewHealthChecker creates a health checker. A nil cache is reported as disabled.
func NewHealthChecker(broker ConnectionReporter, cache Pinger, version string) ports.HealthChecker {
	return &HealthChecker{
		broker:    broker,
		cache:     cache,
		version:   version,
		startTime: time.Now(),
	}
}

func (h *HealthChecker) CheckHealth(ctx context.Context) *domain.HealthResult {
	brokerStatus := h.checkBrokerHealth()
	cacheStatus := h.checkCacheHealth(ctx)

	return &domain.HealthResult{
		OverallStatus: domain.CombineHealth(brokerStatus.Status, cacheStatus.Status),
		Broker:        brokerStatus,
		Cache:         cacheStatus,
		Uptime:        float32(time.Since(h.startTime).Seconds()),
		Version:       h.version,
	}
}

func (h *HealthChecker) checkBrokerHealth() domain.DependencyStatus {
	start := time.Now()

	status := domain.DependencyStatus{
		Status:      domain.DependencyCheckStatusHealthy,
		LastChecked: start,
	}

	if !h.broker.IsConnected() {
		status.Status = domain.DependencyCheckStatusUnhealthy
		status.Error = "broker connection is down"
	}

	status.ResponseTime = float32(time.Since(start).Milliseconds())

	return status
}

func (h *HealthChecker) checkCacheHealth(ctx context.Context) domain.DependencyStatus {
	start := time.Now()

	if h.cache == nil {
		return domain.DependencyStatus{
			Status:      domain.DependencyCheckStatusDisabled,
			LastChecked: start,
		}
	}

	status := domain.DependencyStatus{
		Status:      domain.DependencyCheckStatusHealthy,
		LastChecked: start,
	}

	if err := h.cache.Ping(ctx); err != nil {
		status.Status = domain.DependencyCheckStatusUnhealthy
		status.Error = err.Error()
	}

	status.ResponseTime = float32(time.Since(start).Milliseconds())

	return status
}
