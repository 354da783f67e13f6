package domain

import (
	"time"
)

type (
	DependencyStatus struct {
		Status       DependencyCheckStatus `json:"status"`
		ResponseTime float32               `json:"response_time_ms"`
		LastChecked  time.Time             `json:"last_checked"`
		Error        string                `json:"error,omitempty"`
	}

	// HealthResult is the broker and cache view served at the health endpoint.
	HealthResult struct {
		OverallStatus HealthResponseStatus `json:"status"`
		Broker        DependencyStatus     `json:"broker"`
		Cache         DependencyStatus     `json:"cache"`
		Uptime        float32              `json:"uptime_seconds"`
		Version       string               `json:"version"`
	}
)
