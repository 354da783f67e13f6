package domain

type (
	DependencyCheckStatus string

	HealthResponseStatus string
)

const (
	DependencyCheckStatusHealthy   DependencyCheckStatus = "healthy"
	DependencyCheckStatusDisabled  DependencyCheckStatus = "disabled"
	DependencyCheckStatusUnhealthy DependencyCheckStatus = "unhealthy"
)

const (
	HealthResponseStatusHealthy   HealthResponseStatus = "healthy"
	HealthResponseStatusDegraded  HealthResponseStatus = "degraded"
	HealthResponseStatusUnhealthy HealthResponseStatus = "unhealthy"
)

// CombineHealth derives the service status from the broker, which the service cannot run
// without, and the cache, which only backs dedup and the outbox.
func CombineHealth(broker, cache DependencyCheckStatus) HealthResponseStatus {
	switch {
	case broker == DependencyCheckStatusUnhealthy:
		return HealthResponseStatusUnhealthy
	case cache == DependencyCheckStatusUnhealthy:
		return HealthResponseStatusDegraded
	default:
		return HealthResponseStatusHealthy
	}
}

// Serving reports whether the instance should keep receiving traffic.
func (s HealthResponseStatus) Serving() bool {
	return s == HealthResponseStatusHealthy || s == HealthResponseStatusDegraded
}
