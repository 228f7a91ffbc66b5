// -----------------------------------------------------------------------
// Health check result types
// -----------------------------------------------------------------------

package models

import "time"

// HealthState summarizes one check or the whole service.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// HealthCheck is the outcome of a single dependency probe.
type HealthCheck struct {
	Name       string      `json:"name"`
	State      HealthState `json:"state"`
	Detail     string      `json:"detail,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// HealthSummary is the body of GET /health.
type HealthSummary struct {
	State     HealthState `json:"status"`
	Version   string      `json:"version"`
	UptimeSec int64       `json:"uptime_seconds"`
	CheckedAt time.Time   `json:"checked_at"`
}

// HealthDetail is the body of GET /health/detailed.
type HealthDetail struct {
	HealthSummary
	Checks []HealthCheck `json:"checks"`
}
