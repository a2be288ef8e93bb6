package flux

import (
	"time"
)

// HealthStatus classifies engine health.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the outcome of an engine health check.
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message"`
	CheckedAt time.Time      `json:"checked_at"`
	Details   map[string]any `json:"details,omitempty"`
}

// degradedUtilization is the queue fill ratio past which the engine
// reports degraded health.
const degradedUtilization = 0.9

// Health reports engine health: unhealthy when closed or the loop is
// not running, degraded when the queue is nearly full or pool workers
// have died, healthy otherwise.
func (e *Engine) Health() *HealthCheckResult {
	m := e.Metrics()

	result := &HealthCheckResult{
		CheckedAt: time.Now(),
		Details: map[string]any{
			"queue_size":     m.QueueSize,
			"queue_capacity": m.QueueCapacity,
			"in_flight":      m.InFlight,
			"dead_letters":   m.DeadLetters,
		},
	}

	if e.status.Load() == engineClosed {
		result.Status = HealthStatusUnhealthy
		result.Message = "engine is closed"
		return result
	}
	if !m.IsProcessing {
		result.Status = HealthStatusUnhealthy
		result.Message = "processing loop is not running"
		return result
	}

	if e.pool != nil {
		active := e.pool.ActiveWorkers()
		result.Details["active_workers"] = active
		result.Details["pool_size"] = e.pool.Size()
		if active < e.pool.Size() {
			result.Status = HealthStatusDegraded
			result.Message = "worker pool is short-handed"
			return result
		}
	}

	if m.QueueUtilization >= degradedUtilization {
		result.Status = HealthStatusDegraded
		result.Message = "queue is nearly full"
		return result
	}

	result.Status = HealthStatusHealthy
	result.Message = "engine is healthy"
	return result
}
