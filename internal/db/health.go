package db

import (
	"context"
	"database/sql"
	"time"
)

// HealthChecker reports connectivity and pool usage for the /health endpoint.
type HealthChecker struct {
	db *sql.DB
}

func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{db: db}
}

type HealthStatus struct {
	Status          string        `json:"status"`
	Latency         time.Duration `json:"latency"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	Error           string        `json:"error,omitempty"`
}

// CheckHealth pings the database and snapshots pool statistics.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{Status: "healthy"}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		status.Status = "unhealthy"
		status.Error = err.Error()
	}

	stats := h.db.Stats()
	status.OpenConnections = stats.OpenConnections
	status.InUse = stats.InUse
	status.Idle = stats.Idle
	status.WaitCount = stats.WaitCount
	status.Latency = time.Since(start)
	return status
}
