package api

import (
	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/worker"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
	Allocations   int    `json:"allocations"`
}

// WorkersResponse is returned by GET /workers.
type WorkersResponse struct {
	Workers []worker.Snapshot `json:"workers"`
}

// ActionResponse acknowledges a release or kill.
type ActionResponse struct {
	WorkerID string `json:"worker_id"`
	Action   string `json:"action"`
}

// AllocationsResponse is returned by GET /allocations.
type AllocationsResponse struct {
	Allocations []arbiter.Allocation `json:"allocations"`
}
