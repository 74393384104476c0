package db

import "time"

// HealthState is the prober's view of one integration.
type HealthState string

const (
	StateUnknown  HealthState = "unknown"
	StateHealthy  HealthState = "healthy"
	StateDegraded HealthState = "degraded"
)

// Transition records one integration changing health state.
type Transition struct {
	ID          int64       `json:"id"`
	Integration string      `json:"integration"`
	From        HealthState `json:"from"`
	To          HealthState `json:"to"`
	Detail      string      `json:"detail,omitempty"`
	LatencyMs   int64       `json:"latencyMs"`
	At          time.Time   `json:"at"`
}
