package health

import (
	"fmt"
	"time"
)

// Constants for uplink health states
const (
	DegradedThreshold = 3
	OfflineThreshold  = 10

	StateNormal   = "normal"
	StateDegraded = "degraded"
	StateOffline  = "offline"
)

// Health tracks the delivery health of the report uplink
type Health struct {
	ConsecutiveFailures int
	LastSuccessTime     time.Time
	LastFailureTime     time.Time
	State               string
}

// New creates a new Health instance
func New() *Health {
	return &Health{
		State: StateNormal,
	}
}

// MarkSuccess records a delivered report and restores normal state
func (h *Health) MarkSuccess() {
	h.ConsecutiveFailures = 0
	h.LastSuccessTime = time.Now()
	h.State = StateNormal
}

// MarkFailure records a failed or timed-out delivery attempt
func (h *Health) MarkFailure() {
	h.ConsecutiveFailures++
	h.LastFailureTime = time.Now()
	switch {
	case h.ConsecutiveFailures >= OfflineThreshold:
		h.State = StateOffline
	case h.ConsecutiveFailures >= DegradedThreshold:
		h.State = StateDegraded
	}
}

// IsDegraded returns true if deliveries are failing but not yet offline
func (h *Health) IsDegraded() bool {
	return h.State == StateDegraded
}

// IsOffline returns true if the uplink is considered down
func (h *Health) IsOffline() bool {
	return h.State == StateOffline
}

// String returns a string representation of the health
func (h *Health) String() string {
	return fmt.Sprintf("Health{State: %s, ConsecutiveFailures: %d}", h.State, h.ConsecutiveFailures)
}
