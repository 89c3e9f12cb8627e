// Package publish holds the pure publish-decision function. It is stateless
// over a Snapshot so the scheduler and the sleep coordinator can re-run the
// same evaluation from different points of the wake cycle.
package publish

import "time"

// Reason says why a report should (or should not) be published now.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTime
	ReasonTriggers
	ReasonImmediate
)

func (r Reason) String() string {
	switch r {
	case ReasonTime:
		return "time"
	case ReasonTriggers:
		return "triggers"
	case ReasonImmediate:
		return "immediate"
	default:
		return "none"
	}
}

// Result is the decision plus scheduling hints. NetworkNeeded fires one
// early-wake lead before the real deadline so connectivity and lock are
// already established when it arrives. LockWait says the publish may be held
// back briefly waiting for a stable lock.
type Result struct {
	Reason        Reason
	NetworkNeeded bool
	LockWait      bool
}

// Snapshot is everything the decision depends on, at one instant. All times
// are monotonic service uptime.
type Snapshot struct {
	Now         time.Duration
	LastPublish time.Duration
	// Anchor is the steady-cadence reference, distinct from LastPublish.
	Anchor      time.Duration
	IntervalMin time.Duration
	IntervalMax time.Duration

	TriggersPending bool
	Immediate       bool

	FirstPublish        bool
	PendingFirstPublish bool

	// NetworkStarted is when the network/fix chain was last enabled.
	NetworkStarted time.Duration
	ConnectTimeout time.Duration
	EarlyWakeLead  time.Duration
	LockTimeout    time.Duration
}

// Evaluate yields the publish decision for a snapshot.
//
// Precedence: immediate request, first-ever publish, max-interval deadline,
// pending triggers past the min interval, otherwise none (possibly with an
// anticipatory network hint).
func Evaluate(s Snapshot) Result {
	if s.Immediate {
		return Result{Reason: ReasonImmediate, NetworkNeeded: true}
	}

	// Guarantee an early post-boot report, bounded by the connect timeout so
	// a missing lock cannot hold it forever.
	if s.FirstPublish && !s.PendingFirstPublish {
		return Result{
			Reason:        ReasonTriggers,
			NetworkNeeded: true,
			LockWait:      s.Now-s.NetworkStarted < s.ConnectTimeout,
		}
	}

	networkNeeded := false

	if s.IntervalMax > 0 {
		sinceAnchor := s.Now - s.Anchor

		leadAdjustedMax := s.IntervalMax - s.EarlyWakeLead
		if leadAdjustedMax < 0 {
			leadAdjustedMax = 0
		}
		if sinceAnchor >= leadAdjustedMax {
			networkNeeded = true
		}

		if sinceAnchor >= s.IntervalMax {
			return Result{
				Reason:        ReasonTime,
				NetworkNeeded: true,
				LockWait:      sinceAnchor-s.IntervalMax < s.LockTimeout,
			}
		}
	}

	if s.TriggersPending {
		sinceLast := s.Now - s.LastPublish

		leadAdjustedMin := s.IntervalMin - s.EarlyWakeLead
		if leadAdjustedMin < 0 {
			leadAdjustedMin = 0
		}
		if s.IntervalMin == 0 || sinceLast >= leadAdjustedMin {
			networkNeeded = true
		}

		if s.IntervalMin == 0 || sinceLast >= s.IntervalMin {
			return Result{
				Reason:        ReasonTriggers,
				NetworkNeeded: true,
				LockWait:      sinceLast-s.IntervalMin < s.LockTimeout,
			}
		}
	}

	return Result{Reason: ReasonNone, NetworkNeeded: networkNeeded}
}
