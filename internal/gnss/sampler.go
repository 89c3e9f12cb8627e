package gnss

import (
	"log"
	"time"

	"tracker-service/internal/config"
	"tracker-service/internal/trigger"
)

// Sampler polls the fix source once per tick, classifies the lock state and
// raises geofence/lock triggers.
type Sampler struct {
	logger        *log.Logger
	source        FixSource
	triggers      *trigger.Set
	uptime        func() time.Duration
	sleepDisabled func() bool

	lastState    State
	firstLock    time.Duration
	haveWaypoint bool
	waypointLat  float64
	waypointLon  float64
}

func NewSampler(logger *log.Logger, source FixSource, triggers *trigger.Set,
	uptime func() time.Duration, sleepDisabled func() bool) *Sampler {
	return &Sampler{
		logger:        logger,
		source:        source,
		triggers:      triggers,
		uptime:        uptime,
		sleepDisabled: sleepDisabled,
	}
}

// Sample polls the fix source and classifies it. Raises the "radius" trigger
// when the fix left the waypoint geofence and the "lock" trigger on the
// transition into a stable lock.
func (s *Sampler) Sample(settings config.PublishSettings) (LocationPoint, State) {
	var point LocationPoint

	state := s.classify(settings, &point)

	if state == StateOnLockedStable && settings.Radius > 0 && s.haveWaypoint {
		if haversine(s.waypointLat, s.waypointLon, point.Latitude, point.Longitude) > settings.Radius {
			s.triggers.Request(trigger.NameRadius)
		}
	}

	if state == StateOnLockedStable && state != s.lastState {
		// Capture the first lock out of sleep once per wake cycle.
		if s.firstLock == 0 {
			s.firstLock = s.uptime()
		}
		if s.sleepDisabled() && settings.LockTrigger {
			s.triggers.Request(trigger.NameLock)
		}
	}

	s.lastState = state
	return point, state
}

func (s *Sampler) classify(settings config.PublishSettings, point *LocationPoint) State {
	if !settings.Gnss {
		return StateDisabled
	}
	if !s.source.Powered() {
		return StateOff
	}

	loc, err := s.source.Location()
	if err != nil {
		return StateError
	}
	*point = loc

	if !loc.Locked {
		return StateOnUnlocked
	}
	if !loc.Stable {
		return StateOnLockedUnstable
	}
	return StateOnLockedStable
}

// SetWaypoint records the reference point for radius comparisons; called
// with each published locked position.
func (s *Sampler) SetWaypoint(lat, lon float64) {
	s.haveWaypoint = true
	s.waypointLat = lat
	s.waypointLon = lon
}

// FirstLock returns the uptime at which the first stable lock of this wake
// cycle was seen, or zero if none was captured yet.
func (s *Sampler) FirstLock() time.Duration {
	return s.firstLock
}

// ClearFirstLock resets lock capture for a new wake cycle.
func (s *Sampler) ClearFirstLock() {
	s.firstLock = 0
}
