package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tracker-service/internal/gnss"
	"tracker-service/internal/publish"
	"tracker-service/internal/sleep"
	"tracker-service/internal/trigger"
)

// handleCommand dispatches one message from the command channel. Plain
// commands are verbs; a JSON object carries an enhanced-location response.
func (t *Tracker) handleCommand(ctx context.Context, message string) {
	msg := strings.TrimSpace(message)
	switch {
	case msg == "get-location":
		t.triggers.RequestImmediate(trigger.NameCommand)
		t.forceTick()
	case msg == "prepare-sleep":
		t.enqueue(t.prepareSleep)
	case msg == "wake":
		t.enqueue(func(context.Context) { t.wake() })
	case strings.HasPrefix(msg, "{"):
		t.handleEnhancedLocation(msg)
	default:
		t.logger.Printf("Ignoring unknown command: %q", msg)
	}
}

// prepareSleep runs the wake-placement math and either suspends sampling
// until the computed wake time or cancels the attempt.
func (t *Tracker) prepareSleep(ctx context.Context) {
	settings := t.settings.Snapshot()
	t.mutex.Lock()
	sched := sleep.Scheduling{
		Now:             t.clock(),
		LastPublish:     t.lastPublish,
		Anchor:          t.anchor,
		IntervalMin:     time.Duration(settings.IntervalMin) * time.Second,
		IntervalMax:     time.Duration(settings.IntervalMax) * time.Second,
		TriggersPending: t.triggers.Pending(),
		FullWakeCycle:   t.fullWake,
		LastWake:        t.lastWake,
		FirstLock:       t.sampler.FirstLock(),
	}
	t.mutex.Unlock()

	result := t.coordinator.Prepare(sched)
	if result.Cancel {
		t.coordinator.Cancel()
		t.redis.PublishTrackerState(ctx, "sleep-state", "awake")
		return
	}

	t.mutex.Lock()
	t.sleeping = true
	t.everSlept = true
	t.mutex.Unlock()
	t.coordinator.Sleep()

	t.redis.PublishTrackerState(ctx, "sleep-state", "sleeping")
	t.redis.PublishTrackerState(ctx, "wake-at", fmt.Sprintf("%d", int64(result.WakeAt.Seconds())))

	delay := result.WakeAt - t.clock()
	if delay < 0 {
		delay = 0
	}
	t.mutex.Lock()
	if t.wakeTimer != nil {
		t.wakeTimer.Stop()
	}
	t.wakeTimer = time.AfterFunc(delay, func() {
		t.enqueue(func(context.Context) { t.wake() })
	})
	t.mutex.Unlock()
}

// wake resumes scheduling after a sleep cycle.
func (t *Tracker) wake() {
	t.mutex.Lock()
	if !t.sleeping {
		t.mutex.Unlock()
		return
	}
	t.sleeping = false
	t.lastWake = t.clock()
	t.fullWake = true
	t.mutex.Unlock()

	t.coordinator.Wake()
}

// HandleSleepEvent reacts to lifecycle transitions from the coordinator.
func (t *Tracker) HandleSleepEvent(e sleep.Event) {
	switch e {
	case sleep.EventSleep:
		// Point of no return: cut the fix source and the aux radio.
		t.fix.Stop()
		t.mutex.Lock()
		t.gnssOn = false
		t.mutex.Unlock()
		if t.rail != nil && t.rail.Enabled() {
			if err := t.rail.Disable(); err != nil {
				t.logger.Printf("Aux radio disable failed: %v", err)
			}
		}
	case sleep.EventWake:
		t.sampler.ClearFirstLock()
		settings := t.settings.Snapshot()
		result := publish.Evaluate(t.snapshot(settings))
		if result.NetworkNeeded {
			t.logger.Printf("Wake needs the network (lead %v)", t.coordinator.Lead())
			t.mutex.Lock()
			t.networkStarted = t.clock()
			t.mutex.Unlock()
			t.applyPower(settings)
		} else {
			t.logger.Printf("Wake needs no network, voting to sleep again in %v", sleep.ShutdownGrace)
			voteCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			t.redis.PublishTrackerState(voteCtx, "sleep-vote", "early-shutdown")
			cancel()
			time.AfterFunc(sleep.ShutdownGrace, func() {
				t.enqueue(func(ctx context.Context) {
					t.mutex.Lock()
					sleeping := t.sleeping
					t.mutex.Unlock()
					if !sleeping {
						t.prepareSleep(ctx)
					}
				})
			})
		}
		t.forceTick()
	case sleep.EventStateConnecting:
		settings := t.settings.Snapshot()
		t.applyPower(settings)
	case sleep.EventStateShutdown:
		t.fix.Stop()
		t.mutex.Lock()
		t.gnssOn = false
		t.mutex.Unlock()
	case sleep.EventPrepare, sleep.EventCancel:
		// Observability only.
	}
}

// handleEnhancedLocation parses a cloud-resolved position and fans it out
// to registered handlers.
func (t *Tracker) handleEnhancedLocation(msg string) {
	var envelope struct {
		LocEnhanced *struct {
			Lat  float64  `json:"lat"`
			Lon  float64  `json:"lon"`
			HAcc float64  `json:"h_acc"`
			Src  []string `json:"src"`
		} `json:"loc-enhanced"`
	}
	if err := json.Unmarshal([]byte(msg), &envelope); err != nil || envelope.LocEnhanced == nil {
		t.logger.Printf("Ignoring malformed enhanced location: %q", msg)
		return
	}

	point := gnss.LocationPoint{
		Latitude:           envelope.LocEnhanced.Lat,
		Longitude:          envelope.LocEnhanced.Lon,
		HorizontalAccuracy: envelope.LocEnhanced.HAcc,
		EpochTime:          time.Now().Unix(),
		Locked:             true,
	}
	for _, name := range envelope.LocEnhanced.Src {
		point.Sources = append(point.Sources, gnss.ParseSource(name))
	}

	t.mutex.Lock()
	handlers := append([]func(gnss.LocationPoint){}, t.enhancedHandlers...)
	t.mutex.Unlock()
	t.logger.Printf("Enhanced location %.6f,%.6f (±%.0fm) from %v",
		point.Latitude, point.Longitude, point.HorizontalAccuracy, envelope.LocEnhanced.Src)
	for _, handler := range handlers {
		handler(point)
	}
}

// applyConfigWrite commits one field write through a settings transaction.
// Invalid values leave the live settings untouched.
func (t *Tracker) applyConfigWrite(ctx context.Context, field, value string) {
	tx := t.settings.Begin()
	var parseErr error
	switch field {
	case "radius":
		tx.Shadow.Radius, parseErr = strconv.ParseFloat(value, 64)
	case "interval_min":
		var v int64
		v, parseErr = strconv.ParseInt(value, 10, 32)
		tx.Shadow.IntervalMin = int32(v)
	case "interval_max":
		var v int64
		v, parseErr = strconv.ParseInt(value, 10, 32)
		tx.Shadow.IntervalMax = int32(v)
	case "min_publish":
		tx.Shadow.MinPublish, parseErr = strconv.ParseBool(value)
	case "lock_trigger":
		tx.Shadow.LockTrigger, parseErr = strconv.ParseBool(value)
	case "loc_ack":
		tx.Shadow.LocAck, parseErr = strconv.ParseBool(value)
	case "tower":
		tx.Shadow.Tower, parseErr = strconv.ParseBool(value)
	case "gnss":
		tx.Shadow.Gnss, parseErr = strconv.ParseBool(value)
	case "wps":
		tx.Shadow.Wps, parseErr = strconv.ParseBool(value)
	case "enhance_loc":
		tx.Shadow.EnhanceLoc, parseErr = strconv.ParseBool(value)
	case "loc_cb":
		tx.Shadow.LocCb, parseErr = strconv.ParseBool(value)
	default:
		t.logger.Printf("Ignoring unknown config field: %q", field)
		return
	}
	if parseErr != nil {
		t.logger.Printf("Rejecting config %s=%q: %v", field, value, parseErr)
		return
	}
	if err := tx.Commit(); err != nil {
		t.logger.Printf("Rejecting config %s=%q: %v", field, value, err)
		return
	}
	t.logger.Printf("Config %s set to %s", field, value)
	t.mirrorConfig(ctx)
}

// mirrorConfig writes the live settings back into the config hash.
func (t *Tracker) mirrorConfig(ctx context.Context) {
	s := t.settings.Snapshot()
	t.redis.MirrorConfig(ctx, map[string]interface{}{
		"radius":       strconv.FormatFloat(s.Radius, 'f', -1, 64),
		"interval_min": strconv.FormatInt(int64(s.IntervalMin), 10),
		"interval_max": strconv.FormatInt(int64(s.IntervalMax), 10),
		"min_publish":  strconv.FormatBool(s.MinPublish),
		"lock_trigger": strconv.FormatBool(s.LockTrigger),
		"loc_ack":      strconv.FormatBool(s.LocAck),
		"tower":        strconv.FormatBool(s.Tower),
		"gnss":         strconv.FormatBool(s.Gnss),
		"wps":          strconv.FormatBool(s.Wps),
		"enhance_loc":  strconv.FormatBool(s.EnhanceLoc),
		"loc_cb":       strconv.FormatBool(s.LocCb),
	})
}
