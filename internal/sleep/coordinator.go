package sleep

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// miscWakeOverhead is the fixed bring-up cost between the hardware wake
	// and the first usable sample, discounted from lock latency measurement.
	miscWakeOverhead = 3 * time.Second

	// ShutdownGrace bounds how long a wake cycle that needs no network may
	// stay powered before voting to suspend again.
	ShutdownGrace = 2 * time.Second

	// LockTimeout is how long past a publish deadline the scheduler keeps
	// waiting for a position lock before reporting without one.
	LockTimeout = 10 * time.Second
)

// Event identifies a point in the suspend/resume lifecycle.
type Event int

const (
	EventPrepare Event = iota
	EventSleep
	EventCancel
	EventWake
	EventStateConnecting
	EventStateShutdown
)

func (e Event) String() string {
	switch e {
	case EventPrepare:
		return "prepare"
	case EventSleep:
		return "sleep"
	case EventCancel:
		return "cancel"
	case EventWake:
		return "wake"
	case EventStateConnecting:
		return "state-connecting"
	case EventStateShutdown:
		return "state-shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// Observer consumes lifecycle events. Handlers run synchronously on the
// caller's goroutine in registration order.
type Observer interface {
	HandleSleepEvent(e Event)
}

// Scheduling is the scheduler state Prepare needs to place the next wake.
// All times are service uptime.
type Scheduling struct {
	Now             time.Duration
	LastPublish     time.Duration
	Anchor          time.Duration
	IntervalMin     time.Duration
	IntervalMax     time.Duration
	TriggersPending bool

	// FullWakeCycle is true when the radio was powered down for this cycle,
	// making the measured lock latency representative.
	FullWakeCycle bool
	LastWake      time.Duration
	FirstLock     time.Duration
}

// PrepareResult is the wake placement decision.
type PrepareResult struct {
	WakeAt time.Duration
	Lead   time.Duration
	Cancel bool
}

// Coordinator places wake times ahead of publish deadlines using a learned
// early-wake lead, and fans lifecycle events out to observers.
type Coordinator struct {
	mutex          sync.Mutex
	logger         *log.Logger
	connectTimeout time.Duration
	earlyWake      time.Duration
	nextEarlyWake  time.Duration
	observers      []Observer
}

func NewCoordinator(logger *log.Logger, connectTimeout time.Duration) *Coordinator {
	return &Coordinator{logger: logger, connectTimeout: connectTimeout}
}

// AddObserver registers o for every subsequent lifecycle event.
func (c *Coordinator) AddObserver(o Observer) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.observers = append(c.observers, o)
}

// Lead returns the early-wake lead currently applied to deadlines.
func (c *Coordinator) Lead() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.nextEarlyWake == 0 {
		return c.connectTimeout
	}
	return c.nextEarlyWake
}

// Prepare computes the next wake time: the publish deadline (min interval
// when triggers are pending, max otherwise) minus the early-wake lead. On
// full wake cycles the lead is relearned from the measured wake-to-lock
// latency plus the cadence variance of the last publish; otherwise the
// previous lead is reused. A wake already in the past cancels the sleep.
func (c *Coordinator) Prepare(s Scheduling) PrepareResult {
	c.mutex.Lock()

	interval := s.IntervalMax
	if s.TriggersPending {
		interval = s.IntervalMin
	}
	wake := s.LastPublish + interval

	if s.FullWakeCycle {
		lastWake := s.LastWake
		if lastWake >= miscWakeOverhead {
			lastWake -= miscWakeOverhead
		}
		wakeToLock := c.connectTimeout
		if s.FirstLock != 0 {
			wakeToLock = s.FirstLock - lastWake
		}
		variance := s.LastPublish - s.Anchor
		lead := wakeToLock + variance + time.Second
		if lead > c.connectTimeout {
			lead = c.connectTimeout
		}
		if lead < 0 {
			lead = 0
		}
		c.earlyWake = lead
		c.nextEarlyWake = lead
	} else if c.earlyWake == 0 {
		c.nextEarlyWake = c.connectTimeout
	} else {
		c.nextEarlyWake = c.earlyWake
	}

	if wake > c.nextEarlyWake {
		wake -= c.nextEarlyWake
	}
	result := PrepareResult{WakeAt: wake, Lead: c.nextEarlyWake}
	if wake <= s.Now {
		result.Cancel = true
	}
	c.mutex.Unlock()

	c.logger.Printf("Sleep prepare: last=%v interval=%v lead=%v wake=%v cancel=%t",
		s.LastPublish, interval, result.Lead, result.WakeAt, result.Cancel)
	c.dispatch(EventPrepare)
	return result
}

// Sleep marks the point of no return before suspension.
func (c *Coordinator) Sleep() {
	c.dispatch(EventSleep)
}

// Cancel reports that a prepared sleep was aborted.
func (c *Coordinator) Cancel() {
	c.dispatch(EventCancel)
}

// Wake reports resumption from suspend.
func (c *Coordinator) Wake() {
	c.dispatch(EventWake)
}

// StateConnecting reports the scheduler entering its connecting state.
func (c *Coordinator) StateConnecting() {
	c.dispatch(EventStateConnecting)
}

// StateShutdown reports the scheduler entering shutdown.
func (c *Coordinator) StateShutdown() {
	c.dispatch(EventStateShutdown)
}

func (c *Coordinator) dispatch(e Event) {
	c.mutex.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mutex.Unlock()
	for _, o := range observers {
		o.HandleSleepEvent(e)
	}
}
