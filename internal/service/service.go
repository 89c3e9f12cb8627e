package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"tracker-service/internal/cell"
	"tracker-service/internal/cloud"
	"tracker-service/internal/config"
	"tracker-service/internal/gnss"
	"tracker-service/internal/health"
	"tracker-service/internal/mm"
	"tracker-service/internal/power"
	"tracker-service/internal/publish"
	"tracker-service/internal/redis"
	"tracker-service/internal/report"
	"tracker-service/internal/sleep"
	"tracker-service/internal/trigger"
	"tracker-service/internal/wifi"
)

const (
	// connectTimeout bounds how long the scheduler waits for connectivity
	// and a first lock before reporting without them.
	connectTimeout = 90 * time.Second

	uplinkTopic     = "tracker/report"
	uplinkSendLimit = 30 * time.Second
)

// Tracker is the reporting scheduler: it samples the fix source, decides
// when to publish, assembles reports and drives the retry engine, and
// mirrors state over Redis.
type Tracker struct {
	logger      *log.Logger
	cfg         *config.Config
	settings    *config.Store
	triggers    *trigger.Set
	fix         *gnss.GpsdSource
	sampler     *gnss.Sampler
	builder     *report.Builder
	uplink      *cloud.MQTTUplink
	retry       *cloud.RetryManager
	coordinator *sleep.Coordinator
	rail        *power.RailController
	modem       *mm.Client
	redis       *redis.Client
	health      *health.Health

	started time.Time
	clock   func() time.Duration

	kick chan struct{}

	// ops marshals sleep/wake transitions from the command and timer
	// goroutines onto the main loop, which owns sampler and radio state.
	ops chan func(context.Context)

	mutex               sync.Mutex
	lastPublish         time.Duration
	anchor              time.Duration
	firstPublish        bool
	pendingFirstPublish bool
	networkStarted      time.Duration
	lastWake            time.Duration
	fullWake            bool
	sleeping            bool
	everSlept           bool
	gnssOn              bool
	lastState           gnss.State

	enhancedHandlers []func(gnss.LocationPoint)
	wakeTimer        *time.Timer
}

// New wires the tracker from its collaborators. Nothing is started yet.
func New(logger *log.Logger, cfg *config.Config) (*Tracker, error) {
	t := &Tracker{
		logger:       logger,
		cfg:          cfg,
		triggers:     trigger.NewSet(),
		health:       health.New(),
		kick:         make(chan struct{}, 1),
		ops:          make(chan func(context.Context), 8),
		firstPublish: true,
		lastState:    gnss.StateOff,
	}
	t.started = time.Now()
	t.clock = func() time.Duration { return time.Since(t.started) }

	defaults := config.DefaultPublishSettings()
	if cfg.SettingsFile != "" {
		loaded, err := config.LoadSettingsFile(cfg.SettingsFile)
		if err != nil {
			logger.Printf("Settings file rejected, using defaults: %v", err)
		}
		defaults = loaded
	}
	t.settings = config.NewStore(defaults)

	redisClient, err := redis.New(cfg.RedisURL, logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating redis client")
	}
	t.redis = redisClient

	modem, err := mm.NewClient(cfg.Debug, logger.Printf)
	if err != nil {
		logger.Printf("ModemManager unavailable, tower enrichment disabled: %v", err)
	}
	t.modem = modem

	t.fix = gnss.NewGpsdSource(logger, cfg.GpsdServer)
	t.sampler = gnss.NewSampler(logger, t.fix, t.triggers, t.clock, t.sleepDisabled)

	var towers report.TowerSource
	if modem != nil {
		towers = cell.NewSource(modem, logger)
	}
	scanner := wifi.NewScanner(cfg.WlanInterface, logger)
	t.builder = report.NewBuilder(logger, t.triggers, towers, scanner)

	t.uplink = cloud.NewMQTTUplink(logger, cloud.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Topic:    uplinkTopic,
		Timeout:  uplinkSendLimit,
	})
	t.retry = cloud.NewRetryManager(logger, t.uplink)
	t.uplink.OnResult(t.retry.Complete)
	t.retry.SetResultHandler(t.handlePublishResult)

	t.coordinator = sleep.NewCoordinator(logger, connectTimeout)
	t.coordinator.AddObserver(t)

	rail, err := power.NewRailController(logger.Printf)
	if err != nil {
		logger.Printf("Aux radio rail unavailable: %v", err)
	}
	t.rail = rail

	return t, nil
}

// RegisterFieldGenerator appends a report extension generator.
func (t *Tracker) RegisterFieldGenerator(g report.FieldGenerator) {
	t.builder.RegisterFieldGenerator(g)
}

// RegisterPublishCompletion queues a one-shot callback for the next report.
func (t *Tracker) RegisterPublishCompletion(cb cloud.CompletionFunc) {
	t.retry.RegisterCompletion(cb)
}

// RegisterEnhancedLocation subscribes to resolved positions sent back by
// the cloud in response to the callback-request flag.
func (t *Tracker) RegisterEnhancedLocation(fn func(gnss.LocationPoint)) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.enhancedHandlers = append(t.enhancedHandlers, fn)
}

// Run starts all collaborators and drives the tick loop until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.redis.Ping(ctx); err != nil {
		return errors.Wrap(err, "redis unreachable")
	}
	defer t.redis.Close()

	if stored, err := t.redis.LoadConfig(ctx); err != nil {
		t.logger.Printf("Stored config unavailable: %v", err)
	} else {
		for field, value := range stored {
			t.applyConfigWrite(ctx, field, value)
		}
	}
	t.mirrorConfig(ctx)
	t.redis.SubscribeConfig(ctx, func(field, value string) {
		t.applyConfigWrite(ctx, field, value)
	})
	t.redis.SubscribeCommands(ctx, func(message string) {
		t.handleCommand(ctx, message)
	})

	if err := t.uplink.Start(); err != nil {
		t.logger.Printf("Uplink start: %v", err)
	}
	defer t.uplink.Stop()

	if t.rail != nil {
		if err := t.rail.Init(); err != nil {
			t.logger.Printf("Aux radio rail init failed: %v", err)
			t.rail = nil
		} else {
			defer t.rail.Close()
		}
	}
	if t.modem != nil {
		defer t.modem.Close()
	}
	defer t.fix.Stop()

	t.mutex.Lock()
	t.networkStarted = t.clock()
	t.mutex.Unlock()
	t.coordinator.StateConnecting()

	t.logger.Printf("Tracker started (tick %v, broker %s)", t.cfg.TickRate, t.cfg.MQTTBroker)
	ticker := time.NewTicker(t.cfg.TickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.coordinator.StateShutdown()
			return nil
		case <-ticker.C:
			t.tick(ctx)
		case <-t.kick:
			t.tick(ctx)
		case op := <-t.ops:
			op(ctx)
		}
	}
}

// enqueue schedules fn onto the main loop goroutine.
func (t *Tracker) enqueue(fn func(context.Context)) {
	select {
	case t.ops <- fn:
	default:
		t.logger.Printf("Dropping queued operation, loop backlogged")
	}
}

// tick runs one scheduling pass: sample, evaluate, and publish or resend.
func (t *Tracker) tick(ctx context.Context) {
	settings := t.settings.Snapshot()
	t.applyPower(settings)

	point, state := t.sampler.Sample(settings)
	t.mirrorState(ctx, point, state)

	// A buffered retry takes the slot before any new composition.
	if t.retry.HasRetry() && t.retry.Connected() {
		t.retry.Resend()
		return
	}

	result := publish.Evaluate(t.snapshot(settings))
	if result.Reason == publish.ReasonNone {
		return
	}
	if !shouldPublish(result, state) {
		return
	}
	// Compose only with the uplink up; triggers and cadence state stay
	// pending so the report goes out once connectivity returns.
	if !t.retry.Connected() {
		return
	}
	t.publishReport(ctx, point, settings, result)
}

// shouldPublish applies the fix-state gate: immediate requests always go
// out, a stable lock or disabled acquisition publishes, and everything else
// waits only while the lock budget lasts.
func shouldPublish(result publish.Result, state gnss.State) bool {
	if result.Reason == publish.ReasonImmediate {
		return true
	}
	switch state {
	case gnss.StateDisabled, gnss.StateOnLockedStable:
		return true
	default:
		return !result.LockWait
	}
}

func (t *Tracker) snapshot(settings config.PublishSettings) publish.Snapshot {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return publish.Snapshot{
		Now:                 t.clock(),
		LastPublish:         t.lastPublish,
		Anchor:              t.anchor,
		IntervalMin:         time.Duration(settings.IntervalMin) * time.Second,
		IntervalMax:         time.Duration(settings.IntervalMax) * time.Second,
		TriggersPending:     t.triggers.Pending(),
		Immediate:           t.triggers.Immediate(),
		FirstPublish:        t.firstPublish,
		PendingFirstPublish: t.pendingFirstPublish,
		NetworkStarted:      t.networkStarted,
		ConnectTimeout:      connectTimeout,
		EarlyWakeLead:       t.coordinator.Lead(),
		LockTimeout:         sleep.LockTimeout,
	}
}

// publishReport composes and sends one report, then updates the cadence
// bookkeeping. A stale retry is abandoned first.
func (t *Tracker) publishReport(ctx context.Context, point gnss.LocationPoint, settings config.PublishSettings, result publish.Result) {
	t.retry.Abandon()

	if result.Reason == publish.ReasonTime {
		t.triggers.Request(trigger.NameTime)
	}
	payload := t.builder.Build(ctx, point, settings)
	t.triggers.ClearImmediate()

	now := t.clock()
	t.mutex.Lock()
	if t.firstPublish || result.Reason != publish.ReasonTime {
		// Trigger-driven publishes restart the cadence.
		t.anchor = now
	} else {
		t.anchor += time.Duration(settings.IntervalMax) * time.Second
	}
	t.lastPublish = now
	if t.firstPublish {
		if settings.LocAck {
			t.pendingFirstPublish = true
		} else {
			t.firstPublish = false
		}
	}
	t.mutex.Unlock()

	if point.Locked {
		t.sampler.SetWaypoint(point.Latitude, point.Longitude)
	}

	t.logger.Printf("Publishing %s report (%d bytes)", result.Reason, len(payload))
	if err := t.retry.Publish(payload); err != nil {
		t.logger.Printf("Publish failed: %v", err)
	}
}

// handlePublishResult observes every terminal delivery status. Runs on the
// transport's goroutine.
func (t *Tracker) handlePublishResult(status cloud.Status) {
	t.mutex.Lock()
	if status == cloud.StatusSuccess {
		t.health.MarkSuccess()
		if t.pendingFirstPublish {
			t.firstPublish = false
			t.pendingFirstPublish = false
		}
	} else {
		t.health.MarkFailure()
		t.pendingFirstPublish = false
	}
	state := t.health.State
	failures := t.health.ConsecutiveFailures
	t.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	t.redis.PublishDiagnostics(ctx, map[string]interface{}{
		"uplink-health": state,
		"last-status":   status.String(),
		"failures":      failures,
	})
}

// applyPower reconciles radio power with the current settings.
func (t *Tracker) applyPower(settings config.PublishSettings) {
	t.mutex.Lock()
	gnssOn := t.gnssOn
	sleeping := t.sleeping
	t.mutex.Unlock()
	if sleeping {
		return
	}

	if settings.Gnss && !gnssOn {
		if err := t.fix.Start(); err != nil {
			t.logger.Printf("Fix source start failed: %v", err)
		} else {
			t.mutex.Lock()
			t.gnssOn = true
			t.networkStarted = t.clock()
			t.mutex.Unlock()
		}
	} else if !settings.Gnss && gnssOn {
		t.fix.Stop()
		t.mutex.Lock()
		t.gnssOn = false
		t.mutex.Unlock()
	}

	if t.rail == nil {
		return
	}
	wifiWanted := settings.EnhanceLoc && settings.Wps
	if wifiWanted && !t.rail.Enabled() {
		if err := t.rail.Enable(); err != nil {
			t.logger.Printf("Aux radio enable failed: %v", err)
		}
	} else if !wifiWanted && t.rail.Enabled() {
		if err := t.rail.Disable(); err != nil {
			t.logger.Printf("Aux radio disable failed: %v", err)
		}
	}
}

// mirrorState keeps the Redis state hashes current for local consumers.
func (t *Tracker) mirrorState(ctx context.Context, point gnss.LocationPoint, state gnss.State) {
	t.mutex.Lock()
	changed := state != t.lastState
	t.lastState = state
	t.mutex.Unlock()

	if changed {
		t.logger.Printf("Fix state: %s", state)
		t.redis.PublishTrackerState(ctx, "fix-state", state.String())
	}
	if point.Locked {
		t.redis.PublishLocationState(ctx, map[string]interface{}{
			"latitude":  point.Latitude,
			"longitude": point.Longitude,
			"altitude":  point.Altitude,
			"speed":     point.Speed,
			"course":    point.Heading,
			"timestamp": time.Unix(point.EpochTime, 0).UTC().Format(time.RFC3339),
		})
	}
}

// sleepDisabled reports whether suspend cycles are in use; lock triggers
// only fire in always-on operation.
func (t *Tracker) sleepDisabled() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return !t.everSlept
}

// forceTick makes the loop run a pass immediately.
func (t *Tracker) forceTick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Uptime returns the monotonic service uptime used for scheduling.
func (t *Tracker) Uptime() time.Duration {
	return t.clock()
}

// Status summarizes scheduler state for diagnostics.
func (t *Tracker) Status() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return fmt.Sprintf("lastPublish=%v anchor=%v firstPublish=%t sleeping=%t health=%s",
		t.lastPublish, t.anchor, t.firstPublish, t.sleeping, t.health.State)
}
