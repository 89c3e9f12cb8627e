package power

import (
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

const (
	// GPIO pin configuration (GPIO3.05 = pin 69)
	// Calculation: (3-1)*32 + 5 = 69
	GPIOChip      = "gpiochip2" // GPIO chip 2
	GPIOLine      = 5           // GPIO line 5
	GPIOPinOffset = 69          // Calculated pin offset

	// Settle time after enabling the rail before the radio accepts commands
	RailSettleMS = 250
)

// RailController drives the auxiliary radio power rail via GPIO. The rail
// is level-held: high keeps the WiFi scan radio powered, low cuts it for
// deep sleep.
type RailController struct {
	line    *gpiocdev.Line
	enabled bool
	logger  func(string, ...interface{})
}

// NewRailController creates a new GPIO rail controller
func NewRailController(logger func(string, ...interface{})) (*RailController, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	rc := &RailController{
		logger: logger,
	}

	return rc, nil
}

// Init requests the GPIO line, leaving the rail off
func (rc *RailController) Init() error {
	line, err := gpiocdev.RequestLine(GPIOChip, GPIOLine,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("aux-radio-power"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to request GPIO line")
	}

	rc.line = line
	rc.log("GPIO rail controller initialized (chip=%s, line=%d)", GPIOChip, GPIOLine)
	return nil
}

// Close releases the GPIO line, cutting the rail
func (rc *RailController) Close() error {
	if rc.line == nil {
		return nil
	}

	if rc.enabled {
		if err := rc.line.SetValue(0); err != nil {
			rc.log("Failed to drop rail on close: %v", err)
		}
	}
	err := rc.line.Close()
	rc.line = nil
	rc.enabled = false
	rc.log("GPIO rail controller closed")
	return err
}

// Enable powers the auxiliary radio and waits for the rail to settle
func (rc *RailController) Enable() error {
	if rc.line == nil {
		return errors.New("GPIO not initialized")
	}
	if rc.enabled {
		return nil
	}

	if err := rc.line.SetValue(1); err != nil {
		return errors.Wrap(err, "failed to set GPIO high")
	}

	time.Sleep(RailSettleMS * time.Millisecond)
	rc.enabled = true
	rc.log("Auxiliary radio rail enabled")
	return nil
}

// Disable cuts power to the auxiliary radio
func (rc *RailController) Disable() error {
	if rc.line == nil {
		return errors.New("GPIO not initialized")
	}
	if !rc.enabled {
		return nil
	}

	if err := rc.line.SetValue(0); err != nil {
		return errors.Wrap(err, "failed to set GPIO low")
	}

	rc.enabled = false
	rc.log("Auxiliary radio rail disabled")
	return nil
}

// Enabled reports whether the rail is currently powered
func (rc *RailController) Enabled() bool {
	return rc.enabled
}

func (rc *RailController) log(format string, args ...interface{}) {
	rc.logger("[GPIO] "+format, args...)
}
