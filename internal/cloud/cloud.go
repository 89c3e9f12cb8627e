package cloud

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// Status is the terminal outcome of one publish attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrBusy signals a send already in flight; the caller may buffer the
// payload and retry on a later tick.
var ErrBusy = errors.New("uplink busy")

// Transport sends one payload at a time. Publish starts the send and
// returns; the terminal Status arrives on the transport's result hook.
type Transport interface {
	Connected() bool
	Publish(payload []byte) error
}

// MQTTConfig configures the uplink connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	Timeout  time.Duration
}

// MQTTUplink publishes reports over MQTT with at-most-one send in flight.
type MQTTUplink struct {
	logger   *log.Logger
	client   mqtt.Client
	topic    string
	timeout  time.Duration
	inFlight atomic.Bool
	onResult func(Status)
}

func NewMQTTUplink(logger *log.Logger, cfg MQTTConfig) *MQTTUplink {
	u := &MQTTUplink{
		logger:  logger,
		topic:   cfg.Topic,
		timeout: cfg.Timeout,
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Printf("Connected to uplink broker %s", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Printf("Uplink connection lost: %v", err)
		})
	u.client = mqtt.NewClient(opts)
	return u
}

// OnResult installs the completion hook. Set it before Start; the hook
// runs on the transport's own goroutine.
func (u *MQTTUplink) OnResult(fn func(Status)) {
	u.onResult = fn
}

// Start begins connecting. Reconnection is handled by the client; a broker
// that is down at startup is not an error.
func (u *MQTTUplink) Start() error {
	token := u.client.Connect()
	if token.WaitTimeout(u.timeout) && token.Error() != nil {
		return errors.Wrap(token.Error(), "connecting to uplink broker")
	}
	return nil
}

func (u *MQTTUplink) Stop() {
	u.client.Disconnect(250)
}

func (u *MQTTUplink) Connected() bool {
	return u.client.IsConnectionOpen()
}

// Publish starts an asynchronous send. Returns ErrBusy while a previous
// send has not completed.
func (u *MQTTUplink) Publish(payload []byte) error {
	if !u.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	if !u.client.IsConnectionOpen() {
		u.inFlight.Store(false)
		return errors.New("uplink not connected")
	}
	token := u.client.Publish(u.topic, 1, false, payload)
	go u.await(token)
	return nil
}

func (u *MQTTUplink) await(token mqtt.Token) {
	status := StatusSuccess
	if !token.WaitTimeout(u.timeout) {
		status = StatusTimeout
	} else if err := token.Error(); err != nil {
		u.logger.Printf("Uplink publish failed: %v", err)
		status = StatusFailure
	}
	u.inFlight.Store(false)
	if u.onResult != nil {
		u.onResult(status)
	}
}
