package cloud

import (
	"log"
	"sync"

	"github.com/pkg/errors"
)

// maxRetryBytes bounds the buffered copy of a failed payload. Larger
// payloads skip the retry and surface the failure to callbacks directly.
const maxRetryBytes = 2048

// CompletionFunc receives the terminal status of the publish it was
// registered for, along with the payload that was sent.
type CompletionFunc func(status Status, payload []byte)

// RetryManager drives publish attempts and owns at most one buffered
// failed payload. A payload rejected with ErrBusy, or hard-failed by the
// transport, is held for exactly one verbatim resend; its completion
// callbacks are deferred until that resend concludes. Timeouts surface
// immediately and are never retried.
type RetryManager struct {
	mutex     sync.Mutex
	logger    *log.Logger
	transport Transport

	registered []CompletionFunc

	// Attempt currently at the transport.
	inFlightPayload   []byte
	inFlightCallbacks []CompletionFunc
	resending         bool

	// Buffered payload awaiting its one resend, with its deferred callbacks.
	buffer          []byte
	bufferCallbacks []CompletionFunc

	onResult func(Status)
}

func NewRetryManager(logger *log.Logger, transport Transport) *RetryManager {
	return &RetryManager{logger: logger, transport: transport}
}

// RegisterCompletion queues a one-shot callback for the next publish. The
// list swaps into a pending list at publish time and fires once when that
// publish reaches a terminal status.
func (m *RetryManager) RegisterCompletion(cb CompletionFunc) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.registered = append(m.registered, cb)
}

// SetResultHandler installs a persistent hook that observes every terminal
// status, including deferred ones. It runs on the transport's goroutine.
func (m *RetryManager) SetResultHandler(fn func(Status)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onResult = fn
}

// Connected reports uplink connectivity.
func (m *RetryManager) Connected() bool {
	return m.transport.Connected()
}

// HasRetry reports whether a buffered payload awaits resending.
func (m *RetryManager) HasRetry() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.buffer != nil
}

// Publish sends a freshly composed payload. Registered callbacks swap out
// before the attempt. A busy transport buffers the payload for a later
// resend instead of failing.
func (m *RetryManager) Publish(payload []byte) error {
	m.mutex.Lock()
	callbacks := m.registered
	m.registered = nil
	m.mutex.Unlock()

	err := m.transport.Publish(payload)
	if err == nil {
		m.mutex.Lock()
		m.inFlightPayload = payload
		m.inFlightCallbacks = callbacks
		m.resending = false
		m.mutex.Unlock()
		return nil
	}
	if errors.Is(err, ErrBusy) {
		m.bufferPayload(payload, callbacks)
		return nil
	}

	m.issue(StatusFailure, payload, callbacks)
	return errors.Wrap(err, "publishing report")
}

// Resend dispatches the buffered payload verbatim when connectivity is
// available. Returns true if the buffer is still occupying the slot, in
// which case the caller skips composing a new payload this tick.
func (m *RetryManager) Resend() bool {
	m.mutex.Lock()
	payload := m.buffer
	callbacks := m.bufferCallbacks
	m.mutex.Unlock()
	if payload == nil {
		return false
	}
	if !m.transport.Connected() {
		return true
	}

	err := m.transport.Publish(payload)
	if err == nil {
		m.mutex.Lock()
		m.inFlightPayload = payload
		m.inFlightCallbacks = callbacks
		m.resending = true
		m.mutex.Unlock()
		return true
	}
	if errors.Is(err, ErrBusy) {
		// Keep the buffer; try again next tick.
		return true
	}

	m.mutex.Lock()
	m.buffer = nil
	m.bufferCallbacks = nil
	m.mutex.Unlock()
	m.issue(StatusFailure, payload, callbacks)
	return true
}

// Abandon discards a stale retry before a fresh publish is composed. Its
// deferred callbacks are issued with a timeout status.
func (m *RetryManager) Abandon() {
	m.mutex.Lock()
	if m.buffer == nil {
		m.mutex.Unlock()
		return
	}
	payload := m.buffer
	callbacks := m.bufferCallbacks
	m.buffer = nil
	m.bufferCallbacks = nil
	if m.resending {
		// The resend is still at the transport; its completion must not
		// fire the callbacks a second time, recapture the abandoned
		// payload, or clear a buffer it no longer owns.
		m.inFlightCallbacks = nil
		m.inFlightPayload = nil
		m.resending = false
	}
	m.mutex.Unlock()

	m.logger.Printf("Abandoning stale retry payload (%d bytes)", len(payload))
	m.issue(StatusTimeout, payload, callbacks)
}

// Complete records the terminal status of the in-flight attempt. Runs on
// the transport's goroutine. A hard failure with no buffer yet captures
// the payload for one retry and defers callback issuance; every other
// outcome fires the attempt's callbacks now.
func (m *RetryManager) Complete(status Status) {
	m.mutex.Lock()
	if status == StatusFailure && m.buffer == nil && !m.resending &&
		len(m.inFlightPayload) > 0 && len(m.inFlightPayload) <= maxRetryBytes {
		m.buffer = append([]byte(nil), m.inFlightPayload...)
		m.bufferCallbacks = m.inFlightCallbacks
		m.inFlightPayload = nil
		m.inFlightCallbacks = nil
		onResult := m.onResult
		m.mutex.Unlock()
		m.logger.Printf("Publish failed, buffered %d bytes for retry", len(m.buffer))
		if onResult != nil {
			onResult(status)
		}
		return
	}

	payload := m.inFlightPayload
	callbacks := m.inFlightCallbacks
	if m.resending {
		m.buffer = nil
		m.bufferCallbacks = nil
		m.resending = false
	}
	m.inFlightPayload = nil
	m.inFlightCallbacks = nil
	m.mutex.Unlock()

	m.issue(status, payload, callbacks)
}

func (m *RetryManager) bufferPayload(payload []byte, callbacks []CompletionFunc) {
	m.mutex.Lock()
	if m.buffer == nil && len(payload) <= maxRetryBytes {
		m.buffer = append([]byte(nil), payload...)
		m.bufferCallbacks = callbacks
		m.mutex.Unlock()
		return
	}
	m.mutex.Unlock()

	// No room to buffer: surface the failure rather than drop silently.
	m.logger.Printf("Cannot buffer %d byte payload for retry", len(payload))
	m.issue(StatusFailure, payload, callbacks)
}

func (m *RetryManager) issue(status Status, payload []byte, callbacks []CompletionFunc) {
	for _, cb := range callbacks {
		cb(status, payload)
	}
	m.mutex.Lock()
	onResult := m.onResult
	m.mutex.Unlock()
	if onResult != nil {
		onResult(status)
	}
}
