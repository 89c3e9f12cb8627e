package cloud

import (
	"bytes"
	"errors"
	"log"
	"os"
	"testing"
)

type fakeTransport struct {
	connected bool
	busy      bool
	err       error
	published [][]byte
}

func (f *fakeTransport) Connected() bool {
	return f.connected
}

func (f *fakeTransport) Publish(payload []byte) error {
	if f.busy {
		return ErrBusy
	}
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, append([]byte(nil), payload...))
	return nil
}

func newTestManager(transport *fakeTransport) *RetryManager {
	logger := log.New(os.Stdout, "[test] ", 0)
	return NewRetryManager(logger, transport)
}

type recorder struct {
	calls   int
	status  Status
	payload []byte
}

func (r *recorder) callback(status Status, payload []byte) {
	r.calls++
	r.status = status
	r.payload = payload
}

func TestPublishSuccess(t *testing.T) {
	transport := &fakeTransport{connected: true}
	m := newTestManager(transport)
	rec := &recorder{}
	m.RegisterCompletion(rec.callback)

	payload := []byte(`{"loc":{"lck":1}}`)
	if err := m.Publish(payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if rec.calls != 0 {
		t.Fatal("Callbacks must wait for completion")
	}
	m.Complete(StatusSuccess)

	if rec.calls != 1 || rec.status != StatusSuccess {
		t.Errorf("Expected one success callback, got calls=%d status=%v", rec.calls, rec.status)
	}
	if !bytes.Equal(rec.payload, payload) {
		t.Errorf("Callback payload mismatch: %s", rec.payload)
	}
	if m.HasRetry() {
		t.Error("No retry expected after success")
	}
}

func TestBusyBuffersWithoutReserializing(t *testing.T) {
	transport := &fakeTransport{connected: true, busy: true}
	m := newTestManager(transport)
	rec := &recorder{}
	m.RegisterCompletion(rec.callback)

	payload := []byte(`{"loc":{"lck":1},"trig":["time"]}`)
	if err := m.Publish(payload); err != nil {
		t.Fatalf("Busy publish must not error: %v", err)
	}
	if !m.HasRetry() {
		t.Fatal("Busy publish must buffer the payload")
	}
	if rec.calls != 0 {
		t.Fatal("Busy publish must defer callbacks")
	}

	transport.busy = false
	if !m.Resend() {
		t.Fatal("Resend must dispatch the buffered payload")
	}
	if len(transport.published) != 1 || !bytes.Equal(transport.published[0], payload) {
		t.Fatalf("Resend must carry the identical buffered bytes, got %q", transport.published)
	}

	m.Complete(StatusSuccess)
	if rec.calls != 1 || rec.status != StatusSuccess {
		t.Errorf("Expected one success callback after resend, got calls=%d status=%v", rec.calls, rec.status)
	}
	if m.HasRetry() {
		t.Error("Buffer must clear once the resend concludes")
	}
}

func TestFailureRetriedOnce(t *testing.T) {
	transport := &fakeTransport{connected: true}
	m := newTestManager(transport)
	rec := &recorder{}
	m.RegisterCompletion(rec.callback)

	payload := []byte(`{"loc":{"lck":0}}`)
	if err := m.Publish(payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	m.Complete(StatusFailure)

	if rec.calls != 0 {
		t.Fatal("First failure must defer callbacks for the retry")
	}
	if !m.HasRetry() {
		t.Fatal("First failure must capture the payload")
	}

	if !m.Resend() {
		t.Fatal("Resend must dispatch the captured payload")
	}
	if !bytes.Equal(transport.published[1], payload) {
		t.Fatalf("Retry must resend the captured bytes, got %q", transport.published[1])
	}
	m.Complete(StatusSuccess)

	if rec.calls != 1 || rec.status != StatusSuccess {
		t.Errorf("Callbacks must fire exactly once, got calls=%d status=%v", rec.calls, rec.status)
	}
	if m.HasRetry() {
		t.Error("Buffer must clear after the retry succeeds")
	}
}

func TestSecondFailureSurfaces(t *testing.T) {
	transport := &fakeTransport{connected: true}
	m := newTestManager(transport)
	rec := &recorder{}
	m.RegisterCompletion(rec.callback)

	if err := m.Publish([]byte(`{"loc":{"lck":0}}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	m.Complete(StatusFailure)
	if !m.Resend() {
		t.Fatal("Resend must dispatch the captured payload")
	}
	m.Complete(StatusFailure)

	if rec.calls != 1 || rec.status != StatusFailure {
		t.Errorf("Second failure must surface once, got calls=%d status=%v", rec.calls, rec.status)
	}
	if m.HasRetry() {
		t.Error("Only one retry is allowed")
	}
}

func TestTimeoutNotRetried(t *testing.T) {
	transport := &fakeTransport{connected: true}
	m := newTestManager(transport)
	rec := &recorder{}
	m.RegisterCompletion(rec.callback)

	if err := m.Publish([]byte(`{"loc":{"lck":1}}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	m.Complete(StatusTimeout)

	if rec.calls != 1 || rec.status != StatusTimeout {
		t.Errorf("Timeout must surface immediately, got calls=%d status=%v", rec.calls, rec.status)
	}
	if m.HasRetry() {
		t.Error("Timeouts are never retried")
	}
}

func TestAbandonIssuesTimeout(t *testing.T) {
	transport := &fakeTransport{connected: true, busy: true}
	m := newTestManager(transport)
	rec := &recorder{}
	m.RegisterCompletion(rec.callback)

	payload := []byte(`{"loc":{"lck":1}}`)
	if err := m.Publish(payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	m.Abandon()

	if rec.calls != 1 || rec.status != StatusTimeout {
		t.Errorf("Abandon must issue timeout callbacks, got calls=%d status=%v", rec.calls, rec.status)
	}
	if !bytes.Equal(rec.payload, payload) {
		t.Errorf("Abandon callback payload mismatch: %s", rec.payload)
	}
	if m.HasRetry() || m.Resend() {
		t.Error("Abandon must discard the buffer")
	}
}

func TestAbandonDuringResendDetachesStaleAttempt(t *testing.T) {
	transport := &fakeTransport{connected: true}
	m := newTestManager(transport)
	first := &recorder{}
	m.RegisterCompletion(first.callback)

	p1 := []byte(`{"loc":{"lck":1},"trig":["radius"]}`)
	if err := m.Publish(p1); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	m.Complete(StatusFailure)
	if !m.Resend() {
		t.Fatal("Resend must dispatch the captured payload")
	}

	// The resend is still at the transport when a fresh publish abandons it.
	m.Abandon()
	if first.calls != 1 || first.status != StatusTimeout {
		t.Fatalf("Abandon must time out the stale attempt once, got calls=%d status=%v", first.calls, first.status)
	}

	second := &recorder{}
	m.RegisterCompletion(second.callback)
	transport.busy = true
	p2 := []byte(`{"loc":{"lck":1},"trig":["loc"]}`)
	if err := m.Publish(p2); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !m.HasRetry() {
		t.Fatal("Busy publish must buffer the new payload")
	}

	// The stale resend now completes; it owns nothing anymore.
	m.Complete(StatusFailure)
	if !m.HasRetry() {
		t.Fatal("Stale completion must not clear the new buffer")
	}
	if first.calls != 1 || second.calls != 0 {
		t.Fatalf("Stale completion must fire no callbacks, got first=%d second=%d", first.calls, second.calls)
	}

	transport.busy = false
	if !m.Resend() {
		t.Fatal("Resend must dispatch the buffered payload")
	}
	if got := transport.published[len(transport.published)-1]; !bytes.Equal(got, p2) {
		t.Fatalf("Resend must carry the new payload, got %q", got)
	}
	m.Complete(StatusSuccess)
	if second.calls != 1 || second.status != StatusSuccess {
		t.Errorf("New payload callbacks must fire exactly once, got calls=%d status=%v", second.calls, second.status)
	}
}

func TestOversizedPayloadNotBuffered(t *testing.T) {
	transport := &fakeTransport{connected: true}
	m := newTestManager(transport)
	rec := &recorder{}
	m.RegisterCompletion(rec.callback)

	payload := bytes.Repeat([]byte("x"), maxRetryBytes+1)
	if err := m.Publish(payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	m.Complete(StatusFailure)

	if rec.calls != 1 || rec.status != StatusFailure {
		t.Errorf("Oversized failure must surface immediately, got calls=%d status=%v", rec.calls, rec.status)
	}
	if m.HasRetry() {
		t.Error("Oversized payloads must not be buffered")
	}
}

func TestResendWaitsForConnectivity(t *testing.T) {
	transport := &fakeTransport{connected: true, busy: true}
	m := newTestManager(transport)

	if err := m.Publish([]byte(`{"loc":{"lck":1}}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	transport.busy = false
	transport.connected = false

	if !m.Resend() {
		t.Fatal("Buffer still occupies the slot while offline")
	}
	if len(transport.published) != 0 {
		t.Error("No send attempt expected while disconnected")
	}
	if !m.HasRetry() {
		t.Error("Buffer must survive until connectivity returns")
	}
}

func TestPublishErrorSurfaces(t *testing.T) {
	transport := &fakeTransport{connected: false, err: errors.New("uplink not connected")}
	m := newTestManager(transport)
	rec := &recorder{}
	m.RegisterCompletion(rec.callback)

	if err := m.Publish([]byte(`{"loc":{"lck":0}}`)); err == nil {
		t.Fatal("Expected an error from a dead transport")
	}
	if rec.calls != 1 || rec.status != StatusFailure {
		t.Errorf("Dead transport must fail callbacks, got calls=%d status=%v", rec.calls, rec.status)
	}
}

func TestCallbacksAreOneShot(t *testing.T) {
	transport := &fakeTransport{connected: true}
	m := newTestManager(transport)
	rec := &recorder{}
	m.RegisterCompletion(rec.callback)

	if err := m.Publish([]byte(`{"loc":{"lck":1}}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	m.Complete(StatusSuccess)

	if err := m.Publish([]byte(`{"loc":{"lck":1}}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	m.Complete(StatusSuccess)

	if rec.calls != 1 {
		t.Errorf("Callback registered once must fire once, got %d", rec.calls)
	}
}

func TestResultHandlerObservesDeferredStatuses(t *testing.T) {
	transport := &fakeTransport{connected: true}
	m := newTestManager(transport)
	var seen []Status
	m.SetResultHandler(func(status Status) {
		seen = append(seen, status)
	})

	if err := m.Publish([]byte(`{"loc":{"lck":1}}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	m.Complete(StatusFailure)
	if !m.Resend() {
		t.Fatal("Resend must dispatch the captured payload")
	}
	m.Complete(StatusSuccess)

	if len(seen) != 2 || seen[0] != StatusFailure || seen[1] != StatusSuccess {
		t.Errorf("Result handler must see both outcomes, got %v", seen)
	}
}
