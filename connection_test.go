package peernet

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scriptable Transport for exercising the connection
// actor without sockets.
type fakeTransport struct {
	mu       sync.Mutex
	failErr  error         // when set, every Connect fails with this error
	okAddr   string        // when set, Connect fails for any other address
	gate     chan struct{} // when set, Connect blocks until the gate closes
	attempts int
	handles  []*fakeHandle
}

func (ft *fakeTransport) Connect(addr string, onFrame FrameHandler, onClose CloseHandler) (Handle, error) {
	ft.mu.Lock()
	ft.attempts++
	failErr := ft.failErr
	okAddr := ft.okAddr
	gate := ft.gate
	ft.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if failErr != nil {
		return nil, failErr
	}
	if okAddr != "" && addr != okAddr {
		return nil, errors.New("connection refused")
	}

	h := &fakeHandle{onFrame: onFrame, onClose: onClose}
	ft.mu.Lock()
	ft.handles = append(ft.handles, h)
	ft.mu.Unlock()
	return h, nil
}

func (ft *fakeTransport) connectAttempts() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.attempts
}

// waitHandle blocks until the transport has produced at least one handle
// and returns the most recent.
func (ft *fakeTransport) waitHandle(t *testing.T) *fakeHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ft.mu.Lock()
		var h *fakeHandle
		if n := len(ft.handles); n > 0 {
			h = ft.handles[n-1]
		}
		ft.mu.Unlock()
		if h != nil {
			return h
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("transport never produced a handle")
	return nil
}

type fakeHandle struct {
	onFrame FrameHandler
	onClose CloseHandler

	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	closed  bool
}

func (h *fakeHandle) Send(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.frames = append(h.frames, frame)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) failSends(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

// waitEnvelope blocks until at least n frames were sent and returns the
// n-th, decoded.
func (h *fakeHandle) waitEnvelope(t *testing.T, n int) Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		var frame []byte
		if len(h.frames) >= n {
			frame = h.frames[n-1]
		}
		h.mu.Unlock()
		if frame != nil {
			env, err := BinaryCodec{}.Decode(frame)
			if err != nil {
				t.Fatalf("decode sent frame: %v", err)
			}
			return env
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("frame %d was never sent", n)
	return Envelope{}
}

// reply injects an inbound reply frame for the given request id.
func (h *fakeHandle) reply(id uint32, payload []byte) {
	h.onFrame(h, BinaryCodec{}.Encode(id, "remote", payload))
}

// closeRemote simulates the transport signalling closure of the link.
func (h *fakeHandle) closeRemote(err error) {
	h.onClose(h, err)
}

func newTestConnection(t *testing.T, tr Transport) *Connection {
	t.Helper()
	cfg := defaultConfig()
	cfg.reconnectInterval = 20 * time.Millisecond
	c := newConnection("local-node", "peer-1", "10.0.0.1:3002", tr, BinaryCodec{}, cfg, newMetrics())
	go c.run()
	t.Cleanup(c.Stop)
	return c
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("connection never reached state %v (still %v)", want, c.State())
}

func waitCounter(t *testing.T, load func() int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if load() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("counter never reached %d (at %d)", want, load())
}

func TestConnection_RequestReply(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)
	h := ft.waitHandle(t)

	go func() {
		env := h.waitEnvelope(t, 1)
		h.reply(env.RequestID, []byte("pong"))
	}()

	reply, err := c.SendMessage([]byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("expected pong, got %q", reply)
	}
	if got := c.Status().Outstanding; got != 0 {
		t.Fatalf("expected empty backlog, got %d entries", got)
	}
}

func TestConnection_RepliesMatchCallers(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)
	h := ft.waitHandle(t)

	const callers = 8

	// Echo responder: answer every request with its own payload, in the
	// order frames arrive (which is unrelated to caller order).
	go func() {
		for i := 1; i <= callers; i++ {
			env := h.waitEnvelope(t, i)
			h.reply(env.RequestID, env.Payload)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("req-%d", i))
			reply, err := c.SendMessage(payload, 2*time.Second)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			if string(reply) != string(payload) {
				t.Errorf("caller %d: got %q, want %q", i, reply, payload)
			}
		}(i)
	}
	wg.Wait()

	if got := c.Status().Outstanding; got != 0 {
		t.Fatalf("expected empty backlog, got %d entries", got)
	}
}

func TestConnection_Timeout(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)

	// No responder: the deadline resolves the call. 600ms rounds to one
	// whole second of downtime.
	_, err := c.SendMessage([]byte("ping"), 600*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	if got := c.Status().Outstanding; got != 0 {
		t.Fatalf("expected empty backlog after timeout, got %d entries", got)
	}
	if got := c.Availability(false); got != 1 {
		t.Fatalf("expected 1s downtime, got %d", got)
	}
}

func TestConnection_AvailabilityResetSemantics(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)

	if _, err := c.SendMessage([]byte("ping"), 600*time.Millisecond); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	if got := c.Availability(true); got != 1 {
		t.Fatalf("expected 1s downtime, got %d", got)
	}
	if got := c.Availability(false); got != 0 {
		t.Fatalf("expected 0 after reset, got %d", got)
	}
}

func TestConnection_AvailabilityZeroWhileConnected(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)

	if got := c.Availability(true); got != 0 {
		t.Fatalf("expected 0 while connected, got %d", got)
	}
}

func TestConnection_ClosedWhenDisconnected(t *testing.T) {
	ft := &fakeTransport{failErr: errors.New("connection refused")}
	c := newTestConnection(t, ft)

	// The configured timeout must not influence the failure latency.
	start := time.Now()
	_, err := c.SendMessage([]byte("ping"), 100*time.Second)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("ErrClosed took %v, expected well under 100ms", elapsed)
	}
}

func TestConnection_ClosedDuringHungConnect(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTransport{gate: gate}
	t.Cleanup(func() { close(gate) })

	c := newTestConnection(t, ft)

	// The first connect attempt is blocked on the gate; callers must not be.
	start := time.Now()
	_, err := c.SendMessage([]byte("ping"), 100*time.Second)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("ErrClosed took %v with a hung connect in flight", elapsed)
	}
}

func TestConnection_ClosureFailsBacklogAndReconnects(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)
	h := ft.waitHandle(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendMessage([]byte("ping"), 30*time.Second)
		errCh <- err
	}()
	h.waitEnvelope(t, 1)

	h.closeRemote(io.EOF)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding request was not failed on closure")
	}

	// The reconnect loop re-establishes the link.
	waitState(t, c, StateConnected)
	if got := ft.connectAttempts(); got < 2 {
		t.Fatalf("expected a reconnect attempt, got %d attempts", got)
	}
}

func TestConnection_LateReplyIsDropped(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)
	h := ft.waitHandle(t)

	_, err := c.SendMessage([]byte("ping"), 50*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	// The reply arrives after its request timed out: it must be a no-op.
	env := h.waitEnvelope(t, 1)
	h.reply(env.RequestID, []byte("too late"))

	waitCounter(t, c.metrics.RepliesUnmatched.Load, 1)
	if got := c.metrics.RepliesMatched.Load(); got != 0 {
		t.Fatalf("late reply completed a request: %d matched", got)
	}
}

func TestConnection_DuplicateReplyCompletesOnce(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)
	h := ft.waitHandle(t)

	go func() {
		env := h.waitEnvelope(t, 1)
		h.reply(env.RequestID, []byte("pong"))
		h.reply(env.RequestID, []byte("pong"))
	}()

	reply, err := c.SendMessage([]byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("expected pong, got %q", reply)
	}

	waitCounter(t, c.metrics.RepliesUnmatched.Load, 1)
	if got := c.metrics.RepliesMatched.Load(); got != 1 {
		t.Fatalf("expected exactly one matched reply, got %d", got)
	}
}

func TestConnection_SendFailureDisconnects(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)
	h := ft.waitHandle(t)

	h.failSends(errors.New("broken pipe"))

	_, err := c.SendMessage([]byte("ping"), 5*time.Second)
	if err == nil {
		t.Fatal("expected an error from a failed send")
	}
	if errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("send failure must not surface as timeout: %v", err)
	}

	waitState(t, c, StateDisconnected)

	// Send failure accrues no downtime; only timeouts do.
	if got := c.Availability(false); got != 0 {
		t.Fatalf("expected 0 downtime after send failure, got %d", got)
	}
}

func TestConnection_StopFailsOutstanding(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestConnection(t, ft)
	waitState(t, c, StateConnected)
	h := ft.waitHandle(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendMessage([]byte("ping"), 30*time.Second)
		errCh <- err
	}()
	h.waitEnvelope(t, 1)

	c.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed after Stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding request was not failed on Stop")
	}
}

func TestConnection_SetAddressTakesEffect(t *testing.T) {
	ft := &fakeTransport{okAddr: "10.0.0.2:3002"}
	c := newTestConnection(t, ft) // initial address is 10.0.0.1:3002

	// Give the reconnect loop a few failed rounds.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if c.State() == StateConnected {
			t.Fatal("connected to the wrong address")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.SetAddress("10.0.0.2:3002")
	waitState(t, c, StateConnected)
}

func TestConnection_AllocRequestID(t *testing.T) {
	cfg := defaultConfig()
	c := newConnection("local", "peer", "addr", &fakeTransport{}, BinaryCodec{}, cfg, newMetrics())

	if id := c.allocRequestID(); id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}
	if id := c.allocRequestID(); id != 2 {
		t.Fatalf("expected second id 2, got %d", id)
	}

	// An outstanding id is skipped.
	c.backlog[3] = &pendingRequest{}
	if id := c.allocRequestID(); id != 4 {
		t.Fatalf("expected id 4 (3 outstanding), got %d", id)
	}
}

func TestConnection_AllocRequestID_Wraparound(t *testing.T) {
	cfg := defaultConfig()
	c := newConnection("local", "peer", "addr", &fakeTransport{}, BinaryCodec{}, cfg, newMetrics())

	c.nextID = ^uint32(0)
	c.backlog[1] = &pendingRequest{}

	// Wraps past the max, skips the reserved 0 and the outstanding 1.
	if id := c.allocRequestID(); id != 2 {
		t.Fatalf("expected id 2 after wraparound, got %d", id)
	}
}
