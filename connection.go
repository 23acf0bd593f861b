package peernet

// Connection is the per-peer actor of the connection layer. One instance
// owns everything about a single remote peer: the live transport handle,
// the backlog of outstanding requests, the reconnection loop and the
// availability accumulator.
//
// Invariants:
//   - All state below the "owned by the run goroutine" marker is mutated
//     only by the run goroutine. Callers and transport goroutines talk to
//     it exclusively through the command channel, so every state-mutating
//     step is serialized without a lock.
//   - A backlog entry exists from the moment its frame is accepted for
//     transmission until exactly one of {matched reply, deadline, transmit
//     failure, closure, teardown} removes it. Removal happens once: the
//     entry is deleted before its waiter is resumed, and a deadline timer
//     that fires after removal finds the entry gone and does nothing.
//   - At most one live Handle is associated with the connection. Events
//     carry the Handle they originated from; events from a superseded
//     handle are discarded.
//   - Transport connect and send calls run in detached goroutines (the
//     dialer and the connWriter). A hung dial or a stalled peer never
//     delays command processing, so SendMessage on a disconnected peer
//     resolves immediately no matter what the transport is doing.
//   - While disconnected, a connect attempt is dispatched every
//     reconnectInterval, indefinitely. Outside observers only ever see
//     Initializing, Connected or Disconnected; attempts in flight are
//     not a state.
//
// Availability accounting: `since` is set when connectivity is established.
// A request timeout clears `since` and adds the elapsed wait (rounded to
// whole seconds) to the downtime accumulator; transport closure clears
// `since` but accrues nothing. Availability() reports the accumulator only
// while `since` is unset, and optionally resets it.

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned when the peer is not connected, a transmit
	// attempt failed, or the connection was stopped. Never auto-retried;
	// the caller decides whether to try again.
	ErrClosed = fmt.Errorf("connection closed")

	// ErrRequestTimeout is returned when the reply deadline elapsed.
	ErrRequestTimeout = fmt.Errorf("request timeout")

	// ErrUnknownPeer is returned by Pool operations for an unregistered peer.
	ErrUnknownPeer = fmt.Errorf("unknown peer")
)

// State of a connection as seen by outside observers.
type State int32

const (
	StateInitializing State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerStatus is a point-in-time view of a connection, served by the admin
// endpoints.
type PeerStatus struct {
	PeerID      string    `json:"peer_id"`
	Address     string    `json:"address"`
	State       string    `json:"state"`
	Outstanding int       `json:"outstanding"`
	DowntimeSec int64     `json:"downtime_seconds"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

type Connection struct {
	peerID    string
	localID   string
	transport Transport
	codec     Codec
	cfg       config
	metrics   *Metrics

	commands chan any
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// connected mirrors state==StateConnected for the lock-free
	// SendMessage fast path; stateVal mirrors state for observers.
	connected atomic.Bool
	stateVal  atomic.Int32

	// --- owned by the run goroutine ---
	address    string
	state      State
	handle     Handle
	writer     *connWriter
	attempt    uint64
	nextID     uint32
	backlog    map[uint32]*pendingRequest
	since      time.Time
	downtime   time.Duration
	retryTimer *time.Timer
}

type pendingRequest struct {
	resp   chan response
	timer  *time.Timer
	sentAt time.Time
}

type response struct {
	payload []byte
	err     error
}

// Commands and internal events delivered through the mailbox.
type (
	sendCmd struct {
		payload []byte
		timeout time.Duration
		resp    chan response
	}
	availabilityCmd struct {
		reset bool
		resp  chan int64
	}
	setAddressCmd struct{ address string }
	snapshotCmd   struct{ resp chan PeerStatus }

	connectResult struct {
		attempt uint64
		handle  Handle
		err     error
	}
	retryTick     struct{}
	inboundFrame  struct {
		handle Handle
		frame  []byte
	}
	transportClosed struct {
		handle Handle
		err    error
	}
	sendFailed struct {
		handle Handle
		id     uint32
		err    error
	}
	timeoutFired struct{ id uint32 }
)

func newConnection(localID, peerID, address string, tr Transport, codec Codec, cfg config, m *Metrics) *Connection {
	c := &Connection{
		peerID:    peerID,
		localID:   localID,
		transport: tr,
		codec:     codec,
		cfg:       cfg,
		metrics:   m,
		commands:  make(chan any, cfg.mailboxSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		address:   address,
		state:     StateInitializing,
		backlog:   make(map[uint32]*pendingRequest),
	}
	c.stateVal.Store(int32(StateInitializing))
	return c
}

// --- caller-facing API ---

func (c *Connection) PeerID() string { return c.peerID }

func (c *Connection) State() State { return State(c.stateVal.Load()) }

// SendMessage transmits payload to the peer and blocks the caller until a
// correlated reply arrives, the timeout elapses, or the transmit fails.
// A non-positive timeout selects the configured default. Returns ErrClosed
// immediately while the peer is not connected, regardless of any connect
// attempt in flight.
func (c *Connection) SendMessage(payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.cfg.requestTimeout
	}

	// Fast path: don't pay a mailbox round-trip while disconnected. The
	// actor would answer ErrClosed anyway; answering here keeps the
	// latency independent of mailbox depth too.
	if !c.connected.Load() {
		c.metrics.RequestsFailed.Add(1)
		return nil, ErrClosed
	}

	cmd := sendCmd{payload: payload, timeout: timeout, resp: make(chan response, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return nil, ErrClosed
	}

	select {
	case r := <-cmd.resp:
		return r.payload, r.err
	case <-c.done:
		return nil, ErrClosed
	}
}

// Availability returns the seconds of downtime accrued by request timeouts.
// While the availability timer is running (peer connected and not timing
// out) it returns 0 and mutates nothing. With reset, the accumulator is
// zeroed after being read.
func (c *Connection) Availability(reset bool) int64 {
	cmd := availabilityCmd{reset: reset, resp: make(chan int64, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return 0
	}
	select {
	case v := <-cmd.resp:
		return v
	case <-c.done:
		return 0
	}
}

// SetAddress repoints the peer at a new network location. Takes effect on
// the next connect attempt; an established link is not torn down.
func (c *Connection) SetAddress(addr string) {
	select {
	case c.commands <- setAddressCmd{address: addr}:
	case <-c.done:
	}
}

// Status returns a snapshot of the connection for the admin surface.
func (c *Connection) Status() PeerStatus {
	cmd := snapshotCmd{resp: make(chan PeerStatus, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return PeerStatus{PeerID: c.peerID, State: c.State().String()}
	}
	select {
	case s := <-cmd.resp:
		return s
	case <-c.done:
		return PeerStatus{PeerID: c.peerID, State: c.State().String()}
	}
}

// Stop halts the actor: every outstanding request is failed with ErrClosed,
// all timers are stopped and the transport handle is released. Safe to call
// multiple times; returns once teardown has completed.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	<-c.stopped
}

// --- actor loop ---

func (c *Connection) run() {
	defer close(c.stopped)

	slog.Info("peer connection started", "peer", c.peerID, "address", c.address)

	// The first connect attempt is dispatched immediately; creation never
	// blocks on it.
	c.dispatchConnect()

	for {
		select {
		case <-c.done:
			c.teardown()
			return
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		}
	}
}

func (c *Connection) handleCommand(cmd any) {
	switch cmd := cmd.(type) {
	case sendCmd:
		c.handleSend(cmd)
	case inboundFrame:
		c.handleInbound(cmd)
	case timeoutFired:
		c.handleTimeout(cmd.id)
	case connectResult:
		c.handleConnectResult(cmd)
	case retryTick:
		if c.state != StateConnected {
			c.dispatchConnect()
		}
	case transportClosed:
		c.handleClosed(cmd)
	case sendFailed:
		c.handleSendFailed(cmd)
	case availabilityCmd:
		cmd.resp <- c.availability(cmd.reset)
	case setAddressCmd:
		c.address = cmd.address
	case snapshotCmd:
		cmd.resp <- PeerStatus{
			PeerID:      c.peerID,
			Address:     c.address,
			State:       c.state.String(),
			Outstanding: len(c.backlog),
			DowntimeSec: int64(c.downtime / time.Second),
			ConnectedAt: c.since,
		}
	}
}

// post delivers an internal event to the actor, dropping it if the
// connection has been stopped.
func (c *Connection) post(ev any) {
	select {
	case c.commands <- ev:
	case <-c.done:
		// A connect attempt that raced shutdown still owns its handle.
		if res, ok := ev.(connectResult); ok && res.handle != nil {
			res.handle.Close()
		}
	}
}

func (c *Connection) onFrame(h Handle, frame []byte) {
	c.post(inboundFrame{handle: h, frame: frame})
}

func (c *Connection) onClose(h Handle, err error) {
	c.post(transportClosed{handle: h, err: err})
}

func (c *Connection) setState(s State) {
	c.state = s
	c.stateVal.Store(int32(s))
	c.connected.Store(s == StateConnected)
}

// --- connect / reconnect ---

// dispatchConnect launches a detached connect attempt against the current
// address. Its completion comes back as a connectResult event; the attempt
// sequence number lets the actor discard results that were superseded.
func (c *Connection) dispatchConnect() {
	c.attempt++
	attempt := c.attempt
	addr := c.address
	c.metrics.ConnectAttempts.Add(1)

	go func() {
		h, err := c.transport.Connect(addr, c.onFrame, c.onClose)
		c.post(connectResult{attempt: attempt, handle: h, err: err})
	}()
}

func (c *Connection) handleConnectResult(res connectResult) {
	if res.attempt != c.attempt || c.state == StateConnected {
		// Superseded attempt; it does not own the connection.
		if res.handle != nil {
			res.handle.Close()
		}
		return
	}
	if res.err != nil {
		slog.Debug("peer connect failed", "peer", c.peerID, "address", c.address, "error", res.err)
		c.scheduleRetry()
		return
	}

	c.handle = res.handle
	c.writer = newConnWriter(c, res.handle)
	c.setState(StateConnected)
	c.since = time.Now()
	c.metrics.Connects.Add(1)
	slog.Info("peer connected", "peer", c.peerID, "address", c.address)
}

func (c *Connection) scheduleRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(c.cfg.reconnectInterval, func() {
		c.post(retryTick{})
	})
}

// disconnect releases the current handle and stops the availability timer.
// The downtime accumulator is not touched here; only timeout events
// accrue it.
func (c *Connection) disconnect() {
	if c.writer != nil {
		c.writer.shutdown()
		c.writer = nil
	}
	if c.handle != nil {
		c.handle.Close()
		c.handle = nil
	}
	if c.state == StateConnected {
		c.metrics.Disconnects.Add(1)
	}
	c.setState(StateDisconnected)
	c.since = time.Time{}
}

func (c *Connection) handleClosed(ev transportClosed) {
	if ev.handle != c.handle {
		return
	}
	slog.Warn("peer transport closed", "peer", c.peerID, "error", ev.err)
	c.disconnect()
	c.failBacklog(ErrClosed)
	c.scheduleRetry()
}

// --- requests ---

func (c *Connection) handleSend(cmd sendCmd) {
	if c.state != StateConnected {
		c.metrics.RequestsFailed.Add(1)
		cmd.resp <- response{err: ErrClosed}
		return
	}

	id := c.allocRequestID()
	pr := &pendingRequest{resp: cmd.resp, sentAt: time.Now()}
	pr.timer = time.AfterFunc(cmd.timeout, func() {
		c.post(timeoutFired{id: id})
	})
	c.backlog[id] = pr
	c.metrics.RequestsTotal.Add(1)

	frame := c.codec.Encode(id, c.localID, cmd.payload)
	if !c.writer.tryEnqueue(outFrame{id: id, frame: frame}) {
		// Writer queue full or stopped: the peer has stalled. Treat as a
		// transmit failure for this request and drop the link.
		delete(c.backlog, id)
		pr.timer.Stop()
		c.metrics.RequestsFailed.Add(1)
		cmd.resp <- response{err: fmt.Errorf("%w: send queue full", ErrClosed)}
		c.disconnect()
		c.scheduleRetry()
	}
}

// allocRequestID returns the next request id, skipping 0 and any id still
// held by an outstanding backlog entry, so the wrapping counter can never
// collide with a live request.
func (c *Connection) allocRequestID() uint32 {
	for {
		c.nextID++
		if c.nextID == 0 {
			continue
		}
		if _, taken := c.backlog[c.nextID]; !taken {
			return c.nextID
		}
	}
}

func (c *Connection) handleSendFailed(ev sendFailed) {
	if ev.handle != c.handle {
		return
	}
	if pr, ok := c.backlog[ev.id]; ok {
		delete(c.backlog, ev.id)
		pr.timer.Stop()
		c.metrics.RequestsFailed.Add(1)
		pr.resp <- response{err: fmt.Errorf("transport send: %w", ev.err)}
	}
	slog.Warn("peer send failed", "peer", c.peerID, "error", ev.err)
	c.disconnect()
	c.scheduleRetry()
}

func (c *Connection) handleTimeout(id uint32) {
	pr, ok := c.backlog[id]
	if !ok {
		// Already resolved by a reply or failure; the timer lost the race.
		return
	}
	delete(c.backlog, id)
	c.metrics.RequestsTimedOut.Add(1)
	pr.resp <- response{err: ErrRequestTimeout}

	// A timeout stops the availability timer and accrues the elapsed wait,
	// but does not force a disconnect: the link may still be healthy while
	// the peer is slow to answer.
	c.downtime += time.Since(pr.sentAt).Round(time.Second)
	c.since = time.Time{}
}

func (c *Connection) handleInbound(ev inboundFrame) {
	if ev.handle != c.handle {
		return
	}
	env, err := c.codec.Decode(ev.frame)
	if err != nil {
		slog.Warn("peer frame dropped", "peer", c.peerID, "error", err)
		c.metrics.FramesDropped.Add(1)
		return
	}
	pr, ok := c.backlog[env.RequestID]
	if !ok {
		// Late or duplicate reply; its request was already resolved.
		c.metrics.RepliesUnmatched.Add(1)
		return
	}
	delete(c.backlog, env.RequestID)
	pr.timer.Stop()
	c.metrics.RepliesMatched.Add(1)
	pr.resp <- response{payload: env.Payload}
}

// failBacklog resolves every outstanding request with err and clears the
// backlog, stopping each deadline timer first.
func (c *Connection) failBacklog(err error) {
	for id, pr := range c.backlog {
		pr.timer.Stop()
		delete(c.backlog, id)
		c.metrics.RequestsFailed.Add(1)
		pr.resp <- response{err: err}
	}
}

func (c *Connection) availability(reset bool) int64 {
	if !c.since.IsZero() {
		// Availability timer running: nothing accrued to report.
		return 0
	}
	secs := int64(c.downtime / time.Second)
	if reset {
		c.downtime = 0
	}
	return secs
}

func (c *Connection) teardown() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.failBacklog(ErrClosed)
	c.disconnect()
	slog.Info("peer connection stopped", "peer", c.peerID)
}

// --- outbound writer ---

// connWriter owns all writes to a single transport handle. Frames are
// queued by the actor and written by this goroutine, so a stalled peer
// never blocks command processing. On the first send error the writer
// reports a sendFailed event and exits; frames still queued are resolved
// by the closure path failing the backlog.
type connWriter struct {
	frames   chan outFrame
	stop     chan struct{}
	stopOnce sync.Once
}

type outFrame struct {
	id    uint32
	frame []byte
}

func newConnWriter(c *Connection, h Handle) *connWriter {
	w := &connWriter{
		frames: make(chan outFrame, c.cfg.mailboxSize),
		stop:   make(chan struct{}),
	}
	go w.loop(c, h)
	return w
}

func (w *connWriter) loop(c *Connection, h Handle) {
	for {
		select {
		case <-w.stop:
			return
		case out := <-w.frames:
			if err := h.Send(out.frame); err != nil {
				c.post(sendFailed{handle: h, id: out.id, err: err})
				return
			}
		}
	}
}

// tryEnqueue queues a frame without blocking. Returns false when the queue
// is full or the writer has stopped.
func (w *connWriter) tryEnqueue(out outFrame) bool {
	select {
	case <-w.stop:
		return false
	default:
	}
	select {
	case w.frames <- out:
		return true
	default:
		return false
	}
}

func (w *connWriter) shutdown() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}
