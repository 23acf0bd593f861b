package peernet

// TCPTransport implements the Transport capability over plain TCP.
//
// Invariants:
//   - Wire format: [4-byte big-endian frame length][frame bytes]. The frame
//     bytes are the codec's output; the length header belongs to this layer.
//   - Frames larger than maxFrameSize are rejected on both read and write.
//   - Every conn.Write is bounded by tcpWriteTimeout. A stalled peer fails
//     the send instead of hanging the writer.
//   - conn.Read uses a 64KB bufio.Reader. Read deadlines are refreshed every
//     ~10s (not per frame) using the coarse clock, detecting half-open TCP.
//     An idle link is therefore reaped after tcpReadTimeout; the owning
//     connection actor re-establishes it through its reconnect loop.
//   - A read error closes the link and reports it through the CloseHandler
//     exactly once.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// tcpDialTimeout bounds net.DialTimeout when connecting to a peer.
const tcpDialTimeout = 5 * time.Second

// tcpReadTimeout is the deadline for each frame read. If no data arrives
// within this window the link is torn down.
const tcpReadTimeout = 30 * time.Second

// tcpWriteTimeout bounds every conn.Write.
const tcpWriteTimeout = 5 * time.Second

// maxFrameSize is the upper bound on a single frame's bytes.
const maxFrameSize = 16 << 20 // 16 MB

type TCPTransport struct{}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Connect(addr string, onFrame FrameHandler, onClose CloseHandler) (Handle, error) {
	conn, err := net.DialTimeout("tcp", addr, tcpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}

	h := &tcpHandle{conn: conn}
	go h.readLoop(onFrame, onClose)
	return h, nil
}

type tcpHandle struct {
	conn      net.Conn
	mu        sync.Mutex // serializes writers; Send races inbound delivery, not other sends
	closeOnce sync.Once
	closeErr  error
}

func (h *tcpHandle) Send(frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("tcp: frame too large (%d bytes)", len(frame))
	}
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
	if _, err := h.conn.Write(buf); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

func (h *tcpHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}

func (h *tcpHandle) readLoop(onFrame FrameHandler, onClose CloseHandler) {
	br := bufio.NewReaderSize(h.conn, 65536)

	// Throttle read deadline updates: the 30s deadline only needs
	// refreshing every ~10s. Uses the coarse clock for a zero-cost check.
	var lastDeadlineSet int64

	for {
		now := coarseNow.Load()
		if now-lastDeadlineSet >= 10 {
			h.conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
			lastDeadlineSet = now
		}
		frame, err := readTCPFrame(br)
		if err != nil {
			h.Close()
			onClose(h, err)
			return
		}
		onFrame(h, frame)
	}
}

// readTCPFrame reads one length-delimited frame from r.
func readTCPFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return nil, fmt.Errorf("tcp: zero-length frame")
	}
	if frameLen > maxFrameSize {
		return nil, fmt.Errorf("tcp: frame too large (%d bytes)", frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("tcp: incomplete frame: %w", err)
	}
	return frame, nil
}

// --- responder side ---

// ResponderFunc produces the reply payload for a decoded request envelope.
// Returning nil sends no reply (the requester will time out).
type ResponderFunc func(env Envelope) []byte

// TCPResponder accepts inbound peer links and answers each request with fn,
// echoing the request id back for correlation. This is the serving half a
// node runs so its own peers' connection actors have something to talk to.
type TCPResponder struct {
	listener net.Listener
	codec    Codec
	localID  string
	fn       ResponderFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ListenTCP starts a responder on addr (use ":0" for an ephemeral port).
func ListenTCP(addr, localID string, codec Codec, fn ResponderFunc) (*TCPResponder, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	r := &TCPResponder{
		listener: ln,
		codec:    codec,
		localID:  localID,
		fn:       fn,
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (r *TCPResponder) Addr() string {
	return r.listener.Addr().String()
}

// Stop closes the listener and every accepted link, then waits for the
// serving goroutines to exit. Idempotent.
func (r *TCPResponder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.listener.Close()

		r.mu.Lock()
		for conn := range r.conns {
			conn.Close()
		}
		r.mu.Unlock()

		r.wg.Wait()
	})
}

func (r *TCPResponder) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
				slog.Error("responder accept error", "error", err)
				continue
			}
		}
		r.mu.Lock()
		r.conns[conn] = struct{}{}
		r.mu.Unlock()

		r.wg.Add(1)
		go r.serve(conn)
	}
}

func (r *TCPResponder) serve(conn net.Conn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	br := bufio.NewReaderSize(conn, 65536)
	for {
		frame, err := readTCPFrame(br)
		if err != nil {
			return
		}
		env, err := r.codec.Decode(frame)
		if err != nil {
			slog.Warn("responder frame dropped", "error", err)
			continue
		}
		reply := r.fn(env)
		if reply == nil {
			continue
		}

		out := r.codec.Encode(env.RequestID, r.localID, reply)
		buf := make([]byte, 4+len(out))
		binary.BigEndian.PutUint32(buf[:4], uint32(len(out)))
		copy(buf[4:], out)

		conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
		if _, err := conn.Write(buf); err != nil {
			return
		}
	}
}
