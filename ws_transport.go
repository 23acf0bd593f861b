package peernet

// WSTransport implements the Transport capability over WebSocket. Each
// envelope frame travels as one binary WebSocket message, so no inner
// length header is needed. Peers serve the upgrade endpoint at /peer.

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteTimeout bounds every outbound WebSocket message.
const wsWriteTimeout = 5 * time.Second

type WSTransport struct {
	dialer *websocket.Dialer
}

func NewWSTransport() *WSTransport {
	return &WSTransport{
		dialer: websocket.DefaultDialer,
	}
}

func (t *WSTransport) Connect(addr string, onFrame FrameHandler, onClose CloseHandler) (Handle, error) {
	url := fmt.Sprintf("ws://%s/peer", addr)
	conn, _, err := t.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", addr, err)
	}

	h := &wsHandle{conn: conn}
	go h.readLoop(onFrame, onClose)
	return h, nil
}

type wsHandle struct {
	conn      *websocket.Conn
	sendMu    sync.Mutex // gorilla allows only one concurrent writer
	closeOnce sync.Once
	closeErr  error
}

func (h *wsHandle) Send(frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("ws: frame too large (%d bytes)", len(frame))
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := h.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (h *wsHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}

func (h *wsHandle) readLoop(onFrame FrameHandler, onClose CloseHandler) {
	for {
		_, msg, err := h.conn.ReadMessage()
		if err != nil {
			h.Close()
			onClose(h, err)
			return
		}
		onFrame(h, msg)
	}
}

// --- responder side ---

// WSResponder is the WebSocket counterpart of TCPResponder: it serves the
// /peer upgrade endpoint and answers each request envelope with fn.
type WSResponder struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	codec    Codec
	localID  string
	fn       ResponderFunc

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	stopOnce sync.Once
}

// ListenWS starts a WebSocket responder on addr (use ":0" for an ephemeral
// port).
func ListenWS(addr, localID string, codec Codec, fn ResponderFunc) (*WSResponder, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws listen: %w", err)
	}

	r := &WSResponder{
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		codec:   codec,
		localID: localID,
		fn:      fn,
		conns:   make(map[*websocket.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", r.peerHandler)
	r.server = &http.Server{Handler: mux}

	go func() {
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("ws responder error", "error", err)
		}
	}()

	return r, nil
}

// Addr returns the listener's address.
func (r *WSResponder) Addr() string {
	return r.listener.Addr().String()
}

// Stop shuts the HTTP server down and closes every upgraded link (hijacked
// connections are not covered by server.Close). Idempotent.
func (r *WSResponder) Stop() {
	r.stopOnce.Do(func() {
		r.server.Close()

		r.mu.Lock()
		for conn := range r.conns {
			conn.Close()
		}
		r.mu.Unlock()
	})
}

func (r *WSResponder) peerHandler(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("ws upgrade error", "error", err)
		return
	}

	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := r.codec.Decode(msg)
		if err != nil {
			slog.Warn("ws responder frame dropped", "error", err)
			continue
		}
		reply := r.fn(env)
		if reply == nil {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, r.codec.Encode(env.RequestID, r.localID, reply)); err != nil {
			return
		}
	}
}
