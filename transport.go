package peernet

// Transport is the capability boundary below the connection layer. It knows
// how to reach a peer's network address and move opaque frames; it knows
// nothing about request correlation or peer identity.
//
// Contract:
//   - Connect dials the address and returns a live Handle, or an error.
//     It may block (a hung dial is the caller's problem to detach).
//   - Inbound frames and the eventual closure of the link are pushed
//     asynchronously through the callbacks, from transport-owned goroutines.
//     Both callbacks receive the Handle they belong to so the owner can
//     discard events from a superseded connection.
//   - onClose is invoked at most once per Handle, after which no further
//     onFrame calls are made for it.
//   - Handle.Send must tolerate invocation concurrent with inbound delivery.
type Transport interface {
	Connect(addr string, onFrame FrameHandler, onClose CloseHandler) (Handle, error)
}

// Handle is a single live link to a peer. Owned exclusively by one
// connection actor; nothing else sends on it.
type Handle interface {
	// Send transmits one frame. Implementations bound the write with a
	// deadline so a stalled peer fails the send instead of hanging it.
	Send(frame []byte) error

	// Close tears the link down. Idempotent.
	Close() error
}

// FrameHandler is called for every inbound frame on a Handle.
type FrameHandler func(h Handle, frame []byte)

// CloseHandler is called once when a Handle's link is gone. err carries the
// read error that ended the link (io.EOF on orderly shutdown).
type CloseHandler func(h Handle, err error)
