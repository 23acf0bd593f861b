package peernet

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool is the node-facing entry point of the connection layer. It owns the peer
// registry, the shared metrics and the default configuration, and routes
// every operation to the addressed peer's connection actor.
type Pool struct {
	localID   string
	cfg       config
	transport Transport
	codec     Codec
	registry  *Registry
	metrics   *Metrics

	adminServer *AdminServer
	stopOnce    sync.Once
}

// NewPool creates a connection pool. localID is this node's own peer
// identity, stamped on every outgoing envelope.
func NewPool(localID string, transport Transport, opts ...Option) *Pool {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	p := &Pool{
		localID:   localID,
		cfg:       cfg,
		transport: transport,
		codec:     cfg.codec,
		registry:  NewRegistry(),
		metrics:   newMetrics(),
	}
	p.metrics.peerCountFn = p.registry.Count

	if cfg.adminAddr != "" {
		as, err := NewAdminServer(p, cfg.adminAddr)
		if err != nil {
			slog.Error("admin server failed to start", "error", err)
		} else {
			p.adminServer = as
			as.Start()
		}
	}

	return p
}

// Start creates the connection actor for a peer and begins connecting in
// the background. Idempotent: starting an already-known peer returns the
// existing connection and repoints it at address.
func (p *Pool) Start(peerID, address string) *Connection {
	c := newConnection(p.localID, peerID, address, p.transport, p.codec, p.cfg, p.metrics)
	stored, won := p.registry.Register(c)
	if !won {
		stored.SetAddress(address)
		return stored
	}
	go c.run()
	return c
}

// SendMessage sends payload to the addressed peer and blocks until a reply,
// a timeout or a failure. A non-positive timeout selects the default.
func (p *Pool) SendMessage(peerID string, payload []byte, timeout time.Duration) ([]byte, error) {
	c := p.registry.Lookup(peerID)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return c.SendMessage(payload, timeout)
}

// GetAvailability reports the peer's accrued downtime in seconds, optionally
// resetting the accumulator.
func (p *Pool) GetAvailability(peerID string, reset bool) (int64, error) {
	c := p.registry.Lookup(peerID)
	if c == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return c.Availability(reset), nil
}

// Stop tears down a single peer's connection, failing its outstanding
// requests with ErrClosed.
func (p *Pool) Stop(peerID string) {
	p.registry.Remove(peerID)
}

// Shutdown stops every connection and the admin server. Idempotent.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		slog.Info("pool shutting down", "node", p.localID)
		if p.adminServer != nil {
			p.adminServer.Stop()
		}
		p.registry.RemoveAll()
	})
}

// Metrics returns the pool's operational metrics.
func (p *Pool) Metrics() *Metrics {
	return p.metrics
}

// Peers returns a snapshot of every registered connection.
func (p *Pool) Peers() []PeerStatus {
	conns := p.registry.List()
	out := make([]PeerStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	return out
}
