package peernet

import (
	"time"
)

type Option func(*config)

type config struct {
	reconnectInterval time.Duration
	requestTimeout    time.Duration

	// mailboxSize buffers each connection's command channel and its
	// writer queue.
	mailboxSize int

	codec Codec

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string
}

func defaultConfig() config {
	return config{
		reconnectInterval: 500 * time.Millisecond,
		requestTimeout:    5 * time.Second,
		mailboxSize:       256,
		codec:             BinaryCodec{},
	}
}

// WithReconnectInterval sets the fixed delay between connect attempts while
// a peer is disconnected. There is no backoff growth. Default: 500ms.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *config) {
		c.reconnectInterval = d
	}
}

// WithRequestTimeout sets the default deadline applied to SendMessage calls
// that pass a non-positive timeout. Default: 5s.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		c.requestTimeout = d
	}
}

// WithMailboxSize sets the buffer size of each connection's command channel
// and outbound writer queue. Default: 256.
func WithMailboxSize(n int) Option {
	return func(c *config) {
		c.mailboxSize = n
	}
}

// WithCodec replaces the envelope codec. Default: BinaryCodec.
func WithCodec(codec Codec) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithAdminAddr enables the HTTP admin server on the given address.
func WithAdminAddr(addr string) Option {
	return func(c *config) {
		c.adminAddr = addr
	}
}
