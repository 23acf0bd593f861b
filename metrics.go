package peernet

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across pools.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Pool. All counters are lock-free
// (atomic int64) and published to expvar under the "peernet." prefix for
// inspection via /debug/vars.
type Metrics struct {
	RequestsTotal    atomic.Int64
	RequestsTimedOut atomic.Int64
	RequestsFailed   atomic.Int64

	RepliesMatched   atomic.Int64
	RepliesUnmatched atomic.Int64
	FramesDropped    atomic.Int64

	ConnectAttempts atomic.Int64
	Connects        atomic.Int64
	Disconnects     atomic.Int64

	// peerCountFn returns the current number of registered peers.
	// Set by Pool at init time.
	peerCountFn func() int
}

// newMetrics creates a Metrics instance and publishes all counters to expvar.
// Each call gets a unique expvar prefix via a monotonic sequence.
func newMetrics() *Metrics {
	m := &Metrics{}

	// Use a monotonic sequence to guarantee unique expvar names even when
	// multiple pools run in one process (common in tests).
	seq := metricsSeq.Add(1)
	prefix := "peernet." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("requests_total", atomicVar(&m.RequestsTotal))
	publish("requests_timed_out", atomicVar(&m.RequestsTimedOut))
	publish("requests_failed", atomicVar(&m.RequestsFailed))
	publish("replies_matched", atomicVar(&m.RepliesMatched))
	publish("replies_unmatched", atomicVar(&m.RepliesUnmatched))
	publish("frames_dropped", atomicVar(&m.FramesDropped))
	publish("connect_attempts", atomicVar(&m.ConnectAttempts))
	publish("connects", atomicVar(&m.Connects))
	publish("disconnects", atomicVar(&m.Disconnects))
	publish("peers", expvar.Func(func() any {
		if m.peerCountFn != nil {
			return m.peerCountFn()
		}
		return 0
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"requests_total":     m.RequestsTotal.Load(),
		"requests_timed_out": m.RequestsTimedOut.Load(),
		"requests_failed":    m.RequestsFailed.Load(),
		"replies_matched":    m.RepliesMatched.Load(),
		"replies_unmatched":  m.RepliesUnmatched.Load(),
		"frames_dropped":     m.FramesDropped.Load(),
		"connect_attempts":   m.ConnectAttempts.Load(),
		"connects":           m.Connects.Load(),
		"disconnects":        m.Disconnects.Load(),
	}
	if m.peerCountFn != nil {
		snap["peers"] = int64(m.peerCountFn())
	}
	return snap
}
