// Package connection tracks one decoding chain per captured connection and
// routes capture events into it.
package connection

import (
	"fmt"
	"sync"
	"time"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/connection/pnet"
	"firestige.xyz/recorder/internal/connection/protocols"
	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/metrics"
)

const defaultShards = 64

// RootFunc builds the first handler of a new chain.
type RootFunc func(sid core.StreamID) (api.Handler, error)

// Randomness accepts captured random bytes as candidate key material.
type Randomness interface {
	AddRandomness(buf []byte) int
}

type chain struct {
	mu   sync.Mutex
	sid  core.StreamID
	root api.Handler
	last [2]uint64
	seen [2]bool
	err  error
	// closed is set once the chain has left the shard map.
	closed bool
}

type shard struct {
	mu     sync.Mutex
	chains map[core.ConnectionID]*chain
}

// Registry owns the chains of all live connections. Chains of different
// connections may be driven concurrently; events of one connection are
// serialised by the chain's lock.
type Registry struct {
	cx      *api.Context
	sink    api.Sink
	newRoot RootFunc
	random  Randomness
	shards  []shard
}

// Option configures a Registry.
type Option func(*Registry)

// WithPSK decodes every connection through the private network layer.
func WithPSK(psk *[32]byte) Option {
	return func(r *Registry) {
		r.newRoot = func(sid core.StreamID) (api.Handler, error) {
			return pnet.New(psk, protocols.Negotiate(sid))
		}
	}
}

// WithRoot replaces the chain constructor.
func WithRoot(fn RootFunc) Option {
	return func(r *Registry) {
		r.newRoot = fn
	}
}

// WithRandomness routes randomness events to store. By default they go to
// the context's key store when it accepts them.
func WithRandomness(store Randomness) Option {
	return func(r *Registry) {
		r.random = store
	}
}

// WithShards sets the number of lock shards.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]shard, n)
		}
	}
}

// New returns an empty registry. Chains start with multistream-select
// unless an option says otherwise.
func New(cx *api.Context, sink api.Sink, opts ...Option) *Registry {
	r := &Registry{
		cx:   cx,
		sink: sink,
		newRoot: func(sid core.StreamID) (api.Handler, error) {
			return protocols.Negotiate(sid), nil
		},
		shards: make([]shard, defaultShards),
	}
	if rnd, ok := cx.Keys.(Randomness); ok {
		r.random = rnd
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i].chains = make(map[core.ConnectionID]*chain)
	}
	return r
}

// Handle applies one capture event. The returned error is the failure that
// ended the connection's chain, reported once; later events of a failed
// chain are dropped.
func (r *Registry) Handle(ev core.Event) error {
	metrics.CaptureEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
	switch ev.Kind {
	case core.EventData:
		return r.data(ev)
	case core.EventClose:
		return r.close(ev.ID)
	case core.EventRandomness:
		if r.random != nil {
			r.random.AddRandomness(ev.Data)
		}
		return nil
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

func (r *Registry) data(ev core.Event) error {
	start := time.Now()
	defer func() { metrics.HandleLatencySeconds.Observe(time.Since(start).Seconds()) }()
	metrics.CaptureBytesTotal.WithLabelValues(ev.ID.Dir.String()).Add(float64(len(ev.Data)))

	c, err := r.acquire(ev.ID.Stream.Conn)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	id := ev.ID
	id.Stream = c.sid
	d := id.Dir & 1
	if c.seen[d] && id.Seq == 0 && c.last[d] > 0 {
		// The capture restarted numbering: the connection was reused.
		r.cx.Log().Info("connection restarted", "stream", c.sid.String())
		r.finish(c, id)
		root, err := r.newRoot(c.sid)
		if err != nil {
			return r.fail(c, err)
		}
		c.root, c.err = root, nil
		c.seen = [2]bool{}
		c.last = [2]uint64{}
	}
	if c.err != nil {
		metrics.DroppedEventsTotal.WithLabelValues(metrics.ScopeConnection).Inc()
		return nil
	}
	if c.seen[d] && id.Seq < c.last[d] {
		return r.fail(c, fmt.Errorf("%w: %s seq %d after %d", core.ErrSequence, id.Dir, id.Seq, c.last[d]))
	}
	c.seen[d] = true
	c.last[d] = id.Seq

	if err := c.root.OnData(id, ev.Data, r.cx, r.sink); err != nil {
		return r.fail(c, err)
	}
	return nil
}

// acquire returns the locked chain of conn, creating it when absent. A chain
// closed between the map lookup and the lock is skipped; the event then
// starts a fresh chain as if it had arrived after the close.
func (r *Registry) acquire(conn core.ConnectionID) (*chain, error) {
	s := r.shard(conn)
	for {
		s.mu.Lock()
		c, ok := s.chains[conn]
		if !ok {
			sid := core.StreamID{Conn: conn}
			root, err := r.newRoot(sid)
			if err != nil {
				s.mu.Unlock()
				return nil, err
			}
			c = &chain{sid: sid, root: root}
			s.chains[conn] = c
			metrics.ChainsActive.Inc()
		}
		s.mu.Unlock()
		c.mu.Lock()
		if !c.closed {
			return c, nil
		}
		c.mu.Unlock()
	}
}

func (r *Registry) fail(c *chain, err error) error {
	c.err = err
	metrics.StreamFailuresTotal.WithLabelValues(metrics.ScopeConnection, core.ErrorClass(err)).Inc()
	r.cx.Log().Warn("connection decoding failed", "stream", c.sid.String(), "error", err)
	r.finish(c, core.DirectedID{Stream: c.sid})
	return err
}

// finish signals end of stream down the chain so that nested handlers
// release buffers and key material.
func (r *Registry) finish(c *chain, id core.DirectedID) {
	if c.root == nil {
		return
	}
	if err := api.Finish(c.root, id, r.cx, r.sink); err != nil {
		r.cx.Log().Debug("error closing chain", "stream", c.sid.String(), "error", err)
	}
	c.root = nil
}

func (r *Registry) close(id core.DirectedID) error {
	conn := id.Stream.Conn
	s := r.shard(conn)
	s.mu.Lock()
	c, ok := s.chains[conn]
	if ok {
		delete(s.chains, conn)
		metrics.ChainsActive.Dec()
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	id.Stream = c.sid
	r.finish(c, id)
	return nil
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.chains)
		s.mu.Unlock()
	}
	return n
}

// Failure returns the error that ended conn's chain, if any.
func (r *Registry) Failure(conn core.ConnectionID) error {
	s := r.shard(conn)
	s.mu.Lock()
	c, ok := s.chains[conn]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down every chain.
func (r *Registry) Close() {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		chains := s.chains
		s.chains = make(map[core.ConnectionID]*chain)
		s.mu.Unlock()
		for _, c := range chains {
			c.mu.Lock()
			c.closed = true
			r.finish(c, core.DirectedID{Stream: c.sid})
			c.mu.Unlock()
			metrics.ChainsActive.Dec()
		}
	}
}

func (r *Registry) shard(conn core.ConnectionID) *shard {
	return &r.shards[conn.Hash()%uint32(len(r.shards))]
}
