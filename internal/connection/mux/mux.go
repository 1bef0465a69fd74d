// Package mux splits a multiplexed connection into sub-streams.
//
// The concrete wire format (yamux or mplex) only decides how bytes are cut
// into frames. Every frame is normalised and applied to one sub-stream
// table, which owns the lifecycle and the per-sub-stream handler chains.
package mux

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/metrics"
)

// Kind selects the demultiplexer.
type Kind uint8

const (
	Yamux Kind = iota
	Mplex
)

func (k Kind) String() string {
	if k == Yamux {
		return "yamux"
	}
	return "mplex"
}

// SubstreamState is the lifecycle state of one sub-stream.
type SubstreamState uint8

const (
	Opening SubstreamState = iota
	Open
	HalfClosed
	Closed
)

func (s SubstreamState) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case HalfClosed:
		return "half_closed"
	default:
		return "closed"
	}
}

// recentlyClosed bounds how many closed ids are remembered per connection.
const recentlyClosed = 1024

// frame is the wire-independent view of one mux frame.
type frame struct {
	key     uint64
	session bool // ping, go-away: no sub-stream involved
	goAway  bool
	open    bool
	ack     bool
	fin     bool
	rst     bool
	name    string
	body    []byte
}

// demuxer cuts frames out of one direction's byte stream. n == 0 with a nil
// error means more bytes are needed.
type demuxer interface {
	next(b []byte, dir core.Direction, maxFrame int) (f frame, n int, err error)
}

type substream struct {
	sid     core.StreamID
	state   SubstreamState
	handler api.Handler
	seq     [2]uint64
	fin     [2]bool
	err     error
}

// SubFactory builds the handler chain of a new sub-stream.
type SubFactory func(sid core.StreamID) api.Handler

// Handler demultiplexes one connection.
type Handler struct {
	kind   Kind
	sid    core.StreamID
	demux  demuxer
	newSub SubFactory

	pending [2]*api.Accumulator
	subs    map[uint64]*substream
	closed  *lru.Cache[uint64, struct{}]
	goAway  bool
}

// New returns a demultiplexer of the given kind for connection sid.
func New(kind Kind, sid core.StreamID, newSub SubFactory) *Handler {
	var d demuxer
	switch kind {
	case Yamux:
		d = yamuxDemuxer{}
	case Mplex:
		d = mplexDemuxer{}
	default:
		panic(fmt.Sprintf("mux: unknown kind %d", kind))
	}
	closed, _ := lru.New[uint64, struct{}](recentlyClosed)
	return &Handler{
		kind:   kind,
		sid:    sid,
		demux:  d,
		newSub: newSub,
		subs:   make(map[uint64]*substream),
		closed: closed,
	}
}

// Kind returns the demultiplexer kind.
func (h *Handler) Kind() Kind {
	return h.kind
}

// State reports the lifecycle state of sub-stream key. Closed sub-streams
// that are still remembered report Closed.
func (h *Handler) State(key uint64) (SubstreamState, bool) {
	if s, ok := h.subs[key]; ok {
		return s.state, true
	}
	if h.closed.Contains(key) {
		return Closed, true
	}
	return 0, false
}

// Failure returns the error that failed sub-stream key, if any.
func (h *Handler) Failure(key uint64) error {
	if s, ok := h.subs[key]; ok {
		return s.err
	}
	return nil
}

// Len returns the number of live sub-streams.
func (h *Handler) Len() int {
	return len(h.subs)
}

// OnData implements api.Handler. Framing errors are fatal for the whole
// connection; failures inside a sub-stream are contained to it.
func (h *Handler) OnData(id core.DirectedID, data []byte, cx *api.Context, sink api.Sink) error {
	d := id.Dir & 1
	if h.pending[d] == nil {
		h.pending[d] = api.NewAccumulator(cx.Limits.MaxBuffer)
	}
	p := h.pending[d]
	if err := p.Append(data); err != nil {
		return err
	}
	for p.Len() > 0 {
		f, n, err := h.demux.next(p.Bytes(), id.Dir, cx.Limits.MaxFrame)
		if err != nil {
			p.Reset()
			return err
		}
		if n == 0 {
			break
		}
		h.apply(f, id, cx, sink)
		p.Consume(n)
	}
	return nil
}

// OnEnd implements api.Finisher: every live sub-stream ends with the connection.
func (h *Handler) OnEnd(id core.DirectedID, cx *api.Context, sink api.Sink) error {
	for key, s := range h.subs {
		h.closeSub(key, s, id, cx, sink, "teardown")
	}
	return nil
}

func (h *Handler) apply(f frame, id core.DirectedID, cx *api.Context, sink api.Sink) {
	if f.session {
		if f.goAway && !h.goAway {
			h.goAway = true
			metrics.SubstreamsTotal.WithLabelValues(h.kind.String(), "go_away").Inc()
			cx.Log().Debug("mux session going away", "stream", h.sid.String(), "direction", id.Dir.String())
		}
		return
	}

	s := h.subs[f.key]
	if f.open && s == nil {
		h.closed.Remove(f.key)
		sid := h.sid.Substream(f.key)
		s = &substream{sid: sid, state: Opening, handler: h.newSub(sid)}
		h.subs[f.key] = s
		metrics.SubstreamsTotal.WithLabelValues(h.kind.String(), "open").Inc()
		cx.Log().Debug("sub-stream opened", "stream", sid.String(), "name", f.name)
	}
	if s == nil {
		if h.closed.Contains(f.key) {
			h.violation(cx, f.key, "frame_after_close")
		}
		return
	}
	if f.ack || (f.open && h.kind == Mplex) {
		if s.state == Opening {
			s.state = Open
		}
	}
	if len(f.body) > 0 {
		if s.fin[id.Dir&1] {
			h.violation(cx, f.key, "data_after_fin")
		} else {
			h.deliver(s, id, f.body, cx, sink)
		}
	}
	switch {
	case f.rst:
		h.closeSub(f.key, s, id, cx, sink, "reset")
	case f.fin:
		s.fin[id.Dir&1] = true
		if s.fin[0] && s.fin[1] {
			h.closeSub(f.key, s, id, cx, sink, "close")
		} else {
			s.state = HalfClosed
		}
	}
}

func (h *Handler) deliver(s *substream, id core.DirectedID, body []byte, cx *api.Context, sink api.Sink) {
	if s.err != nil {
		metrics.DroppedEventsTotal.WithLabelValues(metrics.ScopeSubstream).Inc()
		return
	}
	d := id.Dir & 1
	sub := id.With(s.sid, s.seq[d])
	s.seq[d]++
	if err := s.handler.OnData(sub, body, cx, sink); err != nil {
		s.err = err
		metrics.StreamFailuresTotal.WithLabelValues(metrics.ScopeSubstream, core.ErrorClass(err)).Inc()
		cx.Log().Warn("sub-stream failed",
			slog.String("stream", s.sid.String()),
			slog.String("error_type", core.ErrorClass(err)),
			slog.Any("error", err))
	}
}

func (h *Handler) closeSub(key uint64, s *substream, id core.DirectedID, cx *api.Context, sink api.Sink, reason string) {
	s.state = Closed
	delete(h.subs, key)
	h.closed.Add(key, struct{}{})
	metrics.SubstreamsTotal.WithLabelValues(h.kind.String(), reason).Inc()
	if s.err != nil {
		return
	}
	end := id.With(s.sid, s.seq[id.Dir&1])
	if err := api.Finish(s.handler, end, cx, sink); err != nil {
		cx.Log().Debug("sub-stream end reported error", "stream", s.sid.String(), "error", err)
	}
}

func (h *Handler) violation(cx *api.Context, key uint64, reason string) {
	metrics.ProtocolViolationsTotal.WithLabelValues(h.kind.String(), reason).Inc()
	cx.Log().Debug("mux protocol violation",
		"stream", h.sid.Substream(key).String(),
		"reason", reason)
}

func frameTooLarge(kind Kind, n uint64, max int) error {
	return fmt.Errorf("%w: %s frame of %d bytes exceeds %d", core.ErrFraming, kind, n, max)
}
