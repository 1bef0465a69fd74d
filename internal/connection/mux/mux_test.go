package mux

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
)

type recorder struct {
	sid   core.StreamID
	got   [2]bytes.Buffer
	seqs  []uint64
	ended bool
	fail  error
}

func (r *recorder) OnData(id core.DirectedID, data []byte, _ *api.Context, _ api.Sink) error {
	if id.Stream != r.sid {
		return errors.New("delivered to the wrong stream")
	}
	r.seqs = append(r.seqs, id.Seq)
	r.got[id.Dir].Write(data)
	return r.fail
}

func (r *recorder) OnEnd(core.DirectedID, *api.Context, api.Sink) error {
	r.ended = true
	return nil
}

type subs struct {
	order []core.StreamID
	byID  map[core.StreamID]*recorder
}

func newSubs() *subs {
	return &subs{byID: map[core.StreamID]*recorder{}}
}

func (s *subs) factory(sid core.StreamID) api.Handler {
	r := &recorder{sid: sid}
	s.order = append(s.order, sid)
	s.byID[sid] = r
	return r
}

var (
	cx   = &api.Context{Limits: api.DefaultLimits()}
	sink = api.SinkFunc(func(core.StreamID, core.Record) error { return nil })
	conn = core.StreamID{Conn: core.ConnectionID{Index: 1}}
)

func out(seq uint64) core.DirectedID { return core.DirectedID{Stream: conn, Dir: core.Outbound, Seq: seq} }
func in(seq uint64) core.DirectedID  { return core.DirectedID{Stream: conn, Dir: core.Inbound, Seq: seq} }

func TestYamuxDemultiplexesInterleavedStreams(t *testing.T) {
	s := newSubs()
	h := New(Yamux, conn, s.factory)

	var wire []byte
	for _, id := range []uint32{1, 3, 5} {
		wire = AppendYamux(wire, YamuxWindowUpdate, YamuxSYN, id, nil)
	}
	wire = AppendYamux(wire, YamuxData, 0, 3, []byte("c1"))
	wire = AppendYamux(wire, YamuxData, 0, 1, []byte("a1"))
	wire = AppendYamux(wire, YamuxData, 0, 5, []byte("e1"))
	wire = AppendYamux(wire, YamuxData, 0, 1, []byte("a2"))
	wire = AppendYamux(wire, YamuxData, 0, 3, []byte("c2"))

	// Split at arbitrary points, including inside headers.
	for _, chunk := range [][]byte{wire[:5], wire[5:40], wire[40:]} {
		require.NoError(t, h.OnData(out(0), append([]byte(nil), chunk...), cx, sink))
	}

	require.Len(t, s.order, 3)
	assert.Equal(t, []core.StreamID{conn.Substream(1), conn.Substream(3), conn.Substream(5)}, s.order)
	assert.Equal(t, "a1a2", s.byID[conn.Substream(1)].got[core.Outbound].String())
	assert.Equal(t, "c1c2", s.byID[conn.Substream(3)].got[core.Outbound].String())
	assert.Equal(t, "e1", s.byID[conn.Substream(5)].got[core.Outbound].String())
	assert.Equal(t, []uint64{0, 1}, s.byID[conn.Substream(1)].seqs)
}

func TestYamuxLifecycle(t *testing.T) {
	s := newSubs()
	h := New(Yamux, conn, s.factory)

	require.NoError(t, h.OnData(out(0), AppendYamux(nil, YamuxData, YamuxSYN, 7, []byte("hi")), cx, sink))
	st, ok := h.State(7)
	require.True(t, ok)
	assert.Equal(t, Opening, st)

	require.NoError(t, h.OnData(in(0), AppendYamux(nil, YamuxWindowUpdate, YamuxACK, 7, nil), cx, sink))
	st, _ = h.State(7)
	assert.Equal(t, Open, st)

	require.NoError(t, h.OnData(out(1), AppendYamux(nil, YamuxData, YamuxFIN, 7, []byte("bye")), cx, sink))
	st, _ = h.State(7)
	assert.Equal(t, HalfClosed, st)

	require.NoError(t, h.OnData(in(1), AppendYamux(nil, YamuxData, YamuxFIN, 7, []byte("ok")), cx, sink))
	st, ok = h.State(7)
	require.True(t, ok)
	assert.Equal(t, Closed, st)
	assert.Equal(t, 0, h.Len())

	r := s.byID[conn.Substream(7)]
	assert.Equal(t, "hibye", r.got[core.Outbound].String())
	assert.Equal(t, "ok", r.got[core.Inbound].String())
	assert.True(t, r.ended)

	// Late frames for a closed id are a violation, not a connection failure.
	require.NoError(t, h.OnData(out(2), AppendYamux(nil, YamuxData, 0, 7, []byte("late")), cx, sink))
	assert.Equal(t, "hibye", r.got[core.Outbound].String())
}

func TestYamuxReset(t *testing.T) {
	s := newSubs()
	h := New(Yamux, conn, s.factory)
	require.NoError(t, h.OnData(out(0), AppendYamux(nil, YamuxWindowUpdate, YamuxSYN, 1, nil), cx, sink))
	require.NoError(t, h.OnData(in(0), AppendYamux(nil, YamuxWindowUpdate, YamuxRST, 1, nil), cx, sink))
	st, _ := h.State(1)
	assert.Equal(t, Closed, st)
	assert.True(t, s.byID[conn.Substream(1)].ended)
}

func TestYamuxUnknownIDIgnored(t *testing.T) {
	s := newSubs()
	h := New(Yamux, conn, s.factory)
	require.NoError(t, h.OnData(out(0), AppendYamux(nil, YamuxData, 0, 9, []byte("orphan")), cx, sink))
	assert.Empty(t, s.order)
	_, ok := h.State(9)
	assert.False(t, ok)
}

func TestYamuxSessionFrames(t *testing.T) {
	s := newSubs()
	h := New(Yamux, conn, s.factory)
	var wire []byte
	wire = AppendYamux(wire, YamuxPing, YamuxSYN, 0, nil)
	wire = AppendYamux(wire, YamuxGoAway, 0, 0, nil)
	require.NoError(t, h.OnData(out(0), wire, cx, sink))
	assert.Empty(t, s.order)
	assert.True(t, h.goAway)
}

func TestYamuxFramingErrors(t *testing.T) {
	small := &api.Context{Limits: api.Limits{MaxFrame: 16}}
	tests := []struct {
		name string
		wire []byte
	}{
		{"oversized frame", AppendYamux(nil, YamuxData, YamuxSYN, 1, make([]byte, 17))},
		{"bad version", append([]byte{1}, make([]byte, 11)...)},
		{"bad type", []byte{0, 9, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Yamux, conn, newSubs().factory)
			err := h.OnData(out(0), tt.wire, small, sink)
			assert.ErrorIs(t, err, core.ErrFraming)
		})
	}
}

func TestSubstreamFailureIsContained(t *testing.T) {
	s := newSubs()
	h := New(Yamux, conn, s.factory)

	require.NoError(t, h.OnData(out(0), AppendYamux(nil, YamuxWindowUpdate, YamuxSYN, 1, nil), cx, sink))
	require.NoError(t, h.OnData(out(1), AppendYamux(nil, YamuxWindowUpdate, YamuxSYN, 3, nil), cx, sink))
	bad := errors.New("broken")
	s.byID[conn.Substream(1)].fail = bad

	require.NoError(t, h.OnData(out(2), AppendYamux(nil, YamuxData, 0, 1, []byte("x")), cx, sink))
	require.NoError(t, h.OnData(out(3), AppendYamux(nil, YamuxData, 0, 1, []byte("y")), cx, sink))
	require.NoError(t, h.OnData(out(4), AppendYamux(nil, YamuxData, 0, 3, []byte("z")), cx, sink))

	assert.ErrorIs(t, h.Failure(1), bad)
	assert.NoError(t, h.Failure(3))
	assert.Equal(t, "x", s.byID[conn.Substream(1)].got[core.Outbound].String(), "failed sub-stream receives nothing more")
	assert.Equal(t, "z", s.byID[conn.Substream(3)].got[core.Outbound].String())
}

func TestOnEndClosesLiveSubstreams(t *testing.T) {
	s := newSubs()
	h := New(Yamux, conn, s.factory)
	require.NoError(t, h.OnData(out(0), AppendYamux(nil, YamuxWindowUpdate, YamuxSYN, 1, nil), cx, sink))
	require.NoError(t, h.OnData(out(1), AppendYamux(nil, YamuxWindowUpdate, YamuxSYN, 3, nil), cx, sink))

	require.NoError(t, h.OnEnd(out(2), cx, sink))
	assert.Equal(t, 0, h.Len())
	assert.True(t, s.byID[conn.Substream(1)].ended)
	assert.True(t, s.byID[conn.Substream(3)].ended)
}

func TestMplexStreamsFromBothSides(t *testing.T) {
	s := newSubs()
	h := New(Mplex, conn, s.factory)

	// Both sides open their own stream 0.
	require.NoError(t, h.OnData(out(0), AppendMplex(nil, 0, MplexNewStream, []byte("0")), cx, sink))
	require.NoError(t, h.OnData(in(0), AppendMplex(nil, 0, MplexNewStream, []byte("0")), cx, sink))

	mine := MplexKey(0, core.Outbound)
	theirs := MplexKey(0, core.Inbound)
	st, ok := h.State(mine)
	require.True(t, ok)
	assert.Equal(t, Open, st)

	var wire []byte
	wire = AppendMplex(wire, 0, MplexMessageInitiator, []byte("req"))
	wire = AppendMplex(wire, 0, MplexMessageReceiver, []byte("ack"))
	require.NoError(t, h.OnData(out(1), wire, cx, sink))
	require.NoError(t, h.OnData(in(1), AppendMplex(nil, 0, MplexMessageReceiver, []byte("resp")), cx, sink))

	m := s.byID[conn.Substream(mine)]
	o := s.byID[conn.Substream(theirs)]
	assert.Equal(t, "req", m.got[core.Outbound].String())
	assert.Equal(t, "resp", m.got[core.Inbound].String())
	assert.Equal(t, "ack", o.got[core.Outbound].String())

	require.NoError(t, h.OnData(out(2), AppendMplex(nil, 0, MplexCloseInitiator, nil), cx, sink))
	st, _ = h.State(mine)
	assert.Equal(t, HalfClosed, st)
	require.NoError(t, h.OnData(in(2), AppendMplex(nil, 0, MplexCloseReceiver, nil), cx, sink))
	st, _ = h.State(mine)
	assert.Equal(t, Closed, st)

	require.NoError(t, h.OnData(out(3), AppendMplex(nil, 0, MplexResetReceiver, nil), cx, sink))
	st, _ = h.State(theirs)
	assert.Equal(t, Closed, st)
}

func TestMplexFramingErrors(t *testing.T) {
	small := &api.Context{Limits: api.Limits{MaxFrame: 8}}
	h := New(Mplex, conn, newSubs().factory)
	err := h.OnData(out(0), AppendMplex(nil, 1, MplexMessageInitiator, make([]byte, 9)), small, sink)
	assert.ErrorIs(t, err, core.ErrFraming)

	h = New(Mplex, conn, newSubs().factory)
	err = h.OnData(out(0), []byte{0x07, 0x00}, cx, sink)
	assert.ErrorIs(t, err, core.ErrFraming)
}
