package protocols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/connection/mina"
	"firestige.xyz/recorder/internal/connection/multistream"
	"firestige.xyz/recorder/internal/connection/mux"
	"firestige.xyz/recorder/internal/connection/noise"
	"firestige.xyz/recorder/internal/core"
)

var sid = core.StreamID{Conn: core.ConnectionID{Index: 2}}

func TestFromName(t *testing.T) {
	tests := []struct {
		name string
		want any
	}{
		{core.ProtocolNoise, &noise.Handler{}},
		{core.ProtocolYamux, &mux.Handler{}},
		{core.ProtocolMplex, &mux.Handler{}},
		{core.ProtocolCodaMplex, &mux.Handler{}},
		{core.ProtocolMinaRPC, &mina.RPC{}},
		{core.ProtocolMeshsub11, &mina.Meshsub{}},
		{core.ProtocolKad, &mina.Raw{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ok := FromName(tt.name, sid)
			require.True(t, ok)
			assert.IsType(t, tt.want, h)
		})
	}

	_, ok := FromName("/unknown/1.0.0", sid)
	assert.False(t, ok)
}

func TestMuxKinds(t *testing.T) {
	h, _ := FromName(core.ProtocolCodaMplex, sid)
	assert.Equal(t, mux.Mplex, h.(*mux.Handler).Kind())
	h, _ = FromName(core.ProtocolYamux, sid)
	assert.Equal(t, mux.Yamux, h.(*mux.Handler).Kind())
}

func negotiation(name string) (dialer, listener []byte) {
	dialer = multistream.AppendLine(nil, multistream.Header)
	dialer = multistream.AppendLine(dialer, name)
	listener = multistream.AppendLine(nil, multistream.Header)
	listener = multistream.AppendLine(listener, name)
	return dialer, listener
}

func TestNegotiateNoise(t *testing.T) {
	cx := &api.Context{Limits: api.DefaultLimits()}
	sink := api.SinkFunc(func(core.StreamID, core.Record) error { return nil })
	h := Negotiate(sid).(*multistream.Handler)

	out, in := negotiation(core.ProtocolNoise)
	require.NoError(t, h.OnData(core.DirectedID{Stream: sid, Dir: core.Outbound}, out, cx, sink))
	require.NoError(t, h.OnData(core.DirectedID{Stream: sid, Dir: core.Inbound}, in, cx, sink))

	assert.Equal(t, core.ProtocolNoise, h.Protocol())
	n, ok := h.Inner().(*noise.Handler)
	require.True(t, ok)
	assert.IsType(t, &multistream.Handler{}, n.Inner())
	assert.Equal(t, noise.AwaitingMsg1, n.State())
}

func TestNegotiateUnknown(t *testing.T) {
	cx := &api.Context{Limits: api.DefaultLimits()}
	var records int
	sink := api.SinkFunc(func(core.StreamID, core.Record) error { records++; return nil })
	h := Negotiate(sid)

	out, in := negotiation("/unknown/1.0.0")
	require.NoError(t, h.OnData(core.DirectedID{Stream: sid, Dir: core.Outbound}, out, cx, sink))
	err := h.OnData(core.DirectedID{Stream: sid, Dir: core.Inbound}, in, cx, sink)
	assert.ErrorIs(t, err, core.ErrNegotiation)

	err = h.OnData(core.DirectedID{Stream: sid, Dir: core.Outbound, Seq: 1}, []byte("more"), cx, sink)
	assert.ErrorIs(t, err, core.ErrNegotiation)
	assert.Zero(t, records)
}
