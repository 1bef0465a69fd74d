package pnet

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/davidlazar/go-crypto/salsa20"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
)

type collect struct {
	got [2]bytes.Buffer
}

func (c *collect) OnData(id core.DirectedID, data []byte, _ *api.Context, _ api.Sink) error {
	c.got[id.Dir].Write(data)
	return nil
}

func discard() api.Sink {
	return api.SinkFunc(func(core.StreamID, core.Record) error { return nil })
}

func encode(t *testing.T, psk *[32]byte, plain []byte) []byte {
	t.Helper()
	nonce := make([]byte, NonceSize)
	_, err := rand.Read(nonce)
	require.NoError(t, err)
	out := append([]byte{}, nonce...)
	ct := make([]byte, len(plain))
	salsa20.New(psk, nonce).XORKeyStream(ct, plain)
	return append(out, ct...)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(nil, &collect{})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestRoundTrip(t *testing.T) {
	psk := KeyFromChainID("test-chain")
	plain := bytes.Repeat([]byte("mina libp2p private network "), 40)

	tests := []struct {
		name  string
		chunk int
	}{
		{"single write", 1 << 16},
		{"one byte", 1},
		{"splits nonce", 7},
		{"odd chunks", 61},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := encode(t, psk, plain)
			c := &collect{}
			h, err := New(psk, c)
			require.NoError(t, err)

			cx := &api.Context{}
			for off := 0; off < len(wire); off += tt.chunk {
				end := min(off+tt.chunk, len(wire))
				chunk := append([]byte{}, wire[off:end]...)
				require.NoError(t, h.OnData(core.DirectedID{Dir: core.Outbound}, chunk, cx, discard()))
			}
			assert.Equal(t, plain, c.got[core.Outbound].Bytes())
			assert.Zero(t, c.got[core.Inbound].Len())
		})
	}
}

func TestDirectionsAreIndependent(t *testing.T) {
	psk := KeyFromChainID("devnet")
	out := encode(t, psk, []byte("from initiator"))
	in := encode(t, psk, []byte("from responder"))

	c := &collect{}
	h, err := New(psk, c)
	require.NoError(t, err)
	cx := &api.Context{}

	// Interleave the two directions byte-runs.
	require.NoError(t, h.OnData(core.DirectedID{Dir: core.Outbound}, out[:30], cx, discard()))
	require.NoError(t, h.OnData(core.DirectedID{Dir: core.Inbound}, in[:10], cx, discard()))
	require.NoError(t, h.OnData(core.DirectedID{Dir: core.Outbound}, out[30:], cx, discard()))
	require.NoError(t, h.OnData(core.DirectedID{Dir: core.Inbound}, in[10:], cx, discard()))

	assert.Equal(t, "from initiator", c.got[core.Outbound].String())
	assert.Equal(t, "from responder", c.got[core.Inbound].String())
}

func TestParseKey(t *testing.T) {
	key := KeyFromChainID("x")
	parsed, err := ParseKey("0x" + hex.EncodeToString(key[:]))
	require.NoError(t, err)
	assert.Equal(t, *key, *parsed)

	_, err = ParseKey("abcd")
	assert.ErrorIs(t, err, core.ErrConfiguration)
	_, err = ParseKey("zz")
	assert.ErrorIs(t, err, core.ErrConfiguration)
}
