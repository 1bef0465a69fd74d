package core

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

func testConn() ConnectionID {
	return ConnectionID{
		Local:  netip.MustParseAddrPort("10.0.0.1:8302"),
		Remote: netip.MustParseAddrPort("10.0.0.2:40000"),
		Index:  7,
	}
}

func TestStreamIDString(t *testing.T) {
	sid := StreamID{Conn: testConn()}
	if got := sid.String(); got != "10.0.0.1:8302>10.0.0.2:40000#7" {
		t.Errorf("unexpected physical stream string %q", got)
	}
	sub := sid.Substream(3)
	if got := sub.String(); got != "10.0.0.1:8302>10.0.0.2:40000#7/3" {
		t.Errorf("unexpected sub-stream string %q", got)
	}
	if sub.Physical() != sid {
		t.Errorf("Physical() = %v, want %v", sub.Physical(), sid)
	}
}

func TestStreamIDComparable(t *testing.T) {
	m := map[StreamID]int{}
	sid := StreamID{Conn: testConn()}
	m[sid.Substream(1)] = 1
	m[sid.Substream(1)]++
	m[sid] = 10
	if len(m) != 2 || m[sid.Substream(1)] != 2 {
		t.Errorf("unexpected map contents %v", m)
	}
	// Sub-stream 0 must not collide with the physical connection.
	if sid.Substream(0) == sid {
		t.Error("sub-stream 0 equals physical stream")
	}
}

func TestDirection(t *testing.T) {
	if Outbound.Opposite() != Inbound || Inbound.Opposite() != Outbound {
		t.Error("Opposite is not an involution")
	}
	id := DirectedID{Stream: StreamID{Conn: testConn()}, Dir: Outbound, Seq: 4}
	rev := id.Reversed()
	if rev.Dir != Inbound || rev.Seq != 4 || rev.Stream != id.Stream {
		t.Errorf("unexpected reversed id %+v", rev)
	}
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{fmt.Errorf("%w: bad key", ErrHandshake), "handshake"},
		{fmt.Errorf("%w: frame 3", ErrDecrypt), "decrypt"},
		{fmt.Errorf("layer: %w", fmt.Errorf("%w: x", ErrFraming)), "framing"},
		{ErrBufferLimit, "buffer_limit"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := ErrorClass(tt.err); got != tt.want {
			t.Errorf("ErrorClass(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestConnectionHash(t *testing.T) {
	a, b := testConn(), testConn()
	if a.Hash() != b.Hash() {
		t.Error("equal connections hash differently")
	}
	b.Index++
	if a.Hash() == b.Hash() {
		t.Error("index does not contribute to the hash")
	}
}
