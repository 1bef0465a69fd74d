// Package core defines core types with zero external dependencies.
package core

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/netip"
	"time"
)

// ConnectionID identifies one physical TCP connection as seen by the capture.
// Index disambiguates reuse of the same address pair.
type ConnectionID struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	Index  uint64
}

func (c ConnectionID) String() string {
	return fmt.Sprintf("%s>%s#%d", c.Local, c.Remote, c.Index)
}

// Hash returns the FNV-1a hash of the connection identity.
func (c ConnectionID) Hash() uint32 {
	h := fnv.New32a()
	b, _ := c.Local.MarshalBinary()
	h.Write(b)
	b, _ = c.Remote.MarshalBinary()
	h.Write(b)
	h.Write(binary.LittleEndian.AppendUint64(nil, c.Index))
	return h.Sum32()
}

// StreamID identifies a logical stream: either the physical connection
// itself (Muxed == false) or one multiplexed sub-stream of it.
// It is the primary key records are stored under.
type StreamID struct {
	Conn  ConnectionID
	Sub   uint64
	Muxed bool
}

// Physical returns the StreamID of the connection carrying sid.
func (s StreamID) Physical() StreamID {
	return StreamID{Conn: s.Conn}
}

// Substream derives the StreamID of a multiplexed sub-stream of s.
func (s StreamID) Substream(sub uint64) StreamID {
	return StreamID{Conn: s.Conn, Sub: sub, Muxed: true}
}

func (s StreamID) String() string {
	if !s.Muxed {
		return s.Conn.String()
	}
	return fmt.Sprintf("%s/%d", s.Conn, s.Sub)
}

// Direction of a byte run relative to the connection initiator.
type Direction uint8

const (
	// Outbound bytes flow from the connection initiator to the responder.
	Outbound Direction = iota
	// Inbound bytes flow from the responder back to the initiator.
	Inbound
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	return d ^ 1
}

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// DirectedID tags one byte run: the stream it belongs to, the direction,
// a per-(stream, direction) sequence number and the offset from the
// boot-time reference at which it was captured.
type DirectedID struct {
	Stream StreamID
	Dir    Direction
	Seq    uint64
	Offset time.Duration
}

// With returns a copy of id re-targeted at another stream with its own sequence.
func (id DirectedID) With(stream StreamID, seq uint64) DirectedID {
	return DirectedID{Stream: stream, Dir: id.Dir, Seq: seq, Offset: id.Offset}
}

// Reversed returns id for the opposite direction of the same stream.
func (id DirectedID) Reversed() DirectedID {
	id.Dir = id.Dir.Opposite()
	return id
}
