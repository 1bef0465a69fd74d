// Package core defines core data structures with zero external dependencies.
package core

import "time"

// EventKind distinguishes what a capture event carries.
type EventKind uint8

const (
	// EventData carries a run of connection bytes in one direction.
	EventData EventKind = iota
	// EventClose signals that the connection is gone.
	EventClose
	// EventRandomness carries host randomness observed by the capture,
	// used as candidate key material for Noise handshakes.
	EventRandomness
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventClose:
		return "close"
	case EventRandomness:
		return "randomness"
	default:
		return "unknown"
	}
}

// Event is the unit the capture side delivers to the decoder.
// Data is owned by the receiver once delivered and may be mutated in place.
type Event struct {
	ID   DirectedID
	Kind EventKind
	Data []byte
}

// Record is one decoded, structured item handed to the sink.
type Record struct {
	Stream    StreamID
	Direction Direction
	Seq       uint64
	Time      time.Time

	// Protocol is the negotiated protocol name the record was decoded under.
	Protocol string
	Kind     string
	// Message is the decoded value; its concrete type depends on Protocol and Kind.
	Message any
}
