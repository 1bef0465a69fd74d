// Package api defines the contract shared by every connection decoding layer.
package api

import (
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/metrics"
)

// Handler is one stage of a connection decoding chain. OnData receives a run
// of bytes for one direction of the stream named by id. The slice may be
// mutated in place and must not be retained after the call returns.
//
// A non-nil error is fatal for the stream the handler serves.
type Handler interface {
	OnData(id core.DirectedID, data []byte, cx *Context, sink Sink) error
}

// Finisher is implemented by handlers that need to observe the end of their
// stream, e.g. to release key material or to close nested sub-streams.
type Finisher interface {
	OnEnd(id core.DirectedID, cx *Context, sink Sink) error
}

// Factory builds the handler for a freshly negotiated protocol name. It
// reports false when the name is not one the recorder understands.
type Factory func(name string, sid core.StreamID) (Handler, bool)

// Dialed is implemented by handlers that must know which direction opened
// their protocol. Negotiation calls SetDialer before forwarding any bytes.
type Dialed interface {
	SetDialer(dir core.Direction)
}

// Sink receives decoded records. Implementations must be safe for concurrent use.
type Sink interface {
	Put(sid core.StreamID, rec core.Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(sid core.StreamID, rec core.Record) error

func (f SinkFunc) Put(sid core.StreamID, rec core.Record) error { return f(sid, rec) }

// KeyStore resolves Curve25519 secrets from their public keys.
type KeyStore interface {
	Secret(pub [32]byte) ([32]byte, bool)
}

// Limits bound the memory any single stream may pin.
type Limits struct {
	MaxBuffer  int // bytes buffered per handler direction
	MaxFrame   int // mux frame payload
	MaxMessage int // application envelope
	MaxLine    int // multistream-select line
	MaxDepth   int // nesting depth of bin_prot values
}

// DefaultLimits returns the limits used when configuration leaves them unset.
func DefaultLimits() Limits {
	return Limits{
		MaxBuffer:  8 << 20,
		MaxFrame:   1 << 20,
		MaxMessage: 32 << 20,
		MaxLine:    1024,
		MaxDepth:   64,
	}
}

// Context is the read-only environment handed to every OnData call.
type Context struct {
	BootTime         time.Time
	Limits           Limits
	Keys             KeyStore
	RecordHandshakes bool
	Logger           *slog.Logger
}

// Time converts the boot-relative offset of id into wall-clock time.
func (cx *Context) Time(id core.DirectedID) time.Time {
	return cx.BootTime.Add(id.Offset)
}

// Log returns the configured logger or the process default.
func (cx *Context) Log() *slog.Logger {
	if cx.Logger != nil {
		return cx.Logger
	}
	return slog.Default()
}

// Finish forwards end of stream to h when it implements Finisher.
func Finish(h Handler, id core.DirectedID, cx *Context, sink Sink) error {
	if f, ok := h.(Finisher); ok {
		return f.OnEnd(id, cx, sink)
	}
	return nil
}

// Emit builds a record for id and hands it to sink. Sink failures are
// reported and counted but never surface to the decoding layer.
func Emit(sink Sink, cx *Context, id core.DirectedID, protocol, kind string, msg any) {
	rec := core.Record{
		Stream:    id.Stream,
		Direction: id.Dir,
		Seq:       id.Seq,
		Time:      cx.Time(id),
		Protocol:  protocol,
		Kind:      kind,
		Message:   msg,
	}
	metrics.RecordsTotal.WithLabelValues(protocol, kind).Inc()
	if err := sink.Put(id.Stream, rec); err != nil {
		metrics.SinkErrorsTotal.WithLabelValues("emit").Inc()
		cx.Log().Warn("sink rejected record",
			"stream", id.Stream.String(),
			"protocol", protocol,
			"error", fmt.Errorf("%w: %w", core.ErrSink, err))
	}
}
