package mina

import (
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"firestige.xyz/recorder/internal/binprot"
	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/metrics"
)

// HandshakeMagic opens the version list each side sends when an RPC
// connection starts.
const HandshakeMagic = 4411474

// Message tags.
const (
	rpcHeartbeat = 0
	rpcQuery     = 1
	rpcResponse  = 2
)

// pendingQueries bounds the query ids remembered for response correlation.
const pendingQueries = 4096

// RPCHandshake lists the protocol versions a side supports.
type RPCHandshake struct {
	Versions []int64 `json:"versions"`
}

// RPCQuery is one request. Data holds the bin_prot encoded query body.
type RPCQuery struct {
	Tag     string `json:"tag"`
	Version int64  `json:"version"`
	ID      int64  `json:"id"`
	Data    []byte `json:"data"`
}

// RPCResponse answers the query with the same ID. Tag and Version are
// copied from the query when it was observed.
type RPCResponse struct {
	ID      int64  `json:"id"`
	Tag     string `json:"tag,omitempty"`
	Version int64  `json:"version,omitempty"`
	Ok      bool   `json:"ok"`
	Data    []byte `json:"data,omitempty"`
	Error   []byte `json:"error,omitempty"`
}

type queryKey struct {
	dir core.Direction
	id  int64
}

type queryInfo struct {
	tag     string
	version int64
}

type rpcSide struct {
	framer     *framer
	handshaken bool
}

// RPC decodes Jane Street Async RPC traffic as spoken on coda/rpcs/0.0.1.
// Envelopes are an 8 byte little-endian length followed by a bin_prot body.
type RPC struct {
	sid     core.StreamID
	sides   [2]rpcSide
	queries *lru.Cache[queryKey, queryInfo]
}

// NewRPC returns the decoder for one RPC sub-stream.
func NewRPC(sid core.StreamID) *RPC {
	queries, _ := lru.New[queryKey, queryInfo](pendingQueries)
	return &RPC{sid: sid, queries: queries}
}

func (h *RPC) OnData(id core.DirectedID, data []byte, cx *api.Context, sink api.Sink) error {
	side := &h.sides[id.Dir&1]
	if side.framer == nil {
		side.framer = newFramer(int64Prefix, cx.Limits.MaxMessage)
	}
	return side.framer.feed(data,
		func(body []byte) { h.envelope(side, id, body, cx, sink) },
		func(size uint64) { oversized(core.ProtocolMinaRPC, h.sid, size, cx) })
}

func (h *RPC) OnEnd(id core.DirectedID, cx *api.Context, _ api.Sink) error {
	for dir := range h.sides {
		if f := h.sides[dir].framer; f != nil && f.pending() > 0 {
			cx.Log().Debug("rpc stream ended inside a message",
				"stream", h.sid.String(), "direction", core.Direction(dir).String(), "bytes", f.pending())
		}
	}
	h.queries.Purge()
	return nil
}

func (h *RPC) envelope(side *rpcSide, id core.DirectedID, body []byte, cx *api.Context, sink api.Sink) {
	if !side.handshaken {
		side.handshaken = true
		if hs, ok := parseHandshake(body, cx.Limits); ok {
			if cx.RecordHandshakes {
				api.Emit(sink, cx, id, core.ProtocolMinaRPC, core.KindHandshake, hs)
			}
			return
		}
	}
	msg, err := h.parse(id.Dir, body, cx.Limits)
	if err != nil {
		parseFailed(core.ProtocolMinaRPC, h.sid, err, cx)
		return
	}
	if msg != nil {
		api.Emit(sink, cx, id, core.ProtocolMinaRPC, core.KindMessage, msg)
	}
}

func parseHandshake(body []byte, limits api.Limits) (*RPCHandshake, bool) {
	versions, err := binprot.Complete(body, binprot.NewLimit(limits.MaxDepth, len(body)), binprot.List(binprot.Int))
	if err != nil || len(versions) == 0 || versions[0] != HandshakeMagic {
		return nil, false
	}
	return &RPCHandshake{Versions: versions[1:]}, true
}

// parse returns nil for heartbeats.
func (h *RPC) parse(dir core.Direction, body []byte, limits api.Limits) (any, error) {
	l := binprot.NewLimit(limits.MaxDepth, len(body))
	rest, tag, err := binprot.Tag(body, l)
	if err != nil {
		return nil, err
	}
	switch tag {
	case rpcHeartbeat:
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: %d bytes after heartbeat", binprot.ErrUnexpectedTag, len(rest))
		}
		return nil, nil
	case rpcQuery:
		q, err := binprot.Complete(rest, l, readQuery)
		if err != nil {
			return nil, err
		}
		h.queries.Add(queryKey{dir: dir, id: q.ID}, queryInfo{tag: q.Tag, version: q.Version})
		return q, nil
	case rpcResponse:
		r, err := readResponse(rest, l)
		if err != nil {
			return nil, err
		}
		k := queryKey{dir: dir.Opposite(), id: r.ID}
		if q, ok := h.queries.Peek(k); ok {
			r.Tag, r.Version = q.tag, q.version
			h.queries.Remove(k)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: rpc message %d", binprot.ErrUnexpectedTag, tag)
	}
}

func readQuery(in []byte, l *binprot.Limit) ([]byte, *RPCQuery, error) {
	q := new(RPCQuery)
	var err error
	if in, q.Tag, err = binprot.String(in, l); err != nil {
		return in, nil, err
	}
	if in, q.Version, err = binprot.Int(in, l); err != nil {
		return in, nil, err
	}
	if in, q.ID, err = binprot.Int(in, l); err != nil {
		return in, nil, err
	}
	if in, q.Data, err = binprot.Bytes(in, l); err != nil {
		return in, nil, err
	}
	return in, q, nil
}

// readResponse consumes the whole body; an error result carries an
// s-expression kept verbatim.
func readResponse(in []byte, l *binprot.Limit) (*RPCResponse, error) {
	r := new(RPCResponse)
	var (
		err    error
		result uint8
	)
	if in, r.ID, err = binprot.Int(in, l); err != nil {
		return nil, err
	}
	if in, result, err = binprot.Tag(in, l); err != nil {
		return nil, err
	}
	switch result {
	case 0:
		r.Ok = true
		if r.Data, err = binprot.Complete(in, l, binprot.Bytes); err != nil {
			return nil, err
		}
	case 1:
		r.Error = bytes.Clone(in)
	default:
		return nil, fmt.Errorf("%w: rpc result %d", binprot.ErrUnexpectedTag, result)
	}
	return r, nil
}

func parseFailed(protocol string, sid core.StreamID, err error, cx *api.Context) {
	metrics.ParseErrorsTotal.WithLabelValues(protocol).Inc()
	cx.Log().Warn("discarding unparsable message",
		"stream", sid.String(), "protocol", protocol,
		"error", fmt.Errorf("%w: %w", core.ErrParse, err))
}

func oversized(protocol string, sid core.StreamID, size uint64, cx *api.Context) {
	metrics.OversizedMessagesTotal.WithLabelValues(protocol).Inc()
	cx.Log().Warn("skipping oversized message",
		"stream", sid.String(), "protocol", protocol, "size", size, "limit", cx.Limits.MaxMessage)
}
