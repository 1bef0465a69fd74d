// Package multistream follows a multistream-select negotiation from both
// sides of a stream and hands the stream over to the agreed protocol.
//
// Each message is uvarint(len) followed by len bytes ending in '\n'. Both
// sides first send the protocol header. A side that proposes a protocol
// waits for the other side to either echo it (agreement) or answer "na".
package multistream

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/multiformats/go-varint"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/metrics"
)

const (
	// Header is the first line each side sends.
	Header = core.ProtocolMultistream
	// NotAvailable rejects a proposal.
	NotAvailable = "na"
	// List asks for the supported protocols; the answer is not tracked.
	List = "ls"
)

type side struct {
	pending    *api.Accumulator
	headerSeen bool
	// proposal is the last name this side offered and is waiting on.
	proposal string
	last     core.DirectedID
}

// Handler negotiates a protocol for one stream and then forwards every byte
// to the handler the factory builds for the agreed name.
type Handler struct {
	sid     core.StreamID
	factory api.Factory
	sides   [2]side

	agreed string
	inner  api.Handler
	err    error
}

// New returns a negotiating handler for sid.
func New(sid core.StreamID, factory api.Factory) *Handler {
	return &Handler{sid: sid, factory: factory}
}

// Protocol returns the agreed protocol name, empty while negotiating.
func (h *Handler) Protocol() string {
	return h.agreed
}

// Inner returns the handler of the agreed protocol, nil while negotiating.
func (h *Handler) Inner() api.Handler {
	return h.inner
}

// OnData implements api.Handler.
func (h *Handler) OnData(id core.DirectedID, data []byte, cx *api.Context, sink api.Sink) error {
	if h.err != nil {
		return h.err
	}
	if h.inner != nil {
		return h.inner.OnData(id, data, cx, sink)
	}
	s := &h.sides[id.Dir&1]
	if s.pending == nil {
		s.pending = api.NewAccumulator(cx.Limits.MaxBuffer)
	}
	s.last = id
	if err := s.pending.Append(data); err != nil {
		return h.fail(err)
	}
	if err := h.negotiate(id.Dir, cx); err != nil {
		return h.fail(err)
	}
	if h.inner == nil {
		return nil
	}
	// Leftovers of the other direction were captured first.
	for _, d := range []core.Direction{id.Dir.Opposite(), id.Dir} {
		s := &h.sides[d&1]
		if s.pending == nil || s.pending.Len() == 0 {
			continue
		}
		rest := s.pending.Take()
		if err := h.inner.OnData(s.last, rest, cx, sink); err != nil {
			return err
		}
	}
	return nil
}

// OnEnd implements api.Finisher.
func (h *Handler) OnEnd(id core.DirectedID, cx *api.Context, sink api.Sink) error {
	if h.inner == nil {
		return nil
	}
	return api.Finish(h.inner, id, cx, sink)
}

func (h *Handler) fail(err error) error {
	h.err = err
	for i := range h.sides {
		h.sides[i].pending = nil
	}
	return err
}

// negotiate consumes whole lines from both sides until agreement or until
// neither side can make progress.
func (h *Handler) negotiate(current core.Direction, cx *api.Context) error {
	for progress := true; progress && h.inner == nil; {
		progress = false
		for _, d := range []core.Direction{current, current.Opposite()} {
			s := &h.sides[d&1]
			if s.pending == nil || s.proposal != "" {
				continue
			}
			line, ok, err := readLine(s.pending, cx.Limits.MaxLine)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			progress = true
			if err := h.handleLine(d, line); err != nil {
				return err
			}
			if h.inner != nil {
				break
			}
		}
	}
	return nil
}

func (h *Handler) handleLine(d core.Direction, line string) error {
	s, other := &h.sides[d&1], &h.sides[d.Opposite()&1]
	if !s.headerSeen {
		if line != Header {
			return fmt.Errorf("%w: %s sent %q before the header", core.ErrNegotiation, d, line)
		}
		s.headerSeen = true
		return nil
	}
	switch line {
	case NotAvailable:
		other.proposal = ""
		return nil
	case List, Header:
		return nil
	}
	if other.proposal == line {
		return h.agree(line, d.Opposite())
	}
	s.proposal = line
	return nil
}

// agree hands the stream to name. dialer is the side that proposed it.
func (h *Handler) agree(name string, dialer core.Direction) error {
	inner, ok := h.factory(name, h.sid)
	if !ok {
		return fmt.Errorf("%w: unsupported protocol %q", core.ErrNegotiation, name)
	}
	if d, ok := inner.(api.Dialed); ok {
		d.SetDialer(dialer)
	}
	h.agreed = name
	h.inner = inner
	for i := range h.sides {
		h.sides[i].proposal = ""
	}
	metrics.NegotiatedTotal.WithLabelValues(name).Inc()
	return nil
}

// readLine pops one message from buf. ok is false when more bytes are needed.
func readLine(buf *api.Accumulator, maxLine int) (string, bool, error) {
	b := buf.Bytes()
	if len(b) == 0 {
		return "", false, nil
	}
	n, sz, err := varint.FromUvarint(b)
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: length prefix: %w", core.ErrNegotiation, err)
	}
	if maxLine > 0 && n > uint64(maxLine) {
		return "", false, fmt.Errorf("%w: line of %d bytes exceeds %d", core.ErrNegotiation, n, maxLine)
	}
	if n == 0 {
		return "", false, fmt.Errorf("%w: empty line", core.ErrNegotiation)
	}
	if uint64(len(b)-sz) < n {
		return "", false, nil
	}
	line := b[sz : sz+int(n)]
	if line[len(line)-1] != '\n' {
		return "", false, fmt.Errorf("%w: line without newline", core.ErrNegotiation)
	}
	line = line[:len(line)-1]
	if !utf8.Valid(line) {
		return "", false, fmt.Errorf("%w: line is not utf-8", core.ErrNegotiation)
	}
	out := string(line)
	buf.Consume(sz + int(n))
	return out, true, nil
}

// AppendLine encodes one multistream-select message.
func AppendLine(dst []byte, line string) []byte {
	dst = append(dst, varint.ToUvarint(uint64(len(line)+1))...)
	dst = append(dst, line...)
	return append(dst, '\n')
}
