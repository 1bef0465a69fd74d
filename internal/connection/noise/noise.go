// Package noise decrypts libp2p Noise XX sessions without being a party to them.
//
// The handshake transcript is replayed message by message. Every DH the
// parties perform is recomputed from whichever side's secret is known to
// the key store, which yields the same transport keys the endpoints derive.
package noise

import (
	"encoding/binary"
	"fmt"

	"github.com/flynn/noise"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
)

// State of a Noise session as seen from the wire.
type State uint8

const (
	AwaitingMsg1 State = iota
	AwaitingMsg2
	AwaitingMsg3
	Transport
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingMsg1:
		return "awaiting_msg1"
	case AwaitingMsg2:
		return "awaiting_msg2"
	case AwaitingMsg3:
		return "awaiting_msg3"
	case Transport:
		return "transport"
	default:
		return "failed"
	}
}

const (
	dhLen     = 32
	tagLen    = 16
	encKeyLen = dhLen + tagLen
	lenPrefix = 2
)

// Suite is the cipher suite libp2p uses.
var Suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// ProtocolName returns the full Noise protocol name of the XX handshake over Suite.
func ProtocolName() string {
	return "Noise_" + noise.HandshakeXX.Name + "_" + string(Suite.Name())
}

type cipherState struct {
	c noise.Cipher
	n uint64
}

// Handler tracks one Noise session and forwards decrypted transport
// payloads to inner.
type Handler struct {
	sid   core.StreamID
	inner api.Handler

	state State
	err   error
	// initiator sends message 1: the dialer of the stream.
	initiator core.Direction

	ss      *symmetricState
	pending [2]*api.Accumulator
	last    [2]core.DirectedID

	ei, er, si, sr [32]byte
	recv           [2]*cipherState
}

// New returns a handler for a freshly negotiated Noise session on sid. The
// Outbound side is the initiator until SetDialer says otherwise.
func New(sid core.StreamID, inner api.Handler) *Handler {
	return &Handler{
		sid:       sid,
		inner:     inner,
		ss:        newSymmetricState(Suite, ProtocolName(), nil),
		initiator: core.Outbound,
	}
}

// SetDialer implements api.Dialed.
func (h *Handler) SetDialer(dir core.Direction) {
	h.initiator = dir & 1
}

// State returns the current session state.
func (h *Handler) State() State {
	return h.state
}

// Inner returns the handler receiving plaintext.
func (h *Handler) Inner() api.Handler {
	return h.inner
}

// OnData implements api.Handler.
func (h *Handler) OnData(id core.DirectedID, data []byte, cx *api.Context, sink api.Sink) error {
	if h.state == Failed {
		return h.err
	}
	d := id.Dir & 1
	if h.pending[d] == nil {
		h.pending[d] = api.NewAccumulator(cx.Limits.MaxBuffer)
	}
	h.last[d] = id
	if err := h.pending[d].Append(data); err != nil {
		return h.fail(err)
	}
	if err := h.drain(id.Dir, cx, sink); err != nil {
		return h.fail(err)
	}
	return nil
}

// OnEnd implements api.Finisher. Key material is wiped.
func (h *Handler) OnEnd(id core.DirectedID, cx *api.Context, sink api.Sink) error {
	h.wipe()
	if h.state != Transport {
		return nil
	}
	return api.Finish(h.inner, id, cx, sink)
}

func (h *Handler) fail(err error) error {
	h.state = Failed
	h.err = err
	h.wipe()
	return err
}

func (h *Handler) wipe() {
	h.ss.wipe()
	clear(h.ei[:])
	clear(h.er[:])
	clear(h.si[:])
	clear(h.sr[:])
	h.recv = [2]*cipherState{}
	for _, p := range h.pending {
		if p != nil {
			p.Reset()
		}
	}
}

// nextFrame pops one length-prefixed Noise message buffered for dir.
func (h *Handler) nextFrame(dir core.Direction) ([]byte, bool) {
	p := h.pending[dir&1]
	if p == nil || p.Len() < lenPrefix {
		return nil, false
	}
	buf := p.Bytes()
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < lenPrefix+n {
		return nil, false
	}
	msg := append([]byte(nil), buf[lenPrefix:lenPrefix+n]...)
	p.Consume(lenPrefix + n)
	return msg, true
}

func (h *Handler) drain(current core.Direction, cx *api.Context, sink api.Sink) error {
	responder := h.initiator.Opposite()
	for h.state < Transport {
		var err error
		switch h.state {
		case AwaitingMsg1:
			msg, ok := h.nextFrame(h.initiator)
			if !ok {
				return nil
			}
			err = h.readMsg1(msg)
		case AwaitingMsg2:
			msg, ok := h.nextFrame(responder)
			if !ok {
				return nil
			}
			err = h.readMsg2(msg, cx, sink)
		case AwaitingMsg3:
			msg, ok := h.nextFrame(h.initiator)
			if !ok {
				return nil
			}
			err = h.readMsg3(msg, cx, sink)
		}
		if err != nil {
			return err
		}
	}
	// Bytes of the other direction were captured earlier; deliver them first.
	if err := h.transport(current.Opposite(), cx, sink); err != nil {
		return err
	}
	return h.transport(current, cx, sink)
}

func (h *Handler) readMsg1(msg []byte) error {
	if len(msg) < dhLen {
		return fmt.Errorf("%w: message 1 is %d bytes", core.ErrHandshake, len(msg))
	}
	copy(h.ei[:], msg[:dhLen])
	h.ss.mixHash(h.ei[:])
	if _, err := h.ss.decryptAndHash(msg[dhLen:]); err != nil {
		return err
	}
	h.state = AwaitingMsg2
	return nil
}

func (h *Handler) readMsg2(msg []byte, cx *api.Context, sink api.Sink) error {
	if len(msg) < dhLen+encKeyLen {
		return fmt.Errorf("%w: message 2 is %d bytes", core.ErrHandshake, len(msg))
	}
	copy(h.er[:], msg[:dhLen])
	h.ss.mixHash(h.er[:])
	if err := h.mixDH(cx, "ee", h.ei, h.er); err != nil {
		return err
	}
	s, err := h.ss.decryptAndHash(msg[dhLen : dhLen+encKeyLen])
	if err != nil {
		return err
	}
	copy(h.sr[:], s)
	if err := h.mixDH(cx, "es", h.ei, h.sr); err != nil {
		return err
	}
	payload, err := h.ss.decryptAndHash(msg[dhLen+encKeyLen:])
	if err != nil {
		return err
	}
	h.state = AwaitingMsg3
	h.emitHandshake(h.initiator.Opposite(), "responder", h.sr, payload, cx, sink)
	return nil
}

func (h *Handler) readMsg3(msg []byte, cx *api.Context, sink api.Sink) error {
	if len(msg) < encKeyLen {
		return fmt.Errorf("%w: message 3 is %d bytes", core.ErrHandshake, len(msg))
	}
	s, err := h.ss.decryptAndHash(msg[:encKeyLen])
	if err != nil {
		return err
	}
	copy(h.si[:], s)
	if err := h.mixDH(cx, "se", h.si, h.er); err != nil {
		return err
	}
	payload, err := h.ss.decryptAndHash(msg[encKeyLen:])
	if err != nil {
		return err
	}
	k1, k2, err := h.ss.split()
	if err != nil {
		return err
	}
	h.recv[h.initiator&1] = &cipherState{c: Suite.Cipher(k1)}
	h.recv[h.initiator.Opposite()&1] = &cipherState{c: Suite.Cipher(k2)}
	clear(k1[:])
	clear(k2[:])
	h.state = Transport
	h.emitHandshake(h.initiator, "initiator", h.si, payload, cx, sink)
	cx.Log().Debug("noise session established", "stream", h.sid.String())
	return nil
}

// mixDH recomputes DH(a, b) from whichever secret is known and mixes it into the key.
func (h *Handler) mixDH(cx *api.Context, token string, a, b [32]byte) error {
	var (
		out []byte
		err error
	)
	if cx.Keys == nil {
		return fmt.Errorf("%w: %s: no key store", core.ErrHandshake, token)
	}
	if sec, ok := cx.Keys.Secret(a); ok {
		out, err = Suite.DH(sec[:], b[:])
	} else if sec, ok := cx.Keys.Secret(b); ok {
		out, err = Suite.DH(sec[:], a[:])
	} else {
		return fmt.Errorf("%w: %s: no secret for either public key", core.ErrHandshake, token)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", core.ErrHandshake, token, err)
	}
	defer clear(out)
	return h.ss.mixKey(out)
}

func (h *Handler) transport(dir core.Direction, cx *api.Context, sink api.Sink) error {
	cs := h.recv[dir&1]
	for {
		ct, ok := h.nextFrame(dir)
		if !ok {
			return nil
		}
		pt, err := cs.c.Decrypt(ct[:0], cs.n, nil, ct)
		if err != nil {
			return fmt.Errorf("%w: %s frame %d: %w", core.ErrDecrypt, dir, cs.n, err)
		}
		cs.n++
		if len(pt) == 0 {
			continue
		}
		if err := h.inner.OnData(h.last[dir&1], pt, cx, sink); err != nil {
			return err
		}
	}
}

func (h *Handler) emitHandshake(dir core.Direction, role string, static [32]byte, payload []byte, cx *api.Context, sink api.Sink) {
	if !cx.RecordHandshakes {
		return
	}
	info, err := parsePayload(role, static, payload)
	if err != nil {
		cx.Log().Debug("undecodable noise payload", "stream", h.sid.String(), "role", role, "error", err)
	}
	api.Emit(sink, cx, h.last[dir&1], core.ProtocolNoise, core.KindHandshake, info)
}
