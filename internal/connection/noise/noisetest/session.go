// Package noisetest produces genuine libp2p Noise XX sessions for tests,
// recording the randomness one party draws so that a passive decoder can
// recover the session keys.
package noisetest

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// Randomness receives the recorded bytes.
type Randomness interface {
	AddRandomness(buf []byte) int
}

// Session is a completed handshake between an initiator and a responder.
type Session struct {
	t testing.TB

	// Msg1..Msg3 are the framed handshake messages.
	Msg1, Msg2, Msg3 []byte
	// Recorded is the randomness drawn by the recorded party.
	Recorded []byte

	initSend, initRecv *noise.CipherState
	respSend, respRecv *noise.CipherState
}

var suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// NewSession runs a handshake. When recordInitiator is true the initiator's
// randomness is recorded, otherwise the responder's.
func NewSession(t testing.TB, recordInitiator bool) *Session {
	t.Helper()
	var rec bytes.Buffer
	recorded := io.TeeReader(rand.Reader, &rec)
	initRand, respRand := io.Reader(rand.Reader), io.Reader(rand.Reader)
	if recordInitiator {
		initRand = recorded
	} else {
		respRand = recorded
	}

	initStatic, err := suite.GenerateKeypair(initRand)
	require.NoError(t, err)
	respStatic, err := suite.GenerateKeypair(respRand)
	require.NoError(t, err)

	ihs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Random:        initRand,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: initStatic,
	})
	require.NoError(t, err)
	rhs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   suite,
		Random:        respRand,
		Pattern:       noise.HandshakeXX,
		StaticKeypair: respStatic,
	})
	require.NoError(t, err)

	s := &Session{t: t}

	m1, _, _, err := ihs.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, _, _, err = rhs.ReadMessage(nil, m1)
	require.NoError(t, err)

	m2, _, _, err := rhs.WriteMessage(nil, Payload("/yamux/1.0.0"))
	require.NoError(t, err)
	_, _, _, err = ihs.ReadMessage(nil, m2)
	require.NoError(t, err)

	m3, iSend, iRecv, err := ihs.WriteMessage(nil, Payload("/yamux/1.0.0"))
	require.NoError(t, err)
	_, rRecv, rSend, err := rhs.ReadMessage(nil, m3)
	require.NoError(t, err)

	s.Msg1, s.Msg2, s.Msg3 = Frame(m1), Frame(m2), Frame(m3)
	s.initSend, s.initRecv = iSend, iRecv
	s.respSend, s.respRecv = rSend, rRecv
	s.Recorded = rec.Bytes()
	return s
}

// Record hands the recorded randomness to store.
func (s *Session) Record(store Randomness) {
	store.AddRandomness(s.Recorded)
}

// FromInitiator encrypts and frames plaintext sent by the initiator.
func (s *Session) FromInitiator(plaintext []byte) []byte {
	s.t.Helper()
	ct, err := s.initSend.Encrypt(nil, nil, plaintext)
	require.NoError(s.t, err)
	pt, err := s.respRecv.Decrypt(nil, nil, ct)
	require.NoError(s.t, err)
	require.Equal(s.t, plaintext, pt)
	return Frame(ct)
}

// FromResponder encrypts and frames plaintext sent by the responder.
func (s *Session) FromResponder(plaintext []byte) []byte {
	s.t.Helper()
	ct, err := s.respSend.Encrypt(nil, nil, plaintext)
	require.NoError(s.t, err)
	pt, err := s.initRecv.Decrypt(nil, nil, ct)
	require.NoError(s.t, err)
	require.Equal(s.t, plaintext, pt)
	return Frame(ct)
}

// Frame prefixes msg with its 2-byte big-endian length.
func Frame(msg []byte) []byte {
	out := make([]byte, 2, 2+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	return append(out, msg...)
}

// Payload builds a libp2p NoiseHandshakePayload with a dummy ed25519
// identity and the given stream muxers.
func Payload(muxers ...string) []byte {
	var key []byte
	key = protowire.AppendTag(key, 1, protowire.VarintType)
	key = protowire.AppendVarint(key, 1)
	key = protowire.AppendTag(key, 2, protowire.BytesType)
	key = protowire.AppendBytes(key, bytes.Repeat([]byte{0xed}, 32))

	var ext []byte
	for _, m := range muxers {
		ext = protowire.AppendTag(ext, 2, protowire.BytesType)
		ext = protowire.AppendString(ext, m)
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, key)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, bytes.Repeat([]byte{0x51}, 64))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, ext)
	return b
}
