package noise

import (
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"

	"firestige.xyz/recorder/internal/core"
)

// symmetricState mirrors the Noise SymmetricState of both endpoints. An
// observer that can compute every DH of the handshake walks the same
// transcript hash and chaining key as the parties do.
type symmetricState struct {
	cs     noise.CipherSuite
	ck, h  []byte
	k      [32]byte
	hasKey bool
	n      uint64
}

func newSymmetricState(cs noise.CipherSuite, protocol string, prologue []byte) *symmetricState {
	s := &symmetricState{cs: cs}
	size := cs.Hash().Size()
	if len(protocol) <= size {
		s.h = make([]byte, size)
		copy(s.h, protocol)
	} else {
		hh := cs.Hash()
		hh.Write([]byte(protocol))
		s.h = hh.Sum(nil)
	}
	s.ck = append([]byte(nil), s.h...)
	s.mixHash(prologue)
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	hh := s.cs.Hash()
	hh.Write(s.h)
	hh.Write(data)
	s.h = hh.Sum(s.h[:0])
}

func (s *symmetricState) mixKey(ikm []byte) error {
	ck, k, err := s.hkdf(ikm)
	if err != nil {
		return err
	}
	s.ck = ck
	copy(s.k[:], k)
	s.hasKey = true
	s.n = 0
	return nil
}

// decryptAndHash opens one handshake field. Before the first MixKey the
// field travels in clear.
func (s *symmetricState) decryptAndHash(ct []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(ct)
		return append([]byte(nil), ct...), nil
	}
	pt, err := s.cs.Cipher(s.k).Decrypt(nil, s.n, s.h, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: handshake field %d: %w", core.ErrHandshake, s.n, err)
	}
	s.n++
	s.mixHash(ct)
	return pt, nil
}

// split derives the two transport keys: initiator to responder first.
func (s *symmetricState) split() (k1, k2 [32]byte, err error) {
	a, b, err := s.hkdf(nil)
	if err != nil {
		return k1, k2, err
	}
	copy(k1[:], a)
	copy(k2[:], b)
	return k1, k2, nil
}

// hkdf is the two-output Noise HKDF; it is RFC 5869 with the chaining key as salt.
func (s *symmetricState) hkdf(ikm []byte) ([]byte, []byte, error) {
	size := s.cs.Hash().Size()
	out := make([]byte, 2*size)
	if _, err := io.ReadFull(hkdf.New(s.cs.Hash, ikm, s.ck, nil), out); err != nil {
		return nil, nil, fmt.Errorf("%w: hkdf: %w", core.ErrHandshake, err)
	}
	return out[:size], out[size:], nil
}

func (s *symmetricState) wipe() {
	clear(s.k[:])
	clear(s.ck)
	clear(s.h)
	s.hasKey = false
}
