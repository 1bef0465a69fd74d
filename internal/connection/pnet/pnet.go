// Package pnet removes the libp2p private-network obfuscation layer.
//
// Each direction of a private-network connection starts with a 24-byte
// random nonce; everything after it is XORed with the XSalsa20 keystream of
// (psk, nonce). Decoding is the same XOR, applied in place.
package pnet

import (
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/davidlazar/go-crypto/salsa20"
	"golang.org/x/crypto/blake2b"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
)

// NonceSize is the length of the per-direction nonce prefix.
const NonceSize = 24

// chainPrefix is prepended to the chain id before hashing into a network key.
const chainPrefix = "/coda/0.0.1/"

type direction struct {
	nonce  [NonceSize]byte
	have   int
	stream cipher.Stream
}

// Handler strips the private-network layer and forwards plaintext to inner.
type Handler struct {
	psk   [32]byte
	inner api.Handler
	dirs  [2]direction
}

// New returns a pnet handler. A missing key is a configuration error.
func New(psk *[32]byte, inner api.Handler) (*Handler, error) {
	if psk == nil {
		return nil, fmt.Errorf("%w: private network key is not set", core.ErrConfiguration)
	}
	return &Handler{psk: *psk, inner: inner}, nil
}

// OnData implements api.Handler.
func (h *Handler) OnData(id core.DirectedID, data []byte, cx *api.Context, sink api.Sink) error {
	d := &h.dirs[id.Dir&1]
	if d.stream == nil {
		n := copy(d.nonce[d.have:], data)
		d.have += n
		data = data[n:]
		if d.have < NonceSize {
			return nil
		}
		d.stream = salsa20.New(&h.psk, d.nonce[:])
	}
	if len(data) == 0 {
		return nil
	}
	d.stream.XORKeyStream(data, data)
	return h.inner.OnData(id, data, cx, sink)
}

// OnEnd implements api.Finisher.
func (h *Handler) OnEnd(id core.DirectedID, cx *api.Context, sink api.Sink) error {
	return api.Finish(h.inner, id, cx, sink)
}

// Inner returns the next handler in the chain.
func (h *Handler) Inner() api.Handler {
	return h.inner
}

// KeyFromChainID derives the network key Mina nodes use for chainID.
func KeyFromChainID(chainID string) *[32]byte {
	sum := blake2b.Sum256([]byte(chainPrefix + chainID))
	return &sum
}

// ParseKey decodes a 32-byte hex key.
func ParseKey(s string) (*[32]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: pnet key: %w", core.ErrConfiguration, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: pnet key must be 32 bytes, got %d", core.ErrConfiguration, len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
