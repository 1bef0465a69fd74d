// Package keys holds key material recovered from captured host randomness.
//
// A passive observer cannot derive Noise session keys on its own. The capture
// side records the random values the local node draws, and any 32-byte value
// among them may be a Curve25519 secret. Secrets are indexed by their public
// key so a handshake decoder can find the one matching a key seen on the wire.
package keys

import (
	"fmt"
	"log/slog"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/curve25519"
	"gopkg.in/yaml.v3"

	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/metrics"
)

// SecretSize is the length of a Curve25519 secret and public key.
const SecretSize = curve25519.ScalarSize

const defaultCapacity = 1 << 16

// Store is a bounded, concurrency-safe map from public key to secret.
// Oldest secrets are evicted first.
type Store struct {
	cache *lru.Cache[[32]byte, [32]byte]
}

// NewStore creates a store holding at most capacity secrets.
func NewStore(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	cache, err := lru.New[[32]byte, [32]byte](capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: key store: %w", core.ErrConfiguration, err)
	}
	return &Store{cache: cache}, nil
}

// AddSecret registers one candidate secret and returns its public key.
func (s *Store) AddSecret(secret [32]byte) ([32]byte, error) {
	var pub [32]byte
	p, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], p)
	s.cache.Add(pub, secret)
	metrics.KeyStoreSize.Set(float64(s.cache.Len()))
	return pub, nil
}

// AddRandomness registers every aligned 32-byte window of buf as a candidate
// secret. Shorter buffers cannot hold a secret and are ignored.
func (s *Store) AddRandomness(buf []byte) int {
	added := 0
	for off := 0; off+SecretSize <= len(buf); off += SecretSize {
		var secret [32]byte
		copy(secret[:], buf[off:off+SecretSize])
		if _, err := s.AddSecret(secret); err != nil {
			slog.Debug("skipping unusable randomness", "error", err)
			continue
		}
		added++
	}
	return added
}

// Secret implements api.KeyStore.
func (s *Store) Secret(pub [32]byte) ([32]byte, bool) {
	return s.cache.Get(pub)
}

// Len returns the number of secrets held.
func (s *Store) Len() int {
	return s.cache.Len()
}

// File is the on-disk format of pre-recorded secrets.
//
//	secrets:
//	  - "5a0b...32 bytes hex"
type File struct {
	Secrets []string `yaml:"secrets"`
}

// LoadFile reads hex-encoded secrets from a YAML file into the store.
func (s *Store) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read key file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("%w: key file %s: %w", core.ErrConfiguration, path, err)
	}
	for i, h := range f.Secrets {
		secret, err := parseSecret(h)
		if err != nil {
			return i, fmt.Errorf("%w: key file %s entry %d: %w", core.ErrConfiguration, path, i, err)
		}
		if _, err := s.AddSecret(secret); err != nil {
			return i, fmt.Errorf("%w: key file %s entry %d: %w", core.ErrConfiguration, path, i, err)
		}
	}
	return len(f.Secrets), nil
}
