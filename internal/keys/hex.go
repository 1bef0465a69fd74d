package keys

import (
	"encoding/hex"
	"fmt"
	"strings"
)

func parseSecret(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != SecretSize {
		return out, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// FormatSecret renders a secret the way LoadFile expects it.
func FormatSecret(secret [32]byte) string {
	return hex.EncodeToString(secret[:])
}
