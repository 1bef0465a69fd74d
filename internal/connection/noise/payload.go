package noise

import (
	"encoding/hex"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/recorder/internal/pb"
)

// Key types of the libp2p PublicKey message.
var keyTypes = map[uint64]string{
	0: "rsa",
	1: "ed25519",
	2: "secp256k1",
	3: "ecdsa",
}

// HandshakeInfo is the identity material a peer proves during the handshake.
type HandshakeInfo struct {
	Role         string   `json:"role"`
	StaticKey    string   `json:"static_key"`
	IdentityType string   `json:"identity_type,omitempty"`
	IdentityKey  []byte   `json:"identity_key,omitempty"`
	SignatureLen int      `json:"signature_len"`
	Muxers       []string `json:"muxers,omitempty"`
}

// parsePayload decodes a libp2p NoiseHandshakePayload:
//
//	identity_key = 1 (PublicKey{Type = 1, Data = 2})
//	identity_sig = 2
//	extensions   = 4 (NoiseExtensions{stream_muxers = 2})
func parsePayload(role string, static [32]byte, b []byte) (*HandshakeInfo, error) {
	info := &HandshakeInfo{Role: role, StaticKey: hex.EncodeToString(static[:])}
	err := pb.Walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			return pb.Walk(v, func(num protowire.Number, typ protowire.Type, kv []byte) error {
				switch {
				case num == 1 && typ == protowire.VarintType:
					info.IdentityType = keyTypes[pb.Uint(kv)]
				case num == 2 && typ == protowire.BytesType:
					info.IdentityKey = append([]byte(nil), kv...)
				}
				return nil
			})
		case 2:
			info.SignatureLen = len(v)
		case 4:
			return pb.Walk(v, func(num protowire.Number, typ protowire.Type, ev []byte) error {
				if num == 2 && typ == protowire.BytesType {
					info.Muxers = append(info.Muxers, string(ev))
				}
				return nil
			})
		}
		return nil
	})
	return info, err
}
