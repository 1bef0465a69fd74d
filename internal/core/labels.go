// Package core defines core types.
package core

// Protocol names negotiated over multistream-select.
const (
	ProtocolMultistream = "/multistream/1.0.0"
	ProtocolNoise       = "/noise"
	ProtocolYamux       = "/yamux/1.0.0"
	ProtocolMplex       = "/mplex/6.7.0"
	ProtocolCodaMplex   = "/coda/mplex/1.0.0"
	ProtocolMinaRPC     = "coda/rpcs/0.0.1"
	ProtocolMeshsub10   = "/meshsub/1.0.0"
	ProtocolMeshsub11   = "/meshsub/1.1.0"

	ProtocolIdentify     = "/ipfs/id/1.0.0"
	ProtocolIdentifyPush = "/ipfs/id/push/1.0.0"
	ProtocolPing         = "/ipfs/ping/1.0.0"
	ProtocolKad          = "/coda/kad/1.0.0"
	ProtocolPeerExchange = "/mina/peer-exchange"
	ProtocolNodeStatus   = "/mina/node-status"
	ProtocolBitswap      = "/mina/bitswap-exchange"
)

// Record kinds.
const (
	KindHandshake = "handshake"
	KindMessage   = "message"
	KindRaw       = "raw"
)
