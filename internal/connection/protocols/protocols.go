// Package protocols maps negotiated protocol names to decoding handlers.
package protocols

import (
	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/connection/mina"
	"firestige.xyz/recorder/internal/connection/multistream"
	"firestige.xyz/recorder/internal/connection/mux"
	"firestige.xyz/recorder/internal/connection/noise"
	"firestige.xyz/recorder/internal/core"
)

// FromName builds the handler for a protocol agreed on stream sid. It is
// the api.Factory every multistream-select stage is created with.
func FromName(name string, sid core.StreamID) (api.Handler, bool) {
	switch name {
	case core.ProtocolNoise:
		return noise.New(sid, Negotiate(sid)), true
	case core.ProtocolYamux:
		return mux.New(mux.Yamux, sid, Negotiate), true
	case core.ProtocolMplex, core.ProtocolCodaMplex:
		return mux.New(mux.Mplex, sid, Negotiate), true
	case core.ProtocolMinaRPC:
		return mina.NewRPC(sid), true
	case core.ProtocolMeshsub10, core.ProtocolMeshsub11:
		return mina.NewMeshsub(sid, name), true
	case core.ProtocolIdentify, core.ProtocolIdentifyPush, core.ProtocolPing,
		core.ProtocolKad, core.ProtocolPeerExchange, core.ProtocolNodeStatus, core.ProtocolBitswap:
		return mina.NewRaw(name), true
	default:
		return nil, false
	}
}

// Negotiate returns a multistream-select stage for sid that continues with FromName.
func Negotiate(sid core.StreamID) api.Handler {
	return multistream.New(sid, FromName)
}
