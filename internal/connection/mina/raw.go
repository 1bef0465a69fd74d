package mina

import (
	"bytes"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
)

// Raw records every chunk of a protocol the recorder negotiates but does
// not decode.
type Raw struct {
	protocol string
}

func NewRaw(protocol string) *Raw {
	return &Raw{protocol: protocol}
}

func (h *Raw) OnData(id core.DirectedID, data []byte, cx *api.Context, sink api.Sink) error {
	if len(data) == 0 {
		return nil
	}
	api.Emit(sink, cx, id, h.protocol, core.KindRaw, bytes.Clone(data))
	return nil
}
