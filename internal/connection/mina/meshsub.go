package mina

import (
	"bytes"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/recorder/internal/connection/api"
	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/pb"
)

// MeshsubRPC is one gossipsub RPC frame.
type MeshsubRPC struct {
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
	Publish       []Message      `json:"publish,omitempty"`
	Control       *Control       `json:"control,omitempty"`
}

type Subscription struct {
	Subscribe bool   `json:"subscribe"`
	Topic     string `json:"topic"`
}

// Message is a published gossip message. Data is the Mina payload as sent.
type Message struct {
	From      []byte `json:"from,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Seqno     []byte `json:"seqno,omitempty"`
	Topic     string `json:"topic"`
	Signature []byte `json:"signature,omitempty"`
	Key       []byte `json:"key,omitempty"`
}

type Control struct {
	IHave []IHave `json:"ihave,omitempty"`
	IWant []IWant `json:"iwant,omitempty"`
	Graft []Graft `json:"graft,omitempty"`
	Prune []Prune `json:"prune,omitempty"`
}

type IHave struct {
	Topic      string   `json:"topic"`
	MessageIDs [][]byte `json:"message_ids"`
}

type IWant struct {
	MessageIDs [][]byte `json:"message_ids"`
}

type Graft struct {
	Topic string `json:"topic"`
}

type Prune struct {
	Topic   string     `json:"topic"`
	Peers   []PeerInfo `json:"peers,omitempty"`
	Backoff uint64     `json:"backoff,omitempty"`
}

type PeerInfo struct {
	ID     []byte `json:"id,omitempty"`
	Record []byte `json:"signed_peer_record,omitempty"`
}

// Meshsub decodes gossipsub RPCs, each prefixed by its uvarint length.
type Meshsub struct {
	sid      core.StreamID
	protocol string
	framers  [2]*framer
}

// NewMeshsub returns the decoder for a sub-stream that agreed on protocol.
func NewMeshsub(sid core.StreamID, protocol string) *Meshsub {
	return &Meshsub{sid: sid, protocol: protocol}
}

func (h *Meshsub) OnData(id core.DirectedID, data []byte, cx *api.Context, sink api.Sink) error {
	f := h.framers[id.Dir&1]
	if f == nil {
		f = newFramer(uvarintPrefix, cx.Limits.MaxMessage)
		h.framers[id.Dir&1] = f
	}
	return f.feed(data,
		func(body []byte) {
			rpc, err := ParseMeshsub(body)
			if err != nil {
				parseFailed(h.protocol, h.sid, err, cx)
				return
			}
			api.Emit(sink, cx, id, h.protocol, core.KindMessage, rpc)
		},
		func(size uint64) { oversized(h.protocol, h.sid, size, cx) })
}

// ParseMeshsub decodes a gossipsub RPC. Fields of an unexpected wire type
// are skipped. The result does not alias b.
func ParseMeshsub(b []byte) (*MeshsubRPC, error) {
	rpc := new(MeshsubRPC)
	err := pb.Walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			s, err := parseSubscription(v)
			if err != nil {
				return err
			}
			rpc.Subscriptions = append(rpc.Subscriptions, s)
		case 2:
			m, err := parseMessage(v)
			if err != nil {
				return err
			}
			rpc.Publish = append(rpc.Publish, m)
		case 3:
			c, err := parseControl(v)
			if err != nil {
				return err
			}
			rpc.Control = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rpc, nil
}

func parseSubscription(b []byte) (s Subscription, err error) {
	err = pb.Walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			s.Subscribe = pb.Uint(v) != 0
		case num == 2 && typ == protowire.BytesType:
			s.Topic = string(v)
		}
		return nil
	})
	return s, err
}

func parseMessage(b []byte) (m Message, err error) {
	err = pb.Walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			m.From = bytes.Clone(v)
		case 2:
			m.Data = bytes.Clone(v)
		case 3:
			m.Seqno = bytes.Clone(v)
		case 4:
			m.Topic = string(v)
		case 5:
			m.Signature = bytes.Clone(v)
		case 6:
			m.Key = bytes.Clone(v)
		}
		return nil
	})
	return m, err
}

func parseControl(b []byte) (*Control, error) {
	c := new(Control)
	err := pb.Walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			var ih IHave
			err := pb.Walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch {
				case num == 1 && typ == protowire.BytesType:
					ih.Topic = string(v)
				case num == 2 && typ == protowire.BytesType:
					ih.MessageIDs = append(ih.MessageIDs, bytes.Clone(v))
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.IHave = append(c.IHave, ih)
		case 2:
			var iw IWant
			err := pb.Walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num == 1 && typ == protowire.BytesType {
					iw.MessageIDs = append(iw.MessageIDs, bytes.Clone(v))
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.IWant = append(c.IWant, iw)
		case 3:
			var g Graft
			err := pb.Walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if num == 1 && typ == protowire.BytesType {
					g.Topic = string(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Graft = append(c.Graft, g)
		case 4:
			p, err := parsePrune(v)
			if err != nil {
				return err
			}
			c.Prune = append(c.Prune, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func parsePrune(b []byte) (p Prune, err error) {
	err = pb.Walk(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			p.Topic = string(v)
		case num == 2 && typ == protowire.BytesType:
			var peer PeerInfo
			err := pb.Walk(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
				if typ != protowire.BytesType {
					return nil
				}
				switch num {
				case 1:
					peer.ID = bytes.Clone(v)
				case 2:
					peer.Record = bytes.Clone(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Peers = append(p.Peers, peer)
		case num == 3 && typ == protowire.VarintType:
			p.Backoff = pb.Uint(v)
		}
		return nil
	})
	return p, err
}
