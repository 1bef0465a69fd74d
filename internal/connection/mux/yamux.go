package mux

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/recorder/internal/core"
)

// yamux header: version(1) type(1) flags(2) stream id(4) length(4), big endian.
const (
	yamuxHeaderLen = 12
	yamuxVersion   = 0
)

// Frame types.
const (
	YamuxData uint8 = iota
	YamuxWindowUpdate
	YamuxPing
	YamuxGoAway
)

// Flags.
const (
	YamuxSYN uint16 = 1 << iota
	YamuxACK
	YamuxFIN
	YamuxRST
)

type yamuxDemuxer struct{}

func (yamuxDemuxer) next(b []byte, _ core.Direction, maxFrame int) (frame, int, error) {
	if len(b) < yamuxHeaderLen {
		return frame{}, 0, nil
	}
	if b[0] != yamuxVersion {
		return frame{}, 0, fmt.Errorf("%w: yamux version %d", core.ErrFraming, b[0])
	}
	typ := b[1]
	flags := binary.BigEndian.Uint16(b[2:4])
	id := binary.BigEndian.Uint32(b[4:8])
	length := binary.BigEndian.Uint32(b[8:12])

	f := frame{
		key:  uint64(id),
		open: flags&YamuxSYN != 0,
		ack:  flags&YamuxACK != 0,
		fin:  flags&YamuxFIN != 0,
		rst:  flags&YamuxRST != 0,
	}
	switch typ {
	case YamuxData:
		if maxFrame > 0 && uint64(length) > uint64(maxFrame) {
			return frame{}, 0, frameTooLarge(Yamux, uint64(length), maxFrame)
		}
		total := yamuxHeaderLen + int(length)
		if len(b) < total {
			return frame{}, 0, nil
		}
		f.body = b[yamuxHeaderLen:total]
		if id == 0 {
			return frame{session: true}, total, nil
		}
		return f, total, nil
	case YamuxWindowUpdate:
		// length is a window delta, no body follows
		if id == 0 {
			return frame{session: true}, yamuxHeaderLen, nil
		}
		return f, yamuxHeaderLen, nil
	case YamuxPing:
		return frame{session: true}, yamuxHeaderLen, nil
	case YamuxGoAway:
		return frame{session: true, goAway: true}, yamuxHeaderLen, nil
	default:
		return frame{}, 0, fmt.Errorf("%w: yamux frame type %d", core.ErrFraming, typ)
	}
}

// AppendYamux encodes one yamux frame header followed by body.
// Window updates carry body length as delta and no body bytes.
func AppendYamux(dst []byte, typ uint8, flags uint16, id uint32, body []byte) []byte {
	var hdr [yamuxHeaderLen]byte
	hdr[0] = yamuxVersion
	hdr[1] = typ
	binary.BigEndian.PutUint16(hdr[2:4], flags)
	binary.BigEndian.PutUint32(hdr[4:8], id)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
	dst = append(dst, hdr[:]...)
	if typ == YamuxData {
		dst = append(dst, body...)
	}
	return dst
}
