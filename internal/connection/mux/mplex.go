package mux

import (
	"errors"
	"fmt"
	"math"

	"github.com/multiformats/go-varint"

	"firestige.xyz/recorder/internal/core"
)

// mplex frame: uvarint(id<<3 | flag) uvarint(length) body.
const (
	MplexNewStream uint64 = iota
	MplexMessageReceiver
	MplexMessageInitiator
	MplexCloseReceiver
	MplexCloseInitiator
	MplexResetReceiver
	MplexResetInitiator
)

type mplexDemuxer struct{}

func (mplexDemuxer) next(b []byte, dir core.Direction, maxFrame int) (frame, int, error) {
	hdr, n1, err := varint.FromUvarint(b)
	if err != nil {
		return mplexVarintErr(err, "header")
	}
	length, n2, err := varint.FromUvarint(b[n1:])
	if err != nil {
		return mplexVarintErr(err, "length")
	}
	if (maxFrame > 0 && length > uint64(maxFrame)) || length > math.MaxInt32 {
		return frame{}, 0, frameTooLarge(Mplex, length, maxFrame)
	}
	total := n1 + n2 + int(length)
	if len(b) < total {
		return frame{}, 0, nil
	}
	flag := hdr & 7
	if flag > MplexResetInitiator {
		return frame{}, 0, fmt.Errorf("%w: mplex flag %d", core.ErrFraming, flag)
	}
	// Initiator-side flags are even; the stream key records which
	// direction opened it since both sides number their streams from 0.
	opener := dir
	if flag%2 == 1 {
		opener = dir.Opposite()
	}
	f := frame{key: hdr>>3<<1 | uint64(opener)}
	body := b[n1+n2 : total]
	switch flag {
	case MplexNewStream:
		f.open = true
		f.name = string(body)
	case MplexMessageReceiver, MplexMessageInitiator:
		f.body = body
	case MplexCloseReceiver, MplexCloseInitiator:
		f.fin = true
	case MplexResetReceiver, MplexResetInitiator:
		f.rst = true
	}
	return f, total, nil
}

func mplexVarintErr(err error, what string) (frame, int, error) {
	if errors.Is(err, varint.ErrUnderflow) {
		return frame{}, 0, nil
	}
	return frame{}, 0, fmt.Errorf("%w: mplex %s: %w", core.ErrFraming, what, err)
}

// MplexKey returns the sub-stream key of mplex stream id opened by opener.
func MplexKey(id uint64, opener core.Direction) uint64 {
	return id<<1 | uint64(opener)
}

// AppendMplex encodes one mplex frame.
func AppendMplex(dst []byte, id, flag uint64, body []byte) []byte {
	dst = append(dst, varint.ToUvarint(id<<3|flag)...)
	dst = append(dst, varint.ToUvarint(uint64(len(body)))...)
	return append(dst, body...)
}
