package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/recorder/internal/core"
)

// pcapng section header block type.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// PcapConfig configures replay of a capture file.
type PcapConfig struct {
	Path  string
	Ports []uint16
	// Idle closes connections without traffic for this long (0 = never).
	Idle     time.Duration
	MaxPages int
}

// PcapSource replays a pcap or pcapng file.
type PcapSource struct {
	cfg PcapConfig
}

func NewPcapSource(cfg PcapConfig) (*PcapSource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: pcap path is required", core.ErrConfiguration)
	}
	return &PcapSource{cfg: cfg}, nil
}

// BootTime implements Source. Packet timestamps in a file are absolute.
func (s *PcapSource) BootTime() time.Time {
	return time.Unix(0, 0)
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

func (s *PcapSource) Capture(ctx context.Context, out chan<- core.Event) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	r, linkType, err := openReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to read capture file %s: %w", s.cfg.Path, err)
	}
	t, err := newTracker(ctx, trackerConfig{
		Boot:     s.BootTime(),
		Ports:    s.cfg.Ports,
		LinkType: linkType,
		Idle:     s.cfg.Idle,
		MaxPages: s.cfg.MaxPages,
	}, out)
	if err != nil {
		return err
	}
	slog.Info("replaying capture", "path", s.cfg.Path, "link_type", linkType.String())

	for n := 0; ; n++ {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			slog.Info("capture replay finished", "path", s.cfg.Path, "packets", n)
			return t.flush()
		}
		if err != nil {
			return fmt.Errorf("failed to read packet %d: %w", n, err)
		}
		if err := t.packet(data, ci); err != nil {
			return err
		}
	}
}

func openReader(br *bufio.Reader) (packetReader, layers.LinkType, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, 0, err
	}
	if bytes.Equal(magic, ngMagic) {
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, 0, err
		}
		return r, r.LinkType(), nil
	}
	r, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, 0, err
	}
	return r, r.LinkType(), nil
}
