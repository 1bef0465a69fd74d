//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/recorder/internal/core"
)

// LiveConfig configures capture from a network interface.
type LiveConfig struct {
	Device       string
	SnapLen      int
	BufferSizeMB int
	Timeout      time.Duration
	FanoutID     uint16
	Ports        []uint16
	Idle         time.Duration
	MaxPages     int
	// BootTime overrides the boot time read from /proc/stat.
	BootTime time.Time
}

// LiveSource captures from an AF_PACKET ring on Linux. The port filter is
// attached to the socket so that unrelated traffic never leaves the kernel.
type LiveSource struct {
	cfg                             LiveConfig
	frameSize, blockSize, numBlocks int
	boot                            time.Time
}

func NewLiveSource(cfg LiveConfig) (*LiveSource, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: capture device is required", core.ErrConfiguration)
	}
	frameSize, blockSize, numBlocks, err := ringSize(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	boot := cfg.BootTime
	if boot.IsZero() {
		if boot, err = ReadBootTime(); err != nil {
			return nil, err
		}
	}
	return &LiveSource{cfg: cfg, frameSize: frameSize, blockSize: blockSize, numBlocks: numBlocks, boot: boot}, nil
}

func (s *LiveSource) BootTime() time.Time {
	return s.boot
}

func (s *LiveSource) Capture(ctx context.Context, out chan<- core.Event) error {
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(s.cfg.Device),
		afpacket.OptFrameSize(s.frameSize),
		afpacket.OptBlockSize(s.blockSize),
		afpacket.OptNumBlocks(s.numBlocks),
		afpacket.OptPollTimeout(s.cfg.Timeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.cfg.Device, err)
	}
	defer tp.Close()

	if s.cfg.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, s.cfg.FanoutID); err != nil {
			return fmt.Errorf("failed to join fanout group: %w", err)
		}
	}
	if len(s.cfg.Ports) > 0 {
		f, err := NewPortFilter(s.cfg.Ports)
		if err != nil {
			return err
		}
		if err := tp.SetBPF(f.Raw()); err != nil {
			return fmt.Errorf("failed to attach port filter: %w", err)
		}
	}

	t, err := newTracker(ctx, trackerConfig{
		Boot:     s.boot,
		Ports:    s.cfg.Ports,
		LinkType: layers.LinkTypeEthernet,
		Idle:     s.cfg.Idle,
		MaxPages: s.cfg.MaxPages,
	}, out)
	if err != nil {
		return err
	}
	slog.Info("live capture started", "device", s.cfg.Device, "ports", s.cfg.Ports)

	for ctx.Err() == nil {
		data, ci, err := tp.ReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		if err := t.packet(data, ci); err != nil {
			return err
		}
	}
	// Teardown events are best effort once ctx is done.
	_ = t.flush()
	return ctx.Err()
}
