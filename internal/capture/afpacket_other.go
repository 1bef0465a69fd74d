//go:build !linux

package capture

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/recorder/internal/core"
)

type LiveConfig struct {
	Device       string
	SnapLen      int
	BufferSizeMB int
	Timeout      time.Duration
	FanoutID     uint16
	Ports        []uint16
	Idle         time.Duration
	MaxPages     int
	BootTime     time.Time
}

// LiveSource is only available on Linux.
type LiveSource struct{}

func NewLiveSource(LiveConfig) (*LiveSource, error) {
	return nil, fmt.Errorf("%w: live capture requires linux", core.ErrConfiguration)
}

func (s *LiveSource) BootTime() time.Time { return time.Time{} }

func (s *LiveSource) Capture(context.Context, chan<- core.Event) error {
	return fmt.Errorf("%w: live capture requires linux", core.ErrConfiguration)
}
