// Package capture produces directed byte events from captured TCP traffic.
package capture

import (
	"context"
	"time"

	"firestige.xyz/recorder/internal/core"
)

// Source delivers capture events until its input ends or ctx is done.
// Events of one connection are sent in order on out.
type Source interface {
	Capture(ctx context.Context, out chan<- core.Event) error
	// BootTime is the reference event offsets are relative to.
	BootTime() time.Time
}
