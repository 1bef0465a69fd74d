package capture

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"

	"firestige.xyz/recorder/internal/core"
)

// ReadBootTime returns the system boot time from /proc/stat. Kernel capture
// timestamps are offsets from this instant.
func ReadBootTime() (time.Time, error) {
	return ReadBootTimeFrom(procfs.DefaultMountPoint)
}

// ReadBootTimeFrom reads the boot time of a proc filesystem mounted at root.
func ReadBootTimeFrom(root string) (time.Time, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: open procfs: %w", core.ErrConfiguration, err)
	}
	stat, err := fs.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: read boot time: %w", core.ErrConfiguration, err)
	}
	return time.Unix(int64(stat.BootTime), 0), nil
}
