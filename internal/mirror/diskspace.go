package mirror

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftmirror/internal/syncerr"
	"github.com/shirou/gopsutil/v4/disk"
)

// ErrInsufficientSpace is wrapped in a FilesystemError when the root's volume is too small.
var ErrInsufficientSpace = fmt.Errorf("insufficient free disk space")

// ensureFreeSpace fails when need bytes do not fit on the volume holding root.
// A volume that cannot be queried is not an error.
func ensureFreeSpace(root string, need int64) error {
	if need <= 0 {
		return nil
	}
	usage, err := disk.Usage(root)
	if err != nil {
		slog.Debug("mirror disk usage unavailable", "root", root, "error", err)
		return nil
	}
	if uint64(need) > usage.Free {
		return syncerr.FS("reserve", root, fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace, humanize.IBytes(uint64(need)), humanize.IBytes(usage.Free)))
	}
	return nil
}
