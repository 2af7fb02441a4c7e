package blockdev

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/tinyrange/vminit/internal/paths"
)

// HasFilesystem probes a device with blkid. Exit status 0 means a
// filesystem (or other signature) was found, 2 means none.
func HasFilesystem(devicePath string) (bool, error) {
	blkid := filepath.Join(paths.Sbin, "blkid")
	err := exec.Command(blkid, devicePath).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 2 {
			return false, nil
		}
		return false, fmt.Errorf("blkid failed with exit code %d: %s",
			exitErr.ExitCode(), exitErr.Stderr)
	}
	return false, fmt.Errorf("unable to run %s: %w", blkid, err)
}
