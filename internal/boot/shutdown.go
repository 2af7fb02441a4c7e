package boot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/fsx"
	"github.com/tinyrange/vminit/internal/paths"
	"github.com/tinyrange/vminit/internal/supervise"
	"github.com/tinyrange/vminit/internal/vmspec"
)

const unmountTimeout = 10 * time.Second

// supervise runs the workload under the supervisor, then unwinds the
// filesystem state once everything has exited.
func (b *bootContext) supervise(ctx context.Context, command []string, env vmspec.NameValues) error {
	// Grab what the teardown needs before the supervisor takes over.
	mountPoints := b.spec.EbsMountPoints()

	supervisor, err := supervise.New(b.spec, command, env, b.imds)
	if err != nil {
		return err
	}
	if err := supervisor.Start(ctx); err != nil {
		return err
	}
	supervise.StartSpotMonitor(ctx, b.imds, supervisor)
	supervisor.Wait()

	if err := unmountAll(mountPoints); err != nil {
		return err
	}
	return waitForUnmounts(paths.ProcMounts, mountPoints, unmountTimeout)
}

func remountRootReadonly() error {
	err := unix.Mount("", paths.Root, "", unix.MS_REMOUNT|unix.MS_RDONLY, "")
	if err != nil {
		return fmt.Errorf("unable to remount root filesystem as readonly: %w", err)
	}
	return nil
}

// unmountAll remounts the root read-only and unmounts every volume mount
// point. Individual failures are logged; the call errors only when every
// operation failed, so partial progress can still be waited on.
func unmountAll(mountPoints []string) error {
	errorCount := 0

	if err := remountRootReadonly(); err != nil {
		errorCount++
		slog.Error("unable to remount root as read-only", slog.String("error", err.Error()))
	}
	for _, mountPoint := range mountPoints {
		if err := unix.Unmount(mountPoint, 0); err != nil {
			errorCount++
			slog.Error("unable to unmount",
				slog.String("mount_point", mountPoint), slog.String("error", err.Error()))
		}
	}
	if errorCount == len(mountPoints)+1 {
		return fmt.Errorf("unable to unmount filesystems")
	}
	return nil
}

// waitForUnmounts polls the mount table until every mount point is gone
// or the timeout expires.
func waitForUnmounts(mtabPath string, mountPoints []string, timeout time.Duration) error {
	var wg sync.WaitGroup
	for _, mountPoint := range mountPoints {
		wg.Add(1)
		go func(mountPoint string) {
			defer wg.Done()
			for {
				mounted, err := isMountedNow(mtabPath, mountPoint)
				if err != nil {
					slog.Error("unable to check if mounted",
						slog.String("mount_point", mountPoint), slog.String("error", err.Error()))
					return
				}
				if !mounted {
					return
				}
				time.Sleep(time.Second)
			}
		}(mountPoint)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all filesystems unmounted")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for filesystems to unmount")
	}
}

func isMountedNow(mtabPath, mountPoint string) (bool, error) {
	f, err := os.Open(mtabPath)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return fsx.IsMounted(mountPoint, f)
}
