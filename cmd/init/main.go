// Command init is PID 1 of a virtual machine built from a container
// image. It boots the machine, supervises the workload, and powers the
// machine off when the workload is done. PID 1 may never return to the
// kernel, so any outcome, success or failure, ends in a power-off.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/boot"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := boot.Run(context.Background()); err != nil {
		slog.Error("failed to initialize", slog.String("error", err.Error()))
	}

	// Let console output drain before the machine goes away.
	time.Sleep(time.Second)
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
		slog.Error("failed to power off", slog.String("error", err.Error()))
	}
}
