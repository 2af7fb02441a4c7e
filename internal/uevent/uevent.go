// Package uevent listens on the kernel's NETLINK_KOBJECT_UEVENT socket for
// block devices appearing after boot, so the NVMe name links stay current
// when volumes are hot-attached.
package uevent

import (
	"bytes"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/blockdev"
)

const (
	keySubsystem   = "SUBSYSTEM"
	keyDevName     = "DEVNAME"
	keyPartN       = "PARTN"
	subsystemBlock = "block"
)

// Handler is invoked for each block device announced by an "add@" event.
type Handler func(blockdev.DeviceInfo) error

// Start binds the uevent socket and processes messages on a background
// goroutine. The listener runs for the life of the process.
func Start(handler Handler) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("unable to create uevent socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("unable to bind uevent socket: %w", err)
	}
	go func() {
		slog.Debug("starting uevent listener")
		recvMessages(fd, handler)
	}()
	return nil
}

func recvMessages(fd int, handler Handler) {
	buf := make([]byte, 4096)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			slog.Error("error receiving netlink message", slog.String("error", err.Error()))
			continue
		}
		device, err := parseMessage(buf[:n])
		if err != nil {
			slog.Error("error handling netlink message", slog.String("error", err.Error()))
			continue
		}
		if device == nil {
			continue
		}
		if err := handler(*device); err != nil {
			slog.Error("error linking device",
				slog.String("device", device.Name), slog.String("error", err.Error()))
		}
	}
}

// parseMessage extracts the device info from an "add@" uevent for the
// block subsystem. Any other message yields nil.
func parseMessage(buf []byte) (*blockdev.DeviceInfo, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("unexpected length of netlink message: %d", len(buf))
	}
	if !bytes.HasPrefix(buf, []byte("add@")) {
		return nil, nil
	}

	var devName, partNum string
	for _, field := range bytes.Split(buf, []byte{0}) {
		if len(field) == 0 {
			continue
		}
		key, value, ok := bytes.Cut(field, []byte("="))
		if !ok {
			continue
		}
		switch string(key) {
		case keySubsystem:
			if string(value) != subsystemBlock {
				return nil, nil
			}
		case keyDevName:
			devName = string(value)
		case keyPartN:
			partNum = string(value)
		}
	}
	if devName == "" {
		return nil, nil
	}
	return &blockdev.DeviceInfo{Name: devName, PartNum: partNum}, nil
}
