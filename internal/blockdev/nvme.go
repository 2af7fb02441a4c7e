package blockdev

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/fsx"
	"github.com/tinyrange/vminit/internal/paths"
)

// The cloud's NVMe controllers expose the block-device-mapping name the
// volume was attached with (e.g. "sdf") in the vendor-specific region of
// the Identify Controller page. Linking that name back under /dev keeps
// user configurations working on instance types whose devices appear as
// /dev/nvmeXnY.

const (
	nvmeAdminIdentify  = 0x06
	nvmeIdentifyCtrl   = 1
	nvmeIdentifyLen    = 4096
	nvmeVendorSpecific = 3072 // offset of the vendor-specific area

	nvmeIoctlAdminCmd = 0xc0484e41 // NVME_IOCTL_ADMIN_CMD

	ebsModelNumber = "Amazon Elastic Block Store"
)

// nvmeAdminCmd mirrors struct nvme_admin_cmd from linux/nvme_ioctl.h.
type nvmeAdminCmd struct {
	Opcode      uint8
	Flags       uint8
	Rsvd1       uint16
	Nsid        uint32
	Cdw2        uint32
	Cdw3        uint32
	Metadata    uint64
	Addr        uint64
	MetadataLen uint32
	DataLen     uint32
	Cdw10       uint32
	Cdw11       uint32
	Cdw12       uint32
	Cdw13       uint32
	Cdw14       uint32
	Cdw15       uint32
	TimeoutMs   uint32
	Result      uint32
}

// identifyController issues an NVMe Identify Controller admin command and
// returns the raw 4096-byte page.
func identifyController(f *os.File) ([]byte, error) {
	data := make([]byte, nvmeIdentifyLen)
	cmd := nvmeAdminCmd{
		Opcode:  nvmeAdminIdentify,
		Addr:    uint64(uintptr(unsafe.Pointer(&data[0]))),
		DataLen: nvmeIdentifyLen,
		Cdw10:   nvmeIdentifyCtrl,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), nvmeIoctlAdminCmd,
		uintptr(unsafe.Pointer(&cmd)))
	if errno != 0 {
		return nil, fmt.Errorf("NVMe identify ioctl failed: %w", errno)
	}
	return data, nil
}

// vendorDeviceName returns the attachment device name of an EBS-backed
// NVMe device, or "" when the device is not an EBS volume.
func vendorDeviceName(devicePath string) (string, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return "", fmt.Errorf("unable to open %s: %w", devicePath, err)
	}
	defer f.Close()

	page, err := identifyController(f)
	if err != nil {
		return "", err
	}

	// Model number lives at bytes 24..63, space padded.
	model := strings.TrimSpace(string(page[24:64]))
	if model != ebsModelNumber {
		return "", nil
	}

	// The attachment name is NUL/space padded at the start of the
	// vendor-specific area, with or without a /dev/ prefix.
	vs := page[nvmeVendorSpecific : nvmeVendorSpecific+32]
	name := strings.TrimRight(strings.TrimRight(string(vs), "\x00"), " ")
	name = strings.TrimPrefix(name, "/dev/")
	return name, nil
}

// LinkDevice creates a /dev symlink from the cloud-provided attachment
// name to the kernel device. Partitions of a disk attached as e.g. "sdf"
// become "sdf1"; names that already end in a digit get a "p" separator.
// Non-NVMe and non-EBS devices are skipped silently, as are devices whose
// identify page cannot be read.
func LinkDevice(device DeviceInfo) error {
	devicePath := filepath.Join(paths.Dev, device.Name)
	vendorName, err := vendorDeviceName(devicePath)
	if err != nil {
		slog.Debug("skipping device without an identify page",
			slog.String("device", device.Name), slog.String("error", err.Error()))
		return nil
	}
	if vendorName == "" {
		return nil
	}

	linkName := vendorName
	if device.PartNum != "" {
		if hasDigitSuffix(vendorName) {
			linkName = fmt.Sprintf("%sp%s", vendorName, device.PartNum)
		} else {
			linkName = vendorName + device.PartNum
		}
	}
	linkPath := filepath.Join(paths.Dev, linkName)
	slog.Debug("linking device", slog.String("device", device.Name), slog.String("link", linkPath))
	return fsx.Symlink(device.Name, linkPath)
}

// LinkDevices runs LinkDevice over every disk and partition currently in
// /sys/block. The uevent listener covers devices that appear later.
func LinkDevices() error {
	entries, err := os.ReadDir(paths.SysBlock)
	if err != nil {
		return fmt.Errorf("unable to read directory %s: %w", paths.SysBlock, err)
	}
	for _, entry := range entries {
		disk := entry.Name()
		if err := LinkDevice(DeviceInfo{Name: disk}); err != nil {
			return err
		}
		partitions, err := Partitions(disk)
		if err != nil {
			return fmt.Errorf("unable to get partitions of %s: %w", disk, err)
		}
		for _, partition := range partitions {
			if err := LinkDevice(partition); err != nil {
				return err
			}
		}
	}
	return nil
}
