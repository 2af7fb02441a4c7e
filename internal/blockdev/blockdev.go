// Package blockdev resolves block devices backing paths and maps NVMe
// controller-provided device names to kernel names.
package blockdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/paths"
)

// DeviceInfo identifies a disk or partition by its kernel name, with the
// partition number when the device is a partition.
type DeviceInfo struct {
	Name    string
	PartNum string
}

// FindBlockDevice returns the /dev path of the block device backing p.
// If p is itself a block device node its rdev is matched, otherwise the
// device of the filesystem containing p.
func FindBlockDevice(p string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(p, &st); err != nil {
		return "", fmt.Errorf("unable to stat %s: %w", p, err)
	}
	dev := st.Dev
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		dev = st.Rdev
	}
	return findBlockDeviceInDir(paths.Dev, dev)
}

func findBlockDeviceInDir(dir string, dev uint64) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("unable to read directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		p := filepath.Join(dir, name)
		var st unix.Stat_t
		if err := unix.Lstat(p, &st); err != nil {
			continue
		}
		switch st.Mode & unix.S_IFMT {
		case unix.S_IFBLK:
			if st.Rdev == dev {
				return p, nil
			}
		case unix.S_IFDIR:
			if found, err := findBlockDeviceInDir(p, dev); err == nil {
				return found, nil
			}
		}
	}
	return "", fmt.Errorf("block device not found in %s", dir)
}

// Partitions lists the partitions of a disk by walking its /sys/block
// entry. Subdirectories whose name extends the disk name and contain a
// "partition" file are partitions.
func Partitions(disk string) ([]DeviceInfo, error) {
	sysDir := filepath.Join(paths.SysBlock, disk)
	entries, err := os.ReadDir(sysDir)
	if err != nil {
		return nil, fmt.Errorf("unable to read directory %s: %w", sysDir, err)
	}
	var partitions []DeviceInfo
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, disk) {
			continue
		}
		partNum, err := os.ReadFile(filepath.Join(sysDir, name, "partition"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, DeviceInfo{
			Name:    name,
			PartNum: strings.TrimSpace(string(partNum)),
		})
	}
	return partitions, nil
}

// LogicalBlockSize reads the sector size of a disk from sysfs.
func LogicalBlockSize(disk string) (int64, error) {
	return intFromFile(filepath.Join(paths.SysBlock, disk, "queue", "logical_block_size"))
}

// DiskSectors reads the total 512-byte-sector count of a disk from sysfs.
func DiskSectors(disk string) (int64, error) {
	return intFromFile(filepath.Join(paths.SysBlock, disk, "size"))
}

func intFromFile(p string) (int64, error) {
	buf, err := os.ReadFile(p)
	if err != nil {
		return 0, fmt.Errorf("unable to read %s: %w", p, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(buf)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse the contents of %s: %w", p, err)
	}
	return n, nil
}

// FindRootDevices returns the kernel names of the partition backing / and
// of its parent disk, found by looking for /sys/block/<disk>/<partition>.
func FindRootDevices() (partition, disk string, err error) {
	partitionPath, err := FindBlockDevice(paths.Root)
	if err != nil {
		return "", "", fmt.Errorf("unable to get device of root partition: %w", err)
	}
	partition = filepath.Base(partitionPath)

	entries, err := os.ReadDir(paths.SysBlock)
	if err != nil {
		return "", "", fmt.Errorf("unable to read directory %s: %w", paths.SysBlock, err)
	}
	for _, entry := range entries {
		candidate := filepath.Join(paths.SysBlock, entry.Name(), partition)
		if _, err := os.Stat(candidate); err == nil {
			return partition, entry.Name(), nil
		}
	}
	return "", "", fmt.Errorf("unable to find parent device of root partition %s", partition)
}

func hasDigitSuffix(s string) bool {
	if s == "" {
		return false
	}
	c := s[len(s)-1]
	return c >= '0' && c <= '9'
}
