package grow

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BLKPG lets the kernel update its view of a single partition without
// re-reading the whole table, which it refuses to do while the partition
// is mounted.
const (
	blkpg                = 0x1269
	blkpgResizePartition = 3
)

// blkpgPartition mirrors struct blkpg_partition from linux/blkpg.h.
// Start and length are in bytes.
type blkpgPartition struct {
	Start   int64
	Length  int64
	Pno     int32
	Devname [64]byte
	Volname [64]byte
}

// blkpgIoctlArg mirrors struct blkpg_ioctl_arg from linux/blkpg.h.
type blkpgIoctlArg struct {
	Op      int32
	Flags   int32
	Datalen int32
	_       int32
	Data    unsafe.Pointer
}

// kernelResizePartition issues a BLKPG_RESIZE_PARTITION ioctl on the disk
// for the given partition number and sector extent.
func kernelResizePartition(disk *os.File, partNum int, firstLBA, lastLBA, blockSize int64) error {
	part := blkpgPartition{
		Start:  firstLBA * blockSize,
		Length: (lastLBA - firstLBA + 1) * blockSize,
		Pno:    int32(partNum),
	}
	arg := blkpgIoctlArg{
		Op:      blkpgResizePartition,
		Datalen: int32(unsafe.Sizeof(part)),
		Data:    unsafe.Pointer(&part),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, disk.Fd(), blkpg, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return fmt.Errorf("BLKPG resize of partition %d failed: %w", partNum, errno)
	}
	return nil
}
