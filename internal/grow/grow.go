// Package grow expands the root partition and filesystem to fill the disk
// the instance booted from. Images are built small; the instance's volume
// is usually larger, and the extra space has to be claimed on first boot,
// in place, while the root filesystem is mounted.
package grow

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"

	"github.com/tinyrange/vminit/internal/blockdev"
	"github.com/tinyrange/vminit/internal/paths"
)

// rootPartitionName is the GPT partition label the image build gives the
// root filesystem.
const rootPartitionName = "root"

// growFudge is the headroom in bytes below which a resize is skipped, a
// la growpart.
const growFudge = 1024 * 1024

// gptEntryArrayBytes is the standard 128-entry, 128-byte-entry partition
// array reserved after the GPT header.
const gptEntryArrayBytes = 128 * 128

// ResizeRootVolume grows the root partition's last LBA to the end of the
// usable disk area, asks the kernel to re-read the partition, and grows
// the ext filesystem. Growth of one MiB's worth of sectors or less is
// skipped silently. Everything else that goes wrong is fatal: a botched
// GPT rewrite is not something to boot past.
func ResizeRootVolume() error {
	partitionName, diskName, err := blockdev.FindRootDevices()
	if err != nil {
		return err
	}
	diskPath := filepath.Join(paths.Dev, diskName)
	slog.Debug("resolved root devices",
		slog.String("partition", partitionName), slog.String("disk", diskPath))

	blockSize, err := blockdev.LogicalBlockSize(diskName)
	if err != nil {
		return fmt.Errorf("unable to get sector size of root disk: %w", err)
	}
	if blockSize != 512 && blockSize != 4096 {
		return fmt.Errorf("unsupported sector size %d", blockSize)
	}

	diskSectors, err := blockdev.DiskSectors(diskName)
	if err != nil {
		return fmt.Errorf("unable to get sectors of root disk: %w", err)
	}
	// /sys/block/<disk>/size counts 512-byte sectors regardless of the
	// logical block size.
	diskSectors = diskSectors * 512 / blockSize

	disk, err := diskfs.Open(diskPath, diskfs.WithSectorSize(diskfs.SectorSize(blockSize)))
	if err != nil {
		return fmt.Errorf("unable to open %s for resize: %w", diskPath, err)
	}
	defer disk.Close()

	table, err := disk.GetPartitionTable()
	if err != nil {
		return fmt.Errorf("unable to read partition table of %s: %w", diskPath, err)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return fmt.Errorf("%s does not have a GPT partition table", diskPath)
	}

	partNum, part := findRootPartition(gptTable)
	if part == nil {
		return fmt.Errorf("root partition not found on %s", diskPath)
	}

	align := partitionAlignment(int64(part.Start))
	firstUsable := firstUsableSector(blockSize)
	lastUsable := LastUsableSector(diskSectors, firstUsable, align)
	slog.Debug("computed usable extent",
		slog.Int64("first", firstUsable), slog.Int64("last", lastUsable))

	fudgeSectors := growFudge / blockSize
	if int64(part.End) >= lastUsable-fudgeSectors {
		slog.Debug("root partition already fills the disk",
			slog.Int64("last_lba", int64(part.End)))
		return nil
	}

	slog.Info("resizing partition",
		slog.Int64("from_sector", int64(part.End)), slog.Int64("to_sector", lastUsable))
	part.End = uint64(lastUsable)
	part.Size = (part.End - part.Start + 1) * uint64(blockSize)

	if err := disk.Partition(gptTable); err != nil {
		return fmt.Errorf("unable to write disk: %w", err)
	}

	devFile, err := os.OpenFile(diskPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("unable to open %s for ioctl: %w", diskPath, err)
	}
	defer devFile.Close()
	if err := kernelResizePartition(devFile, partNum, int64(part.Start), lastUsable, blockSize); err != nil {
		return fmt.Errorf("unable to reread partition table: %w", err)
	}

	slog.Debug("growing root filesystem")
	if err := growFilesystem(filepath.Join(paths.Dev, partitionName)); err != nil {
		return fmt.Errorf("unable to grow root filesystem: %w", err)
	}
	return nil
}

func findRootPartition(table *gpt.Table) (int, *gpt.Partition) {
	for i, part := range table.Partitions {
		if part.Name == rootPartitionName {
			return i + 1, part
		}
	}
	return 0, nil
}

// LastUsableSector computes the aligned last sector a partition may end
// on. The GPT trailer occupies the same number of sectors as the header
// area less the protective MBR, so its length is firstUsable-2; the result
// is rounded down to the alignment.
func LastUsableSector(diskSectors, firstUsable, align int64) int64 {
	gptLen := firstUsable - 2
	return (diskSectors - gptLen - 1) / align * align
}

// firstUsableSector is where GPT data ends and partitions may begin: the
// protective MBR, the header, and the entry array. LBA 34 at 512-byte
// sectors, LBA 6 at 4096.
func firstUsableSector(blockSize int64) int64 {
	return 2 + (gptEntryArrayBytes+blockSize-1)/blockSize
}

// partitionAlignment infers the alignment the image build used from the
// root partition's start sector: the largest power of two up to 2048 that
// divides it.
func partitionAlignment(start int64) int64 {
	for align := int64(2048); align > 1; align /= 2 {
		if start%align == 0 {
			return align
		}
	}
	return 1
}

func growFilesystem(partitionPath string) error {
	resize2fs := filepath.Join(paths.Sbin, "resize2fs")
	out, err := exec.Command(resize2fs, partitionPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", resize2fs, err, out)
	}
	return nil
}
