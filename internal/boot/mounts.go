package boot

import (
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/fsx"
	"github.com/tinyrange/vminit/internal/paths"
)

// baseMounts is the set of kernel filesystems every boot needs, in mount
// order. All of them come before any step that reads /proc or /sys.
var baseMounts = []fsx.Mount{
	{
		Source: "devtmpfs",
		FsType: "devtmpfs",
		Flags:  unix.MS_NOSUID,
		Mode:   0o755,
		Target: paths.Dev,
	},
	{
		Source:  "devpts",
		FsType:  "devpts",
		Flags:   unix.MS_NOATIME | unix.MS_NOEXEC | unix.MS_NOSUID,
		Mode:    0o755,
		Options: "mode=0620,gid=5,ptmxmode=666",
		Target:  paths.DevPts,
	},
	{
		Source: "mqueue",
		FsType: "mqueue",
		Flags:  unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID,
		Mode:   0o755,
		Target: paths.DevMqueue,
	},
	{
		Source: "tmpfs",
		FsType: "tmpfs",
		Flags:  unix.MS_NODEV | unix.MS_NOSUID,
		Mode:   0o1777,
		Target: paths.DevShm,
	},
	{
		Source: "hugetlbfs",
		FsType: "hugetlbfs",
		Flags:  unix.MS_RELATIME,
		Mode:   0o755,
		Target: paths.DevHugepages,
	},
	{
		Source: "proc",
		FsType: "proc",
		Flags:  unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_RELATIME | unix.MS_NOSUID,
		Mode:   0o555,
		Target: paths.Proc,
	},
	{
		Source: "sys",
		FsType: "sysfs",
		Flags:  unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID,
		Mode:   0o555,
		Target: paths.Sys,
	},
	{
		Source:  "tmpfs",
		FsType:  "tmpfs",
		Flags:   unix.MS_NODEV | unix.MS_NOSUID,
		Mode:    0o755,
		Options: "mode=0755",
		Target:  paths.Run,
	},
	{
		Source:  "cgroup2",
		FsType:  "cgroup2",
		Flags:   unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_RELATIME | unix.MS_NOSUID,
		Mode:    0o555,
		Options: "nsdelegate",
		Target:  paths.SysFsCgroup,
	},
	{
		Source: "debugfs",
		FsType: "debugfs",
		Flags:  unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_RELATIME | unix.MS_NOSUID,
		Mode:   0o500,
		Target: paths.SysKernelDbg,
	},
}

func executeBaseMounts() error {
	oldMask := unix.Umask(0)
	defer unix.Umask(oldMask)
	for i := range baseMounts {
		slog.Debug("processing mount", slog.String("target", baseMounts[i].Target))
		if err := baseMounts[i].Execute(); err != nil {
			return err
		}
	}
	return nil
}

// baseLinks are the /dev convenience symlinks into procfs.
var baseLinks = []struct {
	target string
	link   string
}{
	{target: "/proc/self/fd", link: "/dev/fd"},
	{target: "/proc/self/fd/0", link: "/dev/stdin"},
	{target: "/proc/self/fd/1", link: "/dev/stdout"},
	{target: "/proc/self/fd/2", link: "/dev/stderr"},
}

func executeBaseLinks() error {
	for _, l := range baseLinks {
		slog.Debug("linking", slog.String("target", l.target), slog.String("link", l.link))
		if err := fsx.Symlink(l.target, l.link); err != nil {
			return err
		}
	}
	return nil
}
