// Package fsx provides the small set of filesystem primitives the boot
// pipeline is built on: owned recursive mkdir, atomic file replacement,
// idempotent mounts and symlinks, and a couple of path helpers whose
// semantics differ from the standard library on purpose.
package fsx

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DescendingDirs returns p and all of its ancestors in increasing length,
// e.g. "/a/b/c" yields ["/a", "/a/b", "/a/b/c"]. The empty prefix (the root
// separator itself) is skipped.
func DescendingDirs(p string) []string {
	parts := strings.Split(p, "/")
	dirs := make([]string, 0, len(parts))
	for i := 1; i <= len(parts); i++ {
		dir := strings.Join(parts[:i], "/")
		if dir == "" {
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs
}

// MkdirAll creates p and any missing ancestors with the given mode.
func MkdirAll(p string, mode os.FileMode) error {
	return MkdirAllOwned(p, mode, -1, -1)
}

// MkdirAllOwned creates p and any missing ancestors. Mode and ownership are
// applied only to directories this call creates; levels that already exist
// are left untouched. Pass -1 for uid or gid to keep the caller's identity.
func MkdirAllOwned(p string, mode os.FileMode, uid, gid int) error {
	for _, dir := range DescendingDirs(p) {
		err := os.Mkdir(dir, mode)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("unable to create directory %s: %w", dir, err)
		}
		// Mkdir is subject to the umask, so set the mode explicitly.
		if err := os.Chmod(dir, mode); err != nil {
			return fmt.Errorf("unable to change mode of %s: %w", dir, err)
		}
		if err := os.Chown(dir, uid, gid); err != nil {
			return fmt.Errorf("unable to change ownership of %s: %w", dir, err)
		}
	}
	return nil
}

// AtomicWrite replaces the file at p with the output of write. The data is
// written to a hidden sibling, fsynced, renamed over p, and the directory
// is fsynced. A failure at any step leaves either the old file or the
// temporary file, never a truncated target.
func AtomicWrite(p string, write func(io.Writer) error) error {
	dir := filepath.Dir(p)
	name := filepath.Base(p)
	if name == "/" || name == "." {
		return fmt.Errorf("invalid path %s", p)
	}
	tmp := filepath.Join(dir, "."+name+".tmp")

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", tmp, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("unable to write %s: %w", p, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("unable to sync %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("unable to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("unable to rename %s to %s: %w", tmp, p, err)
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("unable to open directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("unable to sync directory %s: %w", dir, err)
	}
	return nil
}

// JoinRelative joins base and p, treating p as relative even when it is
// absolute. filepath.Join already does this; the separate name documents
// the intent at call sites that place fetched items under a destination
// directory, and keeps the empty-suffix case ("/a" + "" -> "/a/") stable.
func JoinRelative(base, p string) string {
	if p == "" {
		return base + "/"
	}
	return path.Join(base, strings.TrimPrefix(p, "/"))
}

// ParseMode converts an octal mode string such as "0755" to mode bits.
func ParseMode(s string) (os.FileMode, error) {
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return os.FileMode(m), nil
}

// Symlink creates the link, ignoring EEXIST so racing creators (the uevent
// listener and the startup one-shot) do not trip over each other.
func Symlink(target, link string) error {
	if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
		return fmt.Errorf("unable to link %s to %s: %w", target, link, err)
	}
	return nil
}

// Mount describes one filesystem mount performed during boot.
type Mount struct {
	Source  string
	FsType  string
	Flags   uintptr
	Mode    os.FileMode
	Options string
	Target  string
}

// Execute creates the mount point and performs the mount. EBUSY means the
// target is already mounted, which happens when a test harness premounts
// the filesystems before handing off to init, and counts as success.
func (m *Mount) Execute() error {
	if err := MkdirAll(m.Target, m.Mode); err != nil {
		return err
	}
	err := unix.Mount(m.Source, m.Target, m.FsType, m.Flags, m.Options)
	if err == unix.EBUSY {
		slog.Debug("mount point already mounted, skipping", slog.String("target", m.Target))
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to mount %s on %s: %w", m.Source, m.Target, err)
	}
	return nil
}

// IsMounted reports whether mountPoint appears as the second field of any
// line of an mtab-format reader (normally /proc/mounts). A line with fewer
// than two fields but at least one is a parse error.
func IsMounted(mountPoint string, mtab io.Reader) (bool, error) {
	scanner := bufio.NewScanner(mtab)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return false, fmt.Errorf("invalid line in mtab: %s", line)
		}
		if fields[1] == mountPoint {
			return true, nil
		}
	}
	return false, scanner.Err()
}
