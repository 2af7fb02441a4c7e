package fsx

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDescendingDirs(t *testing.T) {
	cases := []struct {
		path string
		want []string
	}{
		{path: "", want: []string{}},
		{path: "a", want: []string{"a"}},
		{path: "/a", want: []string{"/a"}},
		{path: "/a/b", want: []string{"/a", "/a/b"}},
		{path: "/a/b/", want: []string{"/a", "/a/b", "/a/b/"}},
		{path: "/a/b/c/d", want: []string{"/a", "/a/b", "/a/b/c", "/a/b/c/d"}},
	}
	for _, c := range cases {
		got := DescendingDirs(c.path)
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("DescendingDirs(%q) mismatch\n got: %#v\nwant: %#v", c.path, got, c.want)
		}
	}
}

func TestJoinRelative(t *testing.T) {
	cases := []struct {
		base string
		join string
		want string
	}{
		{base: "/a", join: "", want: "/a/"},
		{base: "/a", join: "b", want: "/a/b"},
		{base: "/a", join: "/b", want: "/a/b"},
	}
	for _, c := range cases {
		got := JoinRelative(c.base, c.join)
		if got != c.want {
			t.Fatalf("JoinRelative(%q, %q) = %q, want %q", c.base, c.join, got, c.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		mode string
		want os.FileMode
		err  bool
	}{
		{mode: "", err: true},
		{mode: "abc", err: true},
		{mode: "0", want: 0},
		{mode: "0755", want: 0o755},
	}
	for _, c := range cases {
		got, err := ParseMode(c.mode)
		if c.err {
			if err == nil {
				t.Fatalf("ParseMode(%q) expected an error", c.mode)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", c.mode, err)
		}
		if got != c.want {
			t.Fatalf("ParseMode(%q) = %o, want %o", c.mode, got, c.want)
		}
	}
}

const mtabOk = `
devtmpfs /dev devtmpfs rw,seclabel,nosuid,size=4096k,nr_inodes=4074091,mode=755,inode64 0 0
tmpfs /dev/shm tmpfs rw,seclabel,nosuid,nodev,inode64 0 0
devpts /dev/pts devpts rw,seclabel,nosuid,noexec,relatime,gid=5,mode=620,ptmxmode=000 0 0
sysfs /sys sysfs rw,seclabel,nosuid,nodev,noexec,relatime 0 0
cgroup2 /sys/fs/cgroup cgroup2 rw,seclabel,nosuid,nodev,noexec,relatime,nsdelegate 0 0
proc /proc proc rw,nosuid,nodev,noexec,relatime 0 0
`

const mtabMangled = `
devtmpfs/devdevtmpfsrw,seclabel,nosuid,size=4096k,mode=755,inode6400
tmpfs/dev/shmtmpfsrw,seclabel,nosuid,nodev,inode6400
proc/procprocrw,nosuid,nodev,noexec,relatime00
`

func TestIsMounted(t *testing.T) {
	cases := []struct {
		mtab       string
		mountPoint string
		want       bool
		err        bool
	}{
		{mtab: "", mountPoint: "/dev", want: false},
		{mtab: mtabMangled, mountPoint: "/dev", err: true},
		{mtab: mtabOk, mountPoint: "/dev", want: true},
		{mtab: mtabOk, mountPoint: "/notfound", want: false},
	}
	for _, c := range cases {
		got, err := IsMounted(c.mountPoint, strings.NewReader(c.mtab))
		if c.err {
			if err == nil {
				t.Fatalf("IsMounted(%q) expected an error", c.mountPoint)
			}
			continue
		}
		if err != nil {
			t.Fatalf("IsMounted(%q): %v", c.mountPoint, err)
		}
		if got != c.want {
			t.Fatalf("IsMounted(%q) = %v, want %v", c.mountPoint, got, c.want)
		}
	}
}

func TestMkdirAllOwned(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "a", "b", "c")
	if err := MkdirAllOwned(target, 0o750, -1, -1); err != nil {
		t.Fatalf("MkdirAllOwned: %v", err)
	}
	for _, dir := range []string{
		filepath.Join(base, "a"),
		filepath.Join(base, "a", "b"),
		target,
	} {
		st, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if got := st.Mode().Perm(); got != 0o750 {
			t.Fatalf("mode of %s = %o, want %o", dir, got, 0o750)
		}
	}
	// A second call over an existing tree must not fail.
	if err := MkdirAllOwned(target, 0o700, -1, -1); err != nil {
		t.Fatalf("MkdirAllOwned (existing): %v", err)
	}
	st, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat %s: %v", target, err)
	}
	if got := st.Mode().Perm(); got != 0o750 {
		t.Fatalf("existing directory mode changed to %o", got)
	}
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")

	if err := AtomicWrite(target, func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	}); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	if err := AtomicWrite(target, func(w io.Writer) error {
		_, err := w.Write([]byte("second"))
		return err
	}); err != nil {
		t.Fatalf("AtomicWrite (replace): %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("content = %q, want %q", got, "second")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temporary file %s left behind", e.Name())
		}
	}
}

func TestAtomicWriteFailureKeepsOld(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := AtomicWrite(target, func(io.Writer) error {
		return errors.New("write failed")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "old" {
		t.Fatalf("target was modified: %q", got)
	}
}
