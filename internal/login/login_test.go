package login

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParsePasswd(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		want     []PasswdEntry
		err      bool
	}{
		{
			name:     "empty",
			contents: "",
			want:     nil,
		},
		{
			name:     "single user",
			contents: "builder:x:1234:1234:builder:/home/builder:/bin/bash",
			want: []PasswdEntry{{
				UserName: "builder",
				Password: "x",
				Uid:      1234,
				Gid:      1234,
				Comment:  "builder",
				HomeDir:  "/home/builder",
				Shell:    "/bin/bash",
			}},
		},
		{
			name: "multiple users",
			contents: "root:x:0:0:root:/root:/bin/sh\n" +
				"builder:x:1234:1234:builder:/home/builder:/bin/bash",
			want: []PasswdEntry{
				{
					UserName: "root",
					Password: "x",
					Uid:      0,
					Gid:      0,
					Comment:  "root",
					HomeDir:  "/root",
					Shell:    "/bin/sh",
				},
				{
					UserName: "builder",
					Password: "x",
					Uid:      1234,
					Gid:      1234,
					Comment:  "builder",
					HomeDir:  "/home/builder",
					Shell:    "/bin/bash",
				},
			},
		},
		{
			name:     "bad uid",
			contents: "root:x:bad_uid:0:root:/root:/bin/sh",
			err:      true,
		},
		{
			name:     "bad gid",
			contents: "builder:x:1234:bad_gid:builder:/home/builder:/bin/bash",
			err:      true,
		},
		{
			name:     "wrong field count",
			contents: "root:x:0:0:/root:/bin/sh",
			err:      true,
		},
	}
	for _, c := range cases {
		got, err := ParsePasswd(strings.NewReader(c.contents))
		if c.err {
			if err == nil {
				t.Fatalf("%s: expected an error", c.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("%s: mismatch\n got: %#v\nwant: %#v", c.name, got, c.want)
		}
	}
}

func TestFindUser(t *testing.T) {
	entries := []PasswdEntry{
		{UserName: "root", Uid: 0, Gid: 0},
		{UserName: "builder", Uid: 1234, Gid: 1234},
	}
	e, ok := FindUser(entries, "builder")
	if !ok || e.Uid != 1234 {
		t.Fatalf("FindUser(builder) = %#v, %v", e, ok)
	}
	if _, ok := FindUser(entries, "missing"); ok {
		t.Fatal("FindUser(missing) unexpectedly succeeded")
	}
}

func TestCreateHomeDir(t *testing.T) {
	base := t.TempDir()
	home := filepath.Join(base, "home", "builder")
	if err := CreateHomeDir(home, -1, -1); err != nil {
		t.Fatalf("CreateHomeDir: %v", err)
	}
	for dir, mode := range map[string]os.FileMode{
		filepath.Join(base, "home"): 0o755,
		home:                        0o700,
		filepath.Join(home, ".ssh"): 0o700,
	} {
		st, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if st.Mode().Perm() != mode {
			t.Fatalf("mode of %s = %o, want %o", dir, st.Mode().Perm(), mode)
		}
	}
	// A second call over the existing tree succeeds.
	if err := CreateHomeDir(home, -1, -1); err != nil {
		t.Fatalf("CreateHomeDir (existing): %v", err)
	}
}

const passwdDb = "root:x:0:0:root:/root:/bin/sh\n" +
	"builder:x:1234:1234:builder:/home/builder:/bin/bash\n"

const groupDb = "root:x:0:\n" +
	"wheel:x:10:builder\n"

func TestUserGroupID(t *testing.T) {
	cases := []struct {
		db   string
		name string
		want uint32
		err  bool
	}{
		{db: passwdDb, name: "root", want: 0},
		{db: passwdDb, name: "builder", want: 1234},
		{db: passwdDb, name: "1000", want: 1000},
		{db: groupDb, name: "wheel", want: 10},
		{db: passwdDb, name: "missing", err: true},
	}
	for _, c := range cases {
		got, err := UserGroupID(strings.NewReader(c.db), c.name)
		if c.err {
			if err == nil {
				t.Fatalf("UserGroupID(%q): expected an error", c.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("UserGroupID(%q): %v", c.name, err)
		}
		if got != c.want {
			t.Fatalf("UserGroupID(%q) = %d, want %d", c.name, got, c.want)
		}
	}
}
