package vmspec

import (
	"reflect"
	"testing"

	"github.com/tinyrange/vminit/internal/container"
)

func TestNameValuesFind(t *testing.T) {
	nvs := NameValues{
		{Name: "A", Value: "1"},
		{Name: "B", Value: "2"},
		{Name: "A", Value: "3"},
	}
	nv, ok := nvs.Find("A")
	if !ok || nv.Value != "1" {
		t.Fatalf("Find(A) = %#v, %v; want the first entry", nv, ok)
	}
	if _, ok := nvs.Find("C"); ok {
		t.Fatal("Find(C) unexpectedly succeeded")
	}
}

func TestNameValuesMerge(t *testing.T) {
	a := NameValues{
		{Name: "KEEP", Value: "a"},
		{Name: "OVERRIDE", Value: "a"},
	}
	b := NameValues{
		{Name: "OVERRIDE", Value: "b"},
		{Name: "NEW", Value: "b"},
	}
	got := a.Merge(b)
	want := NameValues{
		{Name: "KEEP", Value: "a"},
		{Name: "OVERRIDE", Value: "b"},
		{Name: "NEW", Value: "b"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge mismatch\n got: %#v\nwant: %#v", got, want)
	}

	// The merge law: (a.Merge(b)).Find(k) == b.Find(k) or else a.Find(k).
	for _, key := range []string{"KEEP", "OVERRIDE", "NEW"} {
		gotNV, _ := got.Find(key)
		wantNV, ok := b.Find(key)
		if !ok {
			wantNV, _ = a.Find(key)
		}
		if gotNV != wantNV {
			t.Fatalf("merge law violated for %s: got %#v, want %#v", key, gotNV, wantNV)
		}
	}
}

func TestEnvStringsRoundTrip(t *testing.T) {
	in := []string{"A=1", "B=", "C=x=y", "BARE"}
	nvs := NameValuesFromStrings(in)
	want := NameValues{
		{Name: "A", Value: "1"},
		{Name: "B", Value: ""},
		{Name: "C", Value: "x=y"},
		{Name: "BARE", Value: ""},
	}
	if !reflect.DeepEqual(nvs, want) {
		t.Fatalf("NameValuesFromStrings mismatch\n got: %#v\nwant: %#v", nvs, want)
	}
	// NAME=VALUE strings round-trip; a bare NAME picks up a trailing "=".
	back := nvs.ToStrings()
	wantBack := []string{"A=1", "B=", "C=x=y", "BARE="}
	if !reflect.DeepEqual(back, wantBack) {
		t.Fatalf("ToStrings mismatch\n got: %#v\nwant: %#v", back, wantBack)
	}
}

func TestSplitUserGroup(t *testing.T) {
	cases := []struct {
		in    string
		user  string
		group string
		err   bool
	}{
		{in: "", err: true},
		{in: "user", user: "user"},
		{in: "user:group", user: "user", group: "group"},
		{in: "user:group:extra", err: true},
		{in: ":group", err: true},
		{in: "user:", err: true},
	}
	for _, c := range cases {
		user, group, err := splitUserGroup(c.in)
		if c.err {
			if err == nil {
				t.Fatalf("splitUserGroup(%q): expected an error", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("splitUserGroup(%q): %v", c.in, err)
		}
		if user != c.user || group != c.group {
			t.Fatalf("splitUserGroup(%q) = (%q, %q), want (%q, %q)",
				c.in, user, group, c.user, c.group)
		}
	}
}

func TestFromConfigFileNumericUser(t *testing.T) {
	// Scenario: empty user data plus an image config carrying an
	// entrypoint and a numeric user.
	configFile := &container.ConfigFile{
		Config: &container.Config{
			Entrypoint: []string{"/app"},
			User:       "1000",
		},
	}
	spec, err := FromConfigFile(configFile)
	if err != nil {
		t.Fatalf("FromConfigFile: %v", err)
	}
	spec.MergeUserData(nil)

	if !reflect.DeepEqual(spec.Command, []string{"/app"}) {
		t.Fatalf("command = %#v", spec.Command)
	}
	if spec.Security.RunAsUserID != 1000 {
		t.Fatalf("run-as user id = %d, want 1000", spec.Security.RunAsUserID)
	}
	if spec.Security.RunAsGroupID != 0 {
		t.Fatalf("run-as group id = %d, want 0", spec.Security.RunAsGroupID)
	}
}

func TestMergeCommandClearsArgs(t *testing.T) {
	spec := New()
	spec.Command = []string{"/old"}
	spec.Args = []string{"old-arg"}

	command := []string{"/new"}
	spec.MergeUserData(&UserData{Command: &command})

	if !reflect.DeepEqual(spec.Command, []string{"/new"}) {
		t.Fatalf("command = %#v", spec.Command)
	}
	if len(spec.Args) != 0 {
		t.Fatalf("args = %#v, want empty", spec.Args)
	}
}

func TestMergeCommandKeepsExplicitArgs(t *testing.T) {
	spec := New()
	spec.Command = []string{"/old"}
	spec.Args = []string{"old-arg"}

	command := []string{"/new"}
	args := []string{"new-arg"}
	spec.MergeUserData(&UserData{Command: &command, Args: &args})

	if !reflect.DeepEqual(spec.Args, []string{"new-arg"}) {
		t.Fatalf("args = %#v", spec.Args)
	}
}

func TestMergeEnvOrdering(t *testing.T) {
	spec := New()
	spec.Env = NameValues{
		{Name: "FROM_IMAGE", Value: "1"},
		{Name: "SHARED", Value: "image"},
	}
	spec.MergeUserData(&UserData{
		Env: NameValues{
			{Name: "SHARED", Value: "user"},
			{Name: "FROM_USER", Value: "1"},
		},
	})
	want := NameValues{
		{Name: "FROM_IMAGE", Value: "1"},
		{Name: "SHARED", Value: "user"},
		{Name: "FROM_USER", Value: "1"},
	}
	if !reflect.DeepEqual(spec.Env, want) {
		t.Fatalf("env mismatch\n got: %#v\nwant: %#v", spec.Env, want)
	}
}

func TestMergeScalarsAndSecurity(t *testing.T) {
	spec := New()
	if spec.ShutdownGracePeriod != 10 {
		t.Fatalf("default grace period = %d", spec.ShutdownGracePeriod)
	}

	replaceInit := true
	grace := uint64(30)
	workingDir := "/srv"
	readonly := true
	gid := uint32(500)
	spec.MergeUserData(&UserData{
		ReplaceInit:         &replaceInit,
		ShutdownGracePeriod: &grace,
		WorkingDir:          &workingDir,
		Security: &SecurityPatch{
			ReadonlyRootFS: &readonly,
			RunAsGroupID:   &gid,
		},
	})
	if !spec.ReplaceInit || spec.ShutdownGracePeriod != 30 || spec.WorkingDir != "/srv" {
		t.Fatalf("scalar merge failed: %#v", spec)
	}
	if !spec.Security.ReadonlyRootFS || spec.Security.RunAsGroupID != 500 {
		t.Fatalf("security merge failed: %#v", spec.Security)
	}
	if spec.Security.RunAsUserID != 0 {
		t.Fatalf("untouched security field changed: %#v", spec.Security)
	}
}

func TestMergeFillsMountDefaults(t *testing.T) {
	spec := New()
	spec.Security.RunAsUserID = 1000
	spec.Security.RunAsGroupID = 2000
	spec.MergeUserData(&UserData{
		Volumes: []Volume{
			{S3: &S3VolumeSource{
				Bucket:    "bucket",
				KeyPrefix: "prefix/",
				Mount:     Mount{Destination: "/data"},
			}},
			{Ebs: &EbsVolumeSource{
				Device: "/dev/sdf",
				FsType: "ext4",
				Mount:  Mount{Destination: "/vol"},
			}},
		},
	})
	for i, v := range spec.Volumes {
		mount := v.mount()
		if mount.UserID == nil || *mount.UserID != 1000 {
			t.Fatalf("volume %d user id not defaulted: %#v", i, mount)
		}
		if mount.GroupID == nil || *mount.GroupID != 2000 {
			t.Fatalf("volume %d group id not defaulted: %#v", i, mount)
		}
		if mount.Mode != "0755" {
			t.Fatalf("volume %d mode not defaulted: %#v", i, mount)
		}
	}
}

func TestParseUserData(t *testing.T) {
	userData, err := ParseUserData("")
	if err != nil || userData != nil {
		t.Fatalf("empty user data = %#v, %v", userData, err)
	}

	userData, err = ParseUserData(`
command: ["/srv/app"]
debug: true
shutdown-grace-period: 20
env:
  - name: MODE
    value: production
volumes:
  - ebs:
      device: /dev/sdf
      fs-type: ext4
      mount:
        destination: /data
        mode: "0700"
env-from:
  - ssm:
      path: /app/config
      optional: true
security:
  run-as-user-id: 1000
`)
	if err != nil {
		t.Fatalf("ParseUserData: %v", err)
	}
	if userData.Command == nil || (*userData.Command)[0] != "/srv/app" {
		t.Fatalf("command = %#v", userData.Command)
	}
	if userData.Debug == nil || !*userData.Debug {
		t.Fatal("debug not parsed")
	}
	if userData.ShutdownGracePeriod == nil || *userData.ShutdownGracePeriod != 20 {
		t.Fatal("shutdown-grace-period not parsed")
	}
	if len(userData.Volumes) != 1 || userData.Volumes[0].Ebs == nil {
		t.Fatalf("volumes = %#v", userData.Volumes)
	}
	if userData.Volumes[0].Ebs.Mount.Mode != "0700" {
		t.Fatalf("mount mode = %q", userData.Volumes[0].Ebs.Mount.Mode)
	}
	if len(userData.EnvFrom) != 1 || userData.EnvFrom[0].Ssm == nil || !userData.EnvFrom[0].Ssm.Optional {
		t.Fatalf("env-from = %#v", userData.EnvFrom)
	}
	if userData.Security == nil || userData.Security.RunAsUserID == nil || *userData.Security.RunAsUserID != 1000 {
		t.Fatalf("security = %#v", userData.Security)
	}

	if _, err := ParseUserData("{not yaml"); err == nil {
		t.Fatal("malformed user data should be an error")
	}
}

func TestFullCommandFallsBackToShell(t *testing.T) {
	spec := New()
	argv, err := spec.FullCommand(NameValues{{Name: "PATH", Value: "/bin"}})
	if err != nil {
		t.Fatalf("FullCommand: %v", err)
	}
	if len(argv) != 1 || argv[0] != "/.vminit/bin/sh" {
		t.Fatalf("argv = %#v", argv)
	}
}

func TestFullCommandExpandsVariables(t *testing.T) {
	spec := New()
	spec.Command = []string{"/srv/app"}
	spec.Args = []string{"--listen", "$(HOST):$(PORT)", "$$literal"}
	env := NameValues{
		{Name: "HOST", Value: "0.0.0.0"},
		{Name: "PORT", Value: "8080"},
		{Name: "PATH", Value: "/bin"},
	}
	argv, err := spec.FullCommand(env)
	if err != nil {
		t.Fatalf("FullCommand: %v", err)
	}
	want := []string{"/srv/app", "--listen", "0.0.0.0:8080", "$literal"}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv mismatch\n got: %#v\nwant: %#v", argv, want)
	}
}
