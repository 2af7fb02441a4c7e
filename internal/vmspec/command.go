package vmspec

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tinyrange/vminit/internal/expand"
	"github.com/tinyrange/vminit/internal/paths"
)

// FullCommand returns the workload argv: command followed by args, with
// argv[0] resolved against PATH when it is not absolute and every element
// expanded with $(VAR) references against the resolved environment. An
// empty command and args falls back to the image's shell.
func (s *VmSpec) FullCommand(env NameValues) ([]string, error) {
	if len(s.Command)+len(s.Args) == 0 {
		return []string{filepath.Join(paths.Bin, "sh")}, nil
	}

	argv := make([]string, 0, len(s.Command)+len(s.Args))
	argv = append(argv, s.Command...)
	argv = append(argv, s.Args...)

	if !strings.HasPrefix(argv[0], "/") {
		pathVar, ok := env.Find("PATH")
		if !ok {
			return nil, fmt.Errorf("PATH is not set")
		}
		exe, ok := FindExecutableInPath(argv[0], pathVar.Value)
		if !ok {
			return nil, fmt.Errorf("unable to find executable in PATH: %s", argv[0])
		}
		argv[0] = exe
	}

	mapping := expand.MappingFuncFor(env.ToMap())
	expanded := make([]string, 0, len(argv))
	for _, arg := range argv {
		expanded = append(expanded, expand.Expand(arg, mapping))
	}
	return expanded, nil
}

// FindExecutableInPath searches the PATH directories for an executable
// file with the given name.
func FindExecutableInPath(executable, pathVar string) (string, bool) {
	for _, dir := range strings.Split(pathVar, ":") {
		try := filepath.Join(paths.Root, dir, executable)
		st, err := os.Stat(try)
		if err == nil && st.Mode()&0o111 != 0 && !st.IsDir() {
			return try, true
		}
	}
	return "", false
}

// RunInitScripts writes each init script to the run directory, executes it
// with the resolved environment, and removes it. Scripts run in order; a
// failing script aborts the boot.
func (s *VmSpec) RunInitScripts(env NameValues) error {
	for i, script := range s.InitScripts {
		scriptPath := filepath.Join(paths.Run, fmt.Sprintf("init-%d", i))
		slog.Info("running init script", slog.String("path", scriptPath))
		if err := runInitScript(scriptPath, []byte(script), env); err != nil {
			return err
		}
	}
	return nil
}

func runInitScript(scriptPath string, contents []byte, env NameValues) error {
	if err := os.WriteFile(scriptPath, contents, 0o755); err != nil {
		return fmt.Errorf("unable to write init script to %s: %w", scriptPath, err)
	}
	cmd := exec.Command(scriptPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = env.ToStrings()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("unable to run init script %s: %w", scriptPath, err)
	}
	if err := os.Remove(scriptPath); err != nil {
		return fmt.Errorf("failed to remove init script %s: %w", scriptPath, err)
	}
	return nil
}

// SetSysctls writes every declared sysctl to its file under /proc/sys.
func (s *VmSpec) SetSysctls(baseDir string) error {
	for _, nv := range s.Sysctls {
		slog.Debug("setting sysctl", slog.String("name", nv.Name), slog.String("value", nv.Value))
		if err := Sysctl(baseDir, nv.Name, nv.Value); err != nil {
			return err
		}
	}
	return nil
}

// Sysctl writes a value to the /proc/sys file for a dotted key, e.g.
// "net.ipv4.tcp_syncookies" maps to /proc/sys/net/ipv4/tcp_syncookies.
func Sysctl(baseDir, key, value string) error {
	parts := append([]string{baseDir, paths.Proc, "sys"}, strings.Split(key, ".")...)
	p := filepath.Join(parts...)
	if err := os.WriteFile(p, []byte(value), 0o644); err != nil {
		return fmt.Errorf("unable to write %s to %s: %w", value, p, err)
	}
	return nil
}
