// Package supervise runs the main workload and the image's optional
// system services as supervised children, and tears the machine's process
// tree down when the workload exits or a power-off is requested.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tinyrange/vminit/internal/fsx"
	"github.com/tinyrange/vminit/internal/login"
	"github.com/tinyrange/vminit/internal/paths"
	"github.com/tinyrange/vminit/internal/vmspec"
)

const restartDelay = 5 * time.Second

// InitFunc prepares a service's environment before its first start.
type InitFunc func(ctx context.Context) error

// Service is one supervised child: the main workload or a system service.
// Services restart forever until a stop is requested; the main workload
// runs once.
type Service struct {
	Name       string
	Args       []string
	Env        vmspec.NameValues
	Uid        uint32
	Gid        uint32
	WorkingDir string
	Init       InitFunc
	Optional   bool

	initDone chan struct{}
	started  chan struct{}
	exited   chan error

	mu            sync.Mutex
	pid           int
	stopRequested bool
}

func newService(name string) *Service {
	return &Service{
		Name:       name,
		WorkingDir: paths.Root,
		initDone:   make(chan struct{}, 1),
		started:    make(chan struct{}, 1),
		exited:     make(chan error, 1),
	}
}

// NewMain builds the main workload service from the boot spec.
func NewMain(args []string, workingDir string, env vmspec.NameValues, uid, gid uint32) *Service {
	s := newService("main")
	s.Args = args
	s.WorkingDir = workingDir
	s.Env = env
	s.Uid = uid
	s.Gid = gid
	return s
}

func (s *Service) command() *exec.Cmd {
	cmd := exec.Command(s.Args[0], s.Args[1:]...)
	cmd.Dir = s.WorkingDir
	cmd.Env = s.Env.ToStrings()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: s.Uid, Gid: s.Gid},
	}
	return cmd
}

func (s *Service) setPid(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
}

// Pid returns the last spawned process id, zero before the first start.
func (s *Service) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *Service) requestStop() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()
}

func (s *Service) isStopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// runMain spawns the main workload once and reports its exit.
func (s *Service) runMain() {
	go func() {
		cmd := s.command()
		err := cmd.Start()
		s.started <- struct{}{}
		if err != nil {
			s.exited <- err
			return
		}
		s.setPid(cmd.Process.Pid)
		s.exited <- cmd.Wait()
	}()
}

// runService spawns the service in a restart loop. The loop exits only
// when a stop has been requested, checked right after the child exits and
// before the restart delay.
func (s *Service) runService() {
	go func() {
		var startedOnce sync.Once
		for {
			cmd := s.command()
			slog.Debug("starting service",
				slog.String("service", s.Name), slog.String("command", cmd.Path))
			err := cmd.Start()
			if err == nil {
				s.setPid(cmd.Process.Pid)
				startedOnce.Do(func() { s.started <- struct{}{} })
				err = cmd.Wait()
			}
			if s.isStopRequested() {
				s.exited <- err
				return
			}
			slog.Info("service exited, will restart",
				slog.String("service", s.Name), slog.Any("error", err))
			time.Sleep(restartDelay)
		}
	}()
}

// runInit runs the service's init hook, if any, and always signals
// initDone so waiters are released even on failure.
func (s *Service) runInit(ctx context.Context) error {
	var err error
	if s.Init != nil {
		err = s.Init(ctx)
	}
	s.initDone <- struct{}{}
	return err
}

// Imds is the metadata surface the ssh service init needs.
type Imds interface {
	GetMetadata(ctx context.Context, path string) (string, error)
	GetSshKey(ctx context.Context) (string, error)
}

// NewChronyService returns the time daemon service. Its init creates the
// daemon's run directory owned by the chrony user.
func NewChronyService() *Service {
	s := newService("chrony")
	s.Args = []string{filepath.Join(paths.Sbin, "chronyd"), "-d"}
	s.Init = chronyInit
	return s
}

func chronyInit(context.Context) error {
	slog.Info("initializing chrony")
	f, err := os.Open(paths.EtcPasswd)
	if err != nil {
		return err
	}
	defer f.Close()
	entries, err := login.ParsePasswd(f)
	if err != nil {
		return err
	}
	user, ok := login.FindUser(entries, paths.UserChrony)
	if !ok {
		return fmt.Errorf("user %s not found", paths.UserChrony)
	}
	runDir := filepath.Join(paths.Run, "chrony")
	if err := fsx.MkdirAll(runDir, 0o750); err != nil {
		return err
	}
	if err := os.Chown(runDir, int(user.Uid), int(user.Gid)); err != nil {
		return fmt.Errorf("unable to change ownership of %s: %w", runDir, err)
	}
	return nil
}

// NewSshService returns the ssh daemon service. Its init installs the
// instance's public key for the login user and generates missing host
// keys. The service is optional: an image without an SSH login user boots
// without it.
func NewSshService(imds Imds) *Service {
	s := newService("ssh")
	s.Args = []string{
		filepath.Join(paths.Sbin, "sshd"),
		"-D",
		"-f", filepath.Join(paths.Etc, "ssh", "sshd_config"),
		"-e",
	}
	s.Optional = true
	s.Init = func(ctx context.Context) error {
		return sshInit(ctx, imds)
	}
	return s
}

func sshInit(ctx context.Context, imds Imds) error {
	slog.Info("initializing sshd")

	loginUser, err := sshLoginUser()
	if err != nil {
		return err
	}
	f, err := os.Open(paths.EtcPasswd)
	if err != nil {
		return err
	}
	defer f.Close()
	entries, err := login.ParsePasswd(f)
	if err != nil {
		return err
	}
	user, ok := login.FindUser(entries, loginUser)
	if !ok {
		return fmt.Errorf("user %s not found", loginUser)
	}

	if err := login.CreateHomeDir(user.HomeDir, int(user.Uid), int(user.Gid)); err != nil {
		return err
	}
	sshDir := filepath.Join(user.HomeDir, ".ssh")
	if err := sshWritePubKey(ctx, imds, sshDir, int(user.Uid), int(user.Gid)); err != nil {
		return err
	}

	for _, keyType := range []string{"rsa", "ed25519"} {
		keyPath := filepath.Join(paths.Etc, "ssh", "ssh_host_"+keyType+"_key")
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			if err := sshKeygen(keyType, keyPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// sshLoginUser returns the system's login user name: images built with
// ssh enabled have exactly one directory under the home root.
func sshLoginUser() (string, error) {
	entries, err := os.ReadDir(paths.Home)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		return entry.Name(), nil
	}
	return "", fmt.Errorf("login user not found")
}

func sshKeygen(keyType, keyPath string) error {
	keygen := filepath.Join(paths.Bin, "ssh-keygen")
	cmd := exec.Command(keygen, "-t", keyType, "-f", keyPath, "-N", "")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("unable to run ssh-keygen: %w", err)
	}
	return nil
}

func sshWritePubKey(ctx context.Context, imds Imds, dir string, uid, gid int) error {
	pubKey, err := imds.GetSshKey(ctx)
	if err != nil {
		return err
	}
	keyPath := filepath.Join(dir, "authorized_keys")
	f, err := os.OpenFile(keyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", keyPath, err)
	}
	defer f.Close()
	if err := f.Chown(uid, gid); err != nil {
		return fmt.Errorf("unable to change ownership of %s: %w", keyPath, err)
	}
	if _, err := f.WriteString(pubKey); err != nil {
		return fmt.Errorf("unable to write %s: %w", keyPath, err)
	}
	return nil
}

// FindEnabledServices builds a Service per entry of the services
// directory, skipping disabled ones. Unknown entries are logged and
// ignored so an image with a newer layout still boots.
func FindEnabledServices(imds Imds, disabled []string) ([]*Service, error) {
	entries, err := os.ReadDir(paths.Services)
	if err != nil {
		return nil, err
	}
	disabledSet := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		disabledSet[name] = true
	}
	var services []*Service
	for _, entry := range entries {
		name := entry.Name()
		if disabledSet[name] {
			slog.Info("disabling service", slog.String("service", name))
			continue
		}
		switch name {
		case "chrony":
			services = append(services, NewChronyService())
		case "ssh":
			services = append(services, NewSshService(imds))
		default:
			slog.Warn("unknown service", slog.String("service", name))
		}
	}
	return services, nil
}
