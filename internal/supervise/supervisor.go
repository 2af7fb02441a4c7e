package supervise

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vminit/internal/paths"
	"github.com/tinyrange/vminit/internal/vmspec"
)

// SigPowerOff is delivered to init by the kernel's tiny power button ACPI
// driver when the instance is asked to shut down.
const SigPowerOff = syscall.Signal(38)

// pfKthread is the kernel-thread flag in /proc/<pid>/stat's flags field,
// from include/linux/sched.h.
const pfKthread = 0x00200000

// Supervisor runs the main workload and services and coordinates
// shutdown. Shutdown is triggered by the first of: the main process
// exiting, a power-off signal, or a spot termination notice.
type Supervisor struct {
	main           *Service
	services       []*Service
	readonlyRootFS bool
	gracePeriod    time.Duration

	timeout chan struct{}
	done    chan struct{}

	stopMu  sync.Mutex
	stopped bool
}

// New builds a supervisor from the boot spec, the resolved command line,
// and the resolved environment. The services directory is consulted for
// enabled system services.
func New(spec *vmspec.VmSpec, command []string, env vmspec.NameValues, imds Imds) (*Supervisor, error) {
	main := NewMain(command, spec.WorkingDir, env,
		spec.Security.RunAsUserID, spec.Security.RunAsGroupID)
	services, err := FindEnabledServices(imds, spec.DisableServices)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		main:           main,
		services:       services,
		readonlyRootFS: spec.Security.ReadonlyRootFS,
		gracePeriod:    time.Duration(spec.ShutdownGracePeriod) * time.Second,
		timeout:        make(chan struct{}, 1),
		done:           make(chan struct{}, 1),
	}, nil
}

// Start initializes and spawns every service, optionally remounts the
// root filesystem read-only, then spawns the main workload. A failing
// init aborts unless the service is optional.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, service := range s.services {
		err := service.runInit(ctx)
		if err != nil {
			if !service.Optional {
				return fmt.Errorf("unable to initialize service %s: %w", service.Name, err)
			}
			slog.Info("optional service failed to start",
				slog.String("service", service.Name), slog.String("error", err.Error()))
			continue
		}
		service.runService()
	}

	if s.readonlyRootFS {
		// Every service must be done initializing before the root
		// filesystem goes read-only.
		for _, service := range s.services {
			<-service.initDone
		}
		if err := unix.Mount("", paths.Root, "", unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("unable to remount root filesystem as readonly: %w", err)
		}
	}

	slog.Info("starting main process", slog.String("command", strings.Join(s.main.Args, " ")))
	s.main.runMain()
	return nil
}

// Wait blocks until all children have been reaped or the shutdown grace
// period expires, whichever comes first. On timeout everything left is
// killed outright.
func (s *Supervisor) Wait() {
	go s.waitPowerOff()
	go s.waitMain()
	go s.reapChildren()

	select {
	case <-s.done:
		slog.Info("all processes have exited")
	case <-s.timeout:
		slog.Info("timeout waiting for a graceful shutdown")
		if err := s.signalAll(unix.SIGKILL); err != nil {
			slog.Error("error sending KILL signal", slog.String("error", err.Error()))
		}
	}
}

// waitPowerOff blocks on the power-off signal and triggers shutdown.
func (s *Supervisor) waitPowerOff() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, SigPowerOff)
	<-ch
	slog.Debug("received power-off signal")
	s.Stop()
}

// waitMain blocks until the main process exits, then triggers shutdown.
// ECHILD means the reaper collected the child first, which is still a
// normal exit.
func (s *Supervisor) waitMain() {
	err := <-s.main.exited
	if err != nil && !errors.Is(err, unix.ECHILD) {
		slog.Info("main process exited with error", slog.String("error", err.Error()))
	} else {
		slog.Info("main process exited")
	}
	s.Stop()
}

// reapChildren adopts and reaps every orphan on the system until none
// remain, then signals done. Reaping must not begin before the main
// process has started, or a system with no services would shut down
// before the workload exists.
func (s *Supervisor) reapChildren() {
	<-s.main.started
	slog.Debug("finished waiting for the main process to start")
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, 0, nil)
		if err == unix.ECHILD {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err == nil {
			slog.Debug("reaped process", slog.Int("pid", pid))
		}
	}
	s.done <- struct{}{}
}

// Stop initiates shutdown: every service stops restarting, everything
// alive gets SIGTERM, and the grace period countdown starts. Only the
// first caller does the work; Stop is safe to call from the signal
// waiter, the main waiter, and the spot monitor concurrently.
func (s *Supervisor) Stop() {
	if !s.enterStop() {
		return
	}

	slog.Info("shutting down all processes")
	if err := s.signalAll(unix.SIGTERM); err != nil {
		slog.Error("error sending TERM signal", slog.String("error", err.Error()))
	}

	gracePeriod := s.gracePeriod
	go func() {
		slog.Debug("starting shutdown grace period countdown",
			slog.Duration("grace_period", gracePeriod))
		time.Sleep(gracePeriod)
		s.timeout <- struct{}{}
	}()
}

// enterStop claims the one-shot shutdown transition; only the first
// caller gets true.
func (s *Supervisor) enterStop() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

// signalAll sends the signal to every non-kernel process except init.
// When the full process list cannot be read, the supervisor's own
// children are signalled as a best effort.
func (s *Supervisor) signalAll(sig syscall.Signal) error {
	for _, service := range s.services {
		service.requestStop()
	}
	s.main.requestStop()

	pids, err := listPids()
	if err != nil {
		pids = s.trackedPids()
	}
	for _, pid := range pids {
		err := unix.Kill(pid, sig)
		if err != nil && err != unix.ESRCH {
			return fmt.Errorf("unable to signal pid %d: %w", pid, err)
		}
	}
	return nil
}

// trackedPids returns the pids of the children this supervisor spawned.
func (s *Supervisor) trackedPids() []int {
	var pids []int
	for _, service := range s.services {
		if pid := service.Pid(); pid != 0 {
			pids = append(pids, pid)
		}
	}
	if pid := s.main.Pid(); pid != 0 {
		pids = append(pids, pid)
	}
	return pids
}

// listPids enumerates every non-kernel process on the system except init
// itself.
func listPids() ([]int, error) {
	entries, err := os.ReadDir(paths.Proc)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "1" {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		statPath := filepath.Join(paths.Proc, entry.Name(), "stat")
		f, err := os.Open(statPath)
		if os.IsNotExist(err) {
			continue // Exited between readdir and open.
		}
		if err != nil {
			return nil, err
		}
		kernelThread, err := isKernelThread(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if !kernelThread {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// isKernelThread reads a /proc/<pid>/stat file and checks PF_KTHREAD in
// the flags field (the 9th).
func isKernelThread(r io.Reader) (bool, error) {
	const flagsFieldIndex = 8
	const statFieldCount = 52

	buf, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	fields := strings.Fields(string(buf))
	if len(fields) != statFieldCount {
		return false, fmt.Errorf("wrong number of fields in process stat file")
	}
	flags, err := strconv.ParseUint(fields[flagsFieldIndex], 10, 32)
	if err != nil {
		return false, err
	}
	return flags&pfKthread != 0, nil
}
