package relay

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// spawnedTarget is a target command (-c) forked before tracing starts.
// The reference implementation blocks SIGUSR1 in the forked child and
// has it sigwait on that signal before exec'ing the real command, so
// the process under trace never runs a single instruction before the
// probes are armed. Go cannot safely execute arbitrary code in the
// narrow window between fork() and exec() in the child (the runtime is
// not fork-safe there), so this reimplementation gets the same
// guarantee a different way: the child is started normally via
// ForkExec and immediately paused with SIGSTOP before it can make
// meaningful progress; arm() resumes it with SIGCONT once transport
// initialization has completed and STP_START has round-tripped.
type spawnedTarget struct {
	pid int
}

// spawnTarget forks and execs argv[0] with argv as its arguments,
// running as (uid, gid), and immediately stops it.
func spawnTarget(argv []string, uid, gid uint32) (*spawnedTarget, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("spawn target: empty command")
	}
	pid, err := forkExecAs(argv[0], argv, uid, gid)
	if err != nil {
		return nil, fmt.Errorf("spawn target: %w", err)
	}
	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		unix.Kill(pid, unix.SIGKILL)
		return nil, fmt.Errorf("pause target pid %d: %w", pid, err)
	}
	return &spawnedTarget{pid: pid}, nil
}

// arm releases a paused target so it begins executing, once tracing is
// ready (spec.md §4.6's "SIGUSR1 it to begin executing its command").
func (t *spawnedTarget) arm() error {
	return unix.Kill(t.pid, unix.SIGCONT)
}

// kill terminates a target that never successfully armed, e.g. because
// transport initialization failed.
func (t *spawnedTarget) kill() {
	unix.Kill(t.pid, unix.SIGKILL)
}

// runAs forks, sets the requested uid/gid, and execs argv[0], waiting
// for it to complete. Used for SYSTEM{cmd} control messages (spec.md
// §4.6: "fork/setuid/exec /bin/sh -c <cmd> as (cmd_uid, cmd_gid)").
func runAs(path string, argv []string, uid, gid uint32) error {
	pid, err := forkExecAs(path, argv, uid, gid)
	if err != nil {
		return err
	}
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait for system command: %w", err)
		}
		break
	}
	if ws.ExitStatus() != 0 {
		return fmt.Errorf("system command exited with status %d", ws.ExitStatus())
	}
	return nil
}

// forkExecAs wraps unix.ForkExec, running the child as (uid, gid) via
// its Credential.
func forkExecAs(path string, argv []string, uid, gid uint32) (int, error) {
	attr := &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: []uintptr{0, 1, 2},
		Sys: &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uid, Gid: gid},
		},
	}
	return syscall.ForkExec(path, argv, attr)
}

// driverWatchdog rearms a 10-second timer (time.AfterFunc) that checks
// driver_pid's liveness (spec.md §4.6). onGone is called once driver_pid is found to
// have exited.
const driverWatchdogInterval = 10 * time.Second

type driverWatchdog struct {
	pid      int
	interval time.Duration
	onGone   func()
	stop     chan struct{}
}

func newDriverWatchdog(pid int, onGone func()) *driverWatchdog {
	return newDriverWatchdogInterval(pid, driverWatchdogInterval, onGone)
}

// newDriverWatchdogInterval is the interval-parameterized constructor,
// used by tests to avoid a real 10-second wait.
func newDriverWatchdogInterval(pid int, interval time.Duration, onGone func()) *driverWatchdog {
	w := &driverWatchdog{pid: pid, interval: interval, onGone: onGone, stop: make(chan struct{})}
	w.rearm()
	return w
}

func (w *driverWatchdog) rearm() {
	time.AfterFunc(w.interval, w.check)
}

func (w *driverWatchdog) check() {
	select {
	case <-w.stop:
		return
	default:
	}
	if err := unix.Kill(w.pid, 0); err != nil {
		w.onGone()
		return
	}
	w.rearm()
}

func (w *driverWatchdog) Stop() {
	close(w.stop)
}
