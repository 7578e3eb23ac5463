// Package relay implements the Runtime Relay Pump: after a probe
// module is inserted, it reads TRANSPORT_INFO from the control channel,
// drains per-CPU relayfs ring buffers (or proc-streamed data), merges
// them into timestamp order, and dispatches the control channel's
// lifecycle messages (spec.md §4.6, §5, §6).
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kstapd/kstapd/control"
	"github.com/kstapd/kstapd/internal/introspect"
	"golang.org/x/sync/errgroup"
)

// sessionActive forbids running two Sessions in one process: the
// reference implementation's globals (relay_file, proc_file, params)
// are process-wide, and a second concurrent session would silently
// corrupt the first's state. Grounded on the "one struct owns a shared
// ring resource" shape of a single-instance actuator.
var sessionActive atomic.Bool

// ErrSessionActive is returned by NewSession when a Session is already
// running in this process.
var ErrSessionActive = errors.New("relay: a session is already active in this process")

// Config configures a Session (spec.md §6's CLI surface).
type Config struct {
	OutputPath  string
	TargetCmd   []string
	TargetUID   uint32
	TargetGID   uint32
	DriverPID   int
	PrintOnly   bool
	Quiet       bool
	Verbose     int
	TempDir     string
}

// Session owns one RelayPump run: its per-CPU rings, control channel,
// and shutdown state.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger

	controlChan io.ReadWriter

	mu       sync.Mutex
	rings    []*ring
	out      io.Writer
	outFile  *os.File
	exiting  bool
	merge    bool
	target   *spawnedTarget
	state    string

	transport *control.TransportInfo

	maxBacklog atomic.Uint32
	dropped    atomic.Int32
}

// NewSession creates a Session. Only one may be active per process.
func NewSession(cfg Config, controlChan io.ReadWriter, logger *slog.Logger) (*Session, error) {
	if !sessionActive.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:          uuid.NewString(),
		cfg:         cfg,
		logger:      logger.With("session", "relay"),
		controlChan: controlChan,
		out:         os.Stdout,
		state:       "starting",
	}, nil
}

// Status reports a point-in-time snapshot for the introspection server
// (internal/introspect).
func (s *Session) Status() introspect.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return introspect.Status{
		SessionID:  s.id,
		State:      s.state,
		CPUs:       len(s.rings),
		Dropped:    int(s.dropped.Load()),
		MaxBacklog: s.maxBacklog.Load(),
		OutputPath: s.cfg.OutputPath,
	}
}

// discardLogger is used by helpers that run outside a Session's own
// logger scope (e.g. rollback during a failed openRing before the
// Session exists).
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Run executes the main control-channel dispatch loop until EXIT is
// received or a signal triggers shutdown (spec.md §4.6). It returns the
// exit code the process should use.
func (s *Session) Run() (int, error) {
	defer sessionActive.Store(false)

	s.mu.Lock()
	s.state = "running"
	s.mu.Unlock()

	if len(s.cfg.TargetCmd) > 0 {
		t, err := spawnTarget(s.cfg.TargetCmd, s.cfg.TargetUID, s.cfg.TargetGID)
		if err != nil {
			return 1, fmt.Errorf("spawn target command: %w", err)
		}
		s.mu.Lock()
		s.target = t
		s.mu.Unlock()
	}

	var watchdog *driverWatchdog
	if s.cfg.DriverPID > 0 {
		watchdog = newDriverWatchdog(s.cfg.DriverPID, func() {
			s.logger.Info("driver pid gone, requesting exit", "driver_pid", s.cfg.DriverPID)
			if err := control.WriteMessage(s.controlChan, control.KindExit, (&control.ExitInfo{Closed: 0}).Encode()); err != nil {
				s.logger.Error("failed to send STP_EXIT on driver watchdog", "error", err)
			}
		})
		defer watchdog.Stop()
	}

	for {
		msg, err := control.ReadMessage(s.controlChan)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Warn("control channel closed unexpectedly")
				return 1, nil
			}
			return 1, fmt.Errorf("read control channel: %w", err)
		}

		closed, code, err := s.dispatch(msg)
		if err != nil {
			s.logger.Error("dispatch error", "kind", msg.Kind, "error", err)
		}
		if closed {
			return code, nil
		}
	}
}

// dispatch handles one control-channel message, per spec.md §4.6's
// lifecycle table. closed reports whether the session should terminate
// and with what exit code.
func (s *Session) dispatch(msg *control.Message) (closed bool, code int, err error) {
	switch msg.Kind {
	case control.KindTransportInfo:
		return s.handleTransportInfo(msg.Payload)
	case control.KindRealtimeData:
		if _, err := s.out.Write(msg.Payload); err != nil {
			return false, 0, fmt.Errorf("write realtime data: %w", err)
		}
		return false, 0, nil
	case control.KindOOBData:
		fmt.Fprint(os.Stderr, string(msg.Payload))
		return false, 0, nil
	case control.KindSystem:
		info, err := control.DecodeSystemInfo(msg.Payload)
		if err != nil {
			return false, 0, err
		}
		return false, 0, s.runSystemCommand(info)
	case control.KindStart:
		return s.handleStart(msg.Payload)
	case control.KindExit:
		info, err := control.DecodeExitInfo(msg.Payload)
		if err != nil {
			return true, 1, err
		}
		return true, s.cleanupAndExit(info.Closed != 0), nil
	default:
		s.logger.Warn("ignored control message", "kind", msg.Kind)
		return false, 0, nil
	}
}

func (s *Session) handleTransportInfo(payload []byte) (bool, int, error) {
	info, err := control.DecodeTransportInfo(payload)
	if err != nil {
		return true, 1, err
	}
	s.mu.Lock()
	s.transport = info
	s.merge = info.Merge != 0
	s.mu.Unlock()

	if info.TransportMode == control.TransportRelayfs && !s.cfg.PrintOnly {
		if err := s.openRelay(info); err != nil {
			s.logger.Error("relayfs init failed", "error", err)
			return true, s.cleanupAndExit(false), nil
		}
	} else if s.cfg.OutputPath != "" {
		f, err := os.Create(s.cfg.OutputPath)
		if err != nil {
			s.logger.Error("open output file failed", "error", err)
			return true, s.cleanupAndExit(false), nil
		}
		s.mu.Lock()
		s.outFile = f
		s.out = f
		s.mu.Unlock()
	}

	start := &control.StartInfo{PID: int32(os.Getpid())}
	if err := control.WriteMessage(s.controlChan, control.KindStart, start.Encode()); err != nil {
		return true, 1, fmt.Errorf("send START: %w", err)
	}
	return false, 0, nil
}

func (s *Session) handleStart(payload []byte) (bool, int, error) {
	info, err := control.DecodeStartInfo(payload)
	if err != nil {
		return false, 0, err
	}
	if info.PID < 0 {
		if s.target != nil {
			s.target.kill()
		}
		return true, s.cleanupAndExit(false), nil
	}
	if s.target != nil {
		if err := s.target.arm(); err != nil {
			s.logger.Error("arming target command failed", "error", err)
		}
	}
	return false, 0, nil
}

// cleanupAndExit tears down all session resources in reverse order of
// acquisition, optionally merges per-CPU temp files, and returns a
// process exit code. Guarded implicitly by Run's single dispatch loop
// (spec.md §5's "cleanup is not reentrant" — a second EXIT can never
// arrive because Run returns on the first one).
func (s *Session) cleanupAndExit(alreadyClosed bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exiting {
		return 0
	}
	s.exiting = true
	s.state = "exiting"

	var g errgroup.Group
	for _, r := range s.rings {
		r := r
		g.Go(func() error { return r.close() })
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("ring cleanup error", "error", err)
	}

	if s.merge && len(s.rings) > 0 {
		if err := s.mergeRings(); err != nil {
			s.logger.Error("merge failed", "error", err)
		}
	}
	if s.outFile != nil {
		s.outFile.Close()
	}

	if !alreadyClosed {
		s.logger.Info("session exiting, module not yet self-closed")
	}
	return 0
}

// runSystemCommand executes a SYSTEM control message's shell command as
// (uid, gid), per spec.md §4.6.
func (s *Session) runSystemCommand(info *control.SystemInfo) error {
	return runAs("/bin/sh", []string{"/bin/sh", "-c", info.Cmd}, info.UID, info.GID)
}
