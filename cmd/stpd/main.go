// stpd is the Runtime Relay Pump daemon: it reads a probe module's
// control channel on stdin/stdout, drains per-CPU relayfs rings, merges
// them into timestamp order, and exposes a small status socket for
// stapctl (spec.md §4.6, §5, §6).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kstapd/kstapd/internal/introspect"
	"github.com/kstapd/kstapd/internal/logging"
	"github.com/kstapd/kstapd/relay"
)

// stdioChannel pairs stdin/stdout as the control channel's duplex fd, the
// way the driver process feeds this process in the absence of a
// dedicated control-channel pipe pair.
type stdioChannel struct {
	r io.Reader
	w io.Writer
}

func (c stdioChannel) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c stdioChannel) Write(p []byte) (int, error) { return c.w.Write(p) }

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -o <path>       Write merged/realtime output to <path> instead of stdout\n")
	fmt.Fprintf(os.Stderr, "  -c <cmd...>     Spawn and gate a target command (terminates the flag list)\n")
	fmt.Fprintf(os.Stderr, "  -t <uid:gid>    Target uid:gid override for -c, as \"uid:gid\"\n")
	fmt.Fprintf(os.Stderr, "  -d <pid>        Watch driver_pid; exit if it disappears\n")
	fmt.Fprintf(os.Stderr, "  -P              Print-only: never open relayfs, just relay realtime data\n")
	fmt.Fprintf(os.Stderr, "  -q              Quiet\n")
	fmt.Fprintf(os.Stderr, "  -v              Increase verbosity (repeatable)\n")
	fmt.Fprintf(os.Stderr, "  -status <path>  Unix socket for stapctl introspection\n")
	os.Exit(1)
}

func parseArgs(args []string) (relay.Config, string, error) {
	cfg := relay.Config{}
	statusSocket := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-o":
			if i+1 >= len(args) {
				return cfg, "", fmt.Errorf("-o requires a path")
			}
			i++
			cfg.OutputPath = args[i]
		case "-c":
			cfg.TargetCmd = args[i+1:]
			i = len(args)
		case "-t":
			if i+1 >= len(args) {
				return cfg, "", fmt.Errorf("-t requires uid:gid")
			}
			i++
			uid, gid, err := parseUIDGID(args[i])
			if err != nil {
				return cfg, "", err
			}
			cfg.TargetUID, cfg.TargetGID = uid, gid
		case "-d":
			if i+1 >= len(args) {
				return cfg, "", fmt.Errorf("-d requires a pid")
			}
			i++
			pid, err := strconv.Atoi(args[i])
			if err != nil {
				return cfg, "", fmt.Errorf("invalid driver pid %q: %w", args[i], err)
			}
			cfg.DriverPID = pid
		case "-P":
			cfg.PrintOnly = true
		case "-q":
			cfg.Quiet = true
		case "-v":
			cfg.Verbose++
		case "-status":
			if i+1 >= len(args) {
				return cfg, "", fmt.Errorf("-status requires a path")
			}
			i++
			statusSocket = args[i]
		case "-h", "--help":
			usage()
		default:
			return cfg, "", fmt.Errorf("unknown flag %q", args[i])
		}
	}
	return cfg, statusSocket, nil
}

func parseUIDGID(s string) (uint32, uint32, error) {
	var uid, gid uint64
	n, err := fmt.Sscanf(s, "%d:%d", &uid, &gid)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("expected uid:gid, got %q", s)
	}
	return uint32(uid), uint32(gid), nil
}

func run() error {
	cfg, statusSocket, err := parseArgs(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		EnvSpec: os.Getenv("KSTAP_LOG"),
		Format:  logging.FormatText,
		Output:  os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	session, err := relay.NewSession(cfg, stdioChannel{r: os.Stdin, w: os.Stdout}, logger)
	if err != nil {
		return fmt.Errorf("create relay session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if statusSocket != "" {
		srv := introspect.New(statusSocket, logger)
		srv.SetProvider(session)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Error("introspection server failed", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	code, err := session.Run()
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
