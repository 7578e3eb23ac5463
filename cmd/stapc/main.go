// stapc is the Probe Resolution & Code-Emission Engine's command-line
// front end: it reads a probe manifest (internal/manifest — the
// scripting-language parser itself is out of scope), resolves each
// probe's specifier against DWARF debug info, rewrites its body, and
// emits the generated C translation unit plus a resolution report.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kstapd/kstapd/internal/compile"
	"github.com/kstapd/kstapd/internal/logging"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <COMMAND>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  compile  Resolve a probe manifest and emit C\n")
	fmt.Fprintf(os.Stderr, "  help     Print this message\n")
	os.Exit(1)
}

func cmdCompile(args []string) error {
	var (
		manifestPath  = ""
		kernelRelease = ""
		userBinary    = ""
		debuginfoPath = ""
		outputDir     = "."
		cachePath     = ""
		arch          = "amd64"
		guruMode      = false
		verbosity     = 0
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--manifest":
			if i+1 < len(args) {
				manifestPath = args[i+1]
				i++
			}
		case "--kernel-release":
			if i+1 < len(args) {
				kernelRelease = args[i+1]
				i++
			}
		case "--user":
			if i+1 < len(args) {
				userBinary = args[i+1]
				i++
			}
		case "--debuginfo-path":
			if i+1 < len(args) {
				debuginfoPath = args[i+1]
				i++
			}
		case "--output":
			if i+1 < len(args) {
				outputDir = args[i+1]
				i++
			}
		case "--cache":
			if i+1 < len(args) {
				cachePath = args[i+1]
				i++
			}
		case "--arch":
			if i+1 < len(args) {
				arch = args[i+1]
				i++
			}
		case "--guru":
			guruMode = true
		case "-v", "--verbose":
			verbosity++
		}
	}

	if manifestPath == "" {
		return fmt.Errorf("--manifest is required")
	}

	logger, err := logging.New(logging.Options{
		EnvSpec: os.Getenv("KSTAP_LOG"),
		Format:  logging.FormatText,
		Output:  os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	manifestData, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	req := compile.Request{
		ManifestData:  manifestData,
		KernelRelease: kernelRelease,
		UserBinary:    userBinary,
		DebuginfoPath: debuginfoPath,
		CachePath:     cachePath,
		Arch:          arch,
		GuruMode:      guruMode,
		Verbosity:     verbosity,
	}

	result, err := compile.Run(context.Background(), req, logger)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	cPath := filepath.Join(outputDir, "probes.c")
	if err := os.WriteFile(cPath, result.GeneratedC, 0644); err != nil {
		return fmt.Errorf("write generated C: %w", err)
	}

	reportPath := filepath.Join(outputDir, "resolution-report.txt")
	if err := os.WriteFile(reportPath, []byte(result.Report), 0644); err != nil {
		return fmt.Errorf("write resolution report: %w", err)
	}

	logger.Info("compile complete",
		slog.String("output", cPath),
		slog.Int("sites", result.SiteCount),
		slog.Int("variants", result.VariantCount),
	)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "compile":
		err = cmdCompile(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
