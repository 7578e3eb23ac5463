// Package dwarfctx provides name- and address-oriented views over DWARF
// debug information for the kernel image, its loadable modules, and (for
// the user-process case) a target binary.
//
// A Session owns the debug-info handles it opens; it never stores a raw
// DIE pointer across a module switch (spec.md §9's design note). Instead,
// callers focus a Cursor on one module at a time and iterate through it;
// the Cursor is the short-lived, explicitly-scoped analogue of the
// original implementation's "current module/CU/function" globals.
package dwarfctx

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Kind selects which program's debug information a Session opens.
type Kind string

// NewKind normalises a scope-kind string to lowercase, following the same
// normalizing-value-type pattern as the teacher's kernel.ProgramType.
func NewKind(s string) Kind { return Kind(strings.ToLower(s)) }

const (
	KindKernel      Kind = "kernel"
	KindUserProcess Kind = "userprocess"
)

func (k Kind) String() string { return string(k) }

// DefaultDebuginfoPath is the search path used when none is supplied:
// current directory, a sibling .debug directory, then the system
// debuginfo root, per spec.md §6.
const DefaultDebuginfoPath = "-:.debug:/usr/lib/debug"

// OpenError wraps a failure to create a debug-info handle.
type OpenError struct {
	Kind Kind
	Err  error
}

func (e *OpenError) Error() string { return fmt.Sprintf("open debuginfo for %s: %v", e.Kind, e.Err) }
func (e *OpenError) Unwrap() error { return e.Err }

// MissingDebuginfo indicates a module's debug information could not be
// loaded when it was required.
type MissingDebuginfo struct {
	Module string
	Err    error
}

func (e *MissingDebuginfo) Error() string {
	return fmt.Sprintf("missing debuginfo for module %q: %v", e.Module, e.Err)
}
func (e *MissingDebuginfo) Unwrap() error { return e.Err }

// AmbiguousLine indicates a srcfile:line pattern matched more than one
// instruction address when a unique address was required. Suggestion, when
// non-empty, names a nearby line with a single matching address.
type AmbiguousLine struct {
	File       string
	Line       int
	Addresses  []uint64
	Suggestion string // e.g. "try line 101"
}

func (e *AmbiguousLine) Error() string {
	msg := fmt.Sprintf("%s:%d matches %d addresses", e.File, e.Line, len(e.Addresses))
	if e.Suggestion != "" {
		msg += "; " + e.Suggestion
	}
	return msg
}

// Module describes one debug-info carrying object: the kernel image
// itself, or one loaded kernel module.
type Module struct {
	Name string
	Base uint64 // load base; 0 for the kernel image itself

	path string
	elf  *elf.File
	dw   *dwarf.Data

	// initRanges are [lo,hi) address ranges belonging to ELF sections
	// whose name begins with ".init." — used by ProbeQuery's
	// init-section filter (spec.md §4.3 step 4).
	initRanges [][2]uint64

	buildID string
}

// BuildID returns a stable identifier for this module's debug info,
// suitable as a cache key (sitecache keys on it). Derived from the ELF
// NT_GNU_BUILD_ID note when present, otherwise the file path, size and
// modification time.
func (m *Module) BuildID() string { return m.buildID }

// IterResult is returned from iteration callbacks to control traversal.
type IterResult int

const (
	Continue IterResult = iota
	Abort
)

// Session opens and caches debug-info handles. It owns every Module it has
// loaded; Cursor values borrow from it but never outlive it.
type Session struct {
	kind          Kind
	debuginfoPath string
	logger        *slog.Logger

	// kernelRelease, when Kind==KindKernel, names the running kernel
	// (uname -r equivalent); used to locate vmlinux and module debuginfo
	// under the search path.
	kernelRelease string

	// userBinary is the target executable path when Kind==KindUserProcess.
	userBinary string

	modules map[string]*Module // name -> loaded module, lazily populated
	order   []string           // discovery order, for IterateModules
}

// Option configures Open.
type Option func(*Session)

// WithDebuginfoPath overrides DefaultDebuginfoPath.
func WithDebuginfoPath(path string) Option {
	return func(s *Session) { s.debuginfoPath = path }
}

// WithLogger attaches a logger; defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithKernelRelease sets the kernel release string used to resolve vmlinux
// and module debuginfo paths. Only meaningful for KindKernel.
func WithKernelRelease(release string) Option {
	return func(s *Session) { s.kernelRelease = release }
}

// WithUserBinary sets the target executable. Only meaningful for
// KindUserProcess.
func WithUserBinary(path string) Option {
	return func(s *Session) { s.userBinary = path }
}

// Open initialises a debug-info session for kind, using a fixed search
// path, and reports the kernel or user objects it discovered. It fails
// with OpenError if no handle could be created at all (e.g. vmlinux is
// nowhere on the search path).
func Open(kind Kind, opts ...Option) (*Session, error) {
	s := &Session{
		kind:          kind,
		debuginfoPath: DefaultDebuginfoPath,
		logger:        slog.Default(),
		modules:       make(map[string]*Module),
	}
	for _, opt := range opts {
		opt(s)
	}

	switch kind {
	case KindKernel:
		vmlinux, err := s.findVmlinux()
		if err != nil {
			return nil, &OpenError{Kind: kind, Err: err}
		}
		mod, err := loadModule("kernel", 0, vmlinux)
		if err != nil {
			return nil, &OpenError{Kind: kind, Err: err}
		}
		s.modules["kernel"] = mod
		s.order = append(s.order, "kernel")
	case KindUserProcess:
		if s.userBinary == "" {
			return nil, &OpenError{Kind: kind, Err: fmt.Errorf("no target binary configured")}
		}
		mod, err := loadModule(filepath.Base(s.userBinary), 0, s.userBinary)
		if err != nil {
			return nil, &OpenError{Kind: kind, Err: err}
		}
		s.modules[mod.Name] = mod
		s.order = append(s.order, mod.Name)
	default:
		return nil, &OpenError{Kind: kind, Err: fmt.Errorf("unknown scope kind %q", kind)}
	}

	return s, nil
}

// searchPathDirs splits DefaultDebuginfoPath-style specs on ':', treating a
// bare "-" as "search the object's own directory" (a no-op placeholder we
// keep for parity with the spec's documented search path).
func (s *Session) searchPathDirs() []string {
	var dirs []string
	for _, part := range strings.Split(s.debuginfoPath, ":") {
		if part == "" || part == "-" {
			continue
		}
		dirs = append(dirs, part)
	}
	return dirs
}

func (s *Session) findVmlinux() (string, error) {
	release := s.kernelRelease
	candidates := []string{
		filepath.Join("/usr/lib/debug/lib/modules", release, "vmlinux"),
		filepath.Join("/usr/lib/debug/boot", "vmlinux-"+release),
		filepath.Join("/boot", "vmlinux-"+release),
	}
	for _, dir := range s.searchPathDirs() {
		candidates = append(candidates,
			filepath.Join(dir, "lib/modules", release, "vmlinux"),
			filepath.Join(dir, "boot", "vmlinux-"+release),
		)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("vmlinux for release %q not found on search path %q", release, s.debuginfoPath)
}

func loadModule(name string, base uint64, path string) (*Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	dw, err := f.DWARF()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("load dwarf from %s: %w", path, err)
	}

	m := &Module{Name: name, Base: base, path: path, elf: f, dw: dw}
	m.buildID = buildIDOf(f, path)
	m.initRanges = initSectionRanges(f)
	return m, nil
}

func buildIDOf(f *elf.File, path string) string {
	if sec := f.Section(".note.gnu.build-id"); sec != nil {
		if data, err := sec.Data(); err == nil && len(data) > 16 {
			// NT_GNU_BUILD_ID note: namesz,descsz,type,name,desc.
			// The build-id bytes start after the 12-byte header
			// plus the padded name ("GNU\x00", 4 bytes).
			return fmt.Sprintf("%x", data[16:])
		}
	}
	if fi, err := os.Stat(path); err == nil {
		return fmt.Sprintf("%s:%d:%d", path, fi.Size(), fi.ModTime().UnixNano())
	}
	return path
}

func initSectionRanges(f *elf.File) [][2]uint64 {
	var ranges [][2]uint64
	for _, sec := range f.Sections {
		if strings.HasPrefix(sec.Name, ".init.") && sec.Addr != 0 {
			ranges = append(ranges, [2]uint64{sec.Addr, sec.Addr + sec.Size})
		}
	}
	return ranges
}

// IterateModules visits every known module, passing name and base.
func (s *Session) IterateModules(cb func(name string, base uint64) IterResult) {
	for _, name := range s.order {
		m := s.modules[name]
		if cb(m.Name, m.Base) == Abort {
			return
		}
	}
}

// LoadModule registers an additional module (a loaded kernel module found
// via /proc/modules, say) at the given load base, opening its ELF file and
// debug info immediately.
func (s *Session) LoadModule(name, path string, base uint64) error {
	if _, ok := s.modules[name]; ok {
		return nil
	}
	mod, err := loadModule(name, base, path)
	if err != nil {
		return &MissingDebuginfo{Module: name, Err: err}
	}
	s.modules[name] = mod
	s.order = append(s.order, name)
	return nil
}

// InInitSection reports whether addr (a global address) falls inside any
// ELF section of m whose name begins with ".init." — spec.md §4.3 step 4.
func (m *Module) InInitSection(globalAddr uint64) bool {
	local := globalAddr - m.Base
	for _, r := range m.initRanges {
		if local >= r[0] && local < r[1] {
			return true
		}
	}
	return false
}

// ModuleAddressToGlobal converts an address local to m into a kernel-global
// address. Identity for the kernel module (Base==0).
func (m *Module) ModuleAddressToGlobal(a uint64) uint64 { return a + m.Base }

// GlobalAddressToModule converts a kernel-global address into one local to
// m. Identity for the kernel module (Base==0).
func (m *Module) GlobalAddressToModule(a uint64) uint64 { return a - m.Base }
