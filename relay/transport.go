package relay

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kstapd/kstapd/internal/rollback"
	"golang.org/x/sys/unix"
)

// Filesystem magics used to pick the relay mount point (spec.md §6).
const (
	relayfsMagic = 0xF0B4A981
	debugfsMagic = 0x64626720
)

// relayRoot returns the directory under which per-CPU relay files for
// pid live, selected by statfs magic over the three candidate mounts
// spec.md §6 names, in order: /mnt/relay, /sys/kernel/debug, else
// /debug.
func relayRoot(pid int) string {
	candidates := []string{"/mnt/relay", "/sys/kernel/debug", "/debug"}
	for _, c := range candidates[:2] {
		var st unix.Statfs_t
		if err := unix.Statfs(c, &st); err != nil {
			continue
		}
		if int64(st.Type) == relayfsMagic || int64(st.Type) == debugfsMagic {
			return filepath.Join(c, "systemtap", fmt.Sprintf("%d", pid))
		}
	}
	return filepath.Join(candidates[2], "systemtap", fmt.Sprintf("%d", pid))
}

// ring is one per-CPU memory-mapped relay buffer plus the proc control
// file used to read buf_info / write consumed_info for it.
type ring struct {
	cpu        int
	relayFile  *os.File
	procFile   *os.File
	data       []byte // mmap(relayFd, size = subbufSize*nSubbufs, PRIVATE|POPULATE)
	subbufSize uint32
	nSubbufs   uint32
	tmpFile    *os.File // per-CPU temp file that drained payload bytes are appended to
}

// openRing opens and maps cpu's relay file and its proc control file
// under root, and creates its per-CPU temp output file in tmpDir.
func openRing(root, tmpDir string, cpu int, subbufSize, nSubbufs uint32) (*ring, error) {
	var u rollback.Stack
	ok := false
	defer func() {
		if !ok {
			_ = u.Rollback(discardLogger())
		}
	}()

	relayPath := filepath.Join(root, fmt.Sprintf("cpu%d", cpu))
	relayFile, err := os.OpenFile(relayPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open relay file for cpu %d: %w", cpu, err)
	}
	u.Push(func() error { return relayFile.Close() })

	size := int(subbufSize) * int(nSubbufs)
	data, err := unix.Mmap(int(relayFile.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap relay file for cpu %d: %w", cpu, err)
	}
	u.Push(func() error { return unix.Munmap(data) })

	procPath := filepath.Join(root, fmt.Sprintf("cpu%d", cpu)) + ".proc"
	procFile, err := os.OpenFile(procPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open proc file for cpu %d: %w", cpu, err)
	}
	u.Push(func() error { return procFile.Close() })

	tmpPath := filepath.Join(tmpDir, fmt.Sprintf("stpd_cpu%d", cpu))
	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp file for cpu %d: %w", cpu, err)
	}
	u.Push(func() error { return tmpFile.Close() })

	ok = true
	return &ring{
		cpu:        cpu,
		relayFile:  relayFile,
		procFile:   procFile,
		data:       data,
		subbufSize: subbufSize,
		nSubbufs:   nSubbufs,
		tmpFile:    tmpFile,
	}, nil
}

// close releases the ring's mmap and file descriptors in reverse order
// of acquisition (spec.md §5).
func (r *ring) close() error {
	var errs []error
	if err := r.tmpFile.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.procFile.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.relayFile.Close(); err != nil {
		errs = append(errs, err)
	}
	return joinErrors(errs)
}

// subbuf returns the idx'th sub-buffer (mod nSubbufs) of the ring.
func (r *ring) subbuf(idx uint32) []byte {
	i := idx % r.nSubbufs
	start := int(i) * int(r.subbufSize)
	return r.data[start : start+int(r.subbufSize)]
}
