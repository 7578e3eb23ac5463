package relay

import (
	"fmt"
	"os"
	"runtime"

	"github.com/kstapd/kstapd/control"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// maxCPUs bounds the number of per-CPU reader goroutines (spec.md §5).
const maxCPUs = 256

// numCPUs returns the number of per-CPU rings to open, capped at
// maxCPUs.
func numCPUs() int {
	n := runtime.NumCPU()
	if n > maxCPUs {
		n = maxCPUs
	}
	if n < 1 {
		n = 1
	}
	return n
}

// openRelay opens one ring per online CPU and starts its reader
// goroutine. On any failure, every ring opened so far is closed before
// returning the error (spec.md §5's "rolls back fully").
func (s *Session) openRelay(info *control.TransportInfo) error {
	root := relayRoot(os.Getpid())
	tmpDir := s.cfg.TempDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	n := numCPUs()
	rings := make([]*ring, 0, n)
	rollback := func() {
		for _, r := range rings {
			r.close()
		}
	}

	for cpu := 0; cpu < n; cpu++ {
		r, err := openRing(root, tmpDir, cpu, info.SubbufSize, info.NSubbufs)
		if err != nil {
			rollback()
			return fmt.Errorf("open ring for cpu %d: %w", cpu, err)
		}
		rings = append(rings, r)
	}

	s.mu.Lock()
	s.rings = rings
	s.mu.Unlock()

	var g errgroup.Group
	for _, r := range rings {
		r := r
		g.Go(func() error {
			return s.readerLoop(r)
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			s.logger.Error("reader goroutine failed", "error", err)
		}
	}()

	return nil
}

// readerLoop is the per-CPU reader thread's equivalent: poll the relay
// fd, drain ready sub-buffers into the CPU's temp file, and write back
// a consumed_info record. Exits when the ring's buf_info reports
// flushing (spec.md §4.6).
func (s *Session) readerLoop(r *ring) error {
	pollFds := []unix.PollFd{{Fd: int32(r.relayFile.Fd()), Events: unix.POLLIN}}
	var maxBacklog uint32

	for {
		_, err := unix.Poll(pollFds, -1)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("poll cpu %d: %w", r.cpu, err)
		}

		buf := make([]byte, 16)
		if _, err := r.procFile.ReadAt(buf, 0); err != nil {
			return fmt.Errorf("read buf_info cpu %d: %w", r.cpu, err)
		}
		info, err := control.DecodeBufInfo(buf)
		if err != nil {
			return fmt.Errorf("decode buf_info cpu %d: %w", r.cpu, err)
		}

		consumed, err := s.drainReady(r, info)
		if err != nil {
			return err
		}
		if consumed > 0 {
			if consumed > maxBacklog {
				maxBacklog = consumed
				for {
					cur := s.maxBacklog.Load()
					if maxBacklog <= cur || s.maxBacklog.CompareAndSwap(cur, maxBacklog) {
						break
					}
				}
			}
			ci := &control.ConsumedInfo{CPU: uint32(r.cpu), Consumed: consumed}
			if _, err := r.procFile.WriteAt(ci.Encode(), 0); err != nil {
				s.logger.Warn("writing consumed info failed", "cpu", r.cpu, "error", err)
			}
		}

		if info.Flushing != 0 {
			s.logger.Debug("reader exiting on flush", "cpu", r.cpu, "max_backlog", maxBacklog)
			return nil
		}
	}
}

// drainReady writes every ready sub-buffer's payload (after stripping
// its padding header) to r's temp file in FIFO order, returning how
// many sub-buffers were consumed.
func (s *Session) drainReady(r *ring, info *control.BufInfo) (uint32, error) {
	ready := info.Ready()
	start := info.Consumed
	var n uint32
	for i := start; i < start+ready; i++ {
		subbuf := r.subbuf(i)
		_, payload, err := control.DecodeSubbufHeader(subbuf, r.subbufSize)
		if err != nil {
			return n, fmt.Errorf("decode sub-buffer %d cpu %d: %w", i, r.cpu, err)
		}
		if len(payload) > 0 {
			if _, err := r.tmpFile.Write(payload); err != nil {
				return n, fmt.Errorf("write payload cpu %d: %w", r.cpu, err)
			}
		}
		n++
	}
	return n, nil
}
