package relay

import (
	"fmt"
	"io"

	"github.com/kstapd/kstapd/control"
)

// cpuReader tracks one per-CPU temp file's merge cursor: the most
// recently peeked record, or exhausted once its file hits EOF.
type cpuReader struct {
	src       io.Reader
	peeked    *control.Record
	exhausted bool
}

func (c *cpuReader) peek() (*control.Record, error) {
	if c.exhausted {
		return nil, nil
	}
	if c.peeked != nil {
		return c.peeked, nil
	}
	rec, err := control.ReadRecord(c.src)
	if err != nil {
		if err == io.EOF {
			c.exhausted = true
			return nil, nil
		}
		return nil, err
	}
	if rec.Timestamp == 0 {
		// A zero leading timestamp marks an unwritten tail record
		// left over from the reader's fixed-size scratch write; there
		// is never a real record behind it, so this source is done.
		c.exhausted = true
		return nil, nil
	}
	c.peeked = rec
	return rec, nil
}

func (c *cpuReader) take() {
	c.peeked = nil
}

// mergeRecords interleaves records from per-CPU sources into a single
// global timestamp order, per spec.md §4.6: repeatedly pick the reader
// with the smallest non-zero leading timestamp, advance it, and
// continue until every reader is exhausted. Returns the merged payload
// bytes (without the trailing newline, which the caller appends) and a
// count of detected sequence gaps.
//
// A gap is detected by treating each emitted record's timestamp as a
// logically monotonic sequence value: if the newly chosen timestamp
// does not immediately follow the previous one, a drop is assumed
// (spec.md §4.6's "if it ever skips a value, increment a dropped
// diagnostic" — the reference format does not separately number
// records, so the timestamp itself is the only ordering signal
// available to detect a skip).
func mergeRecords(sources []io.Reader, out io.Writer) (dropped int, err error) {
	readers := make([]*cpuReader, len(sources))
	for i, src := range sources {
		readers[i] = &cpuReader{src: src}
	}

	var prevTS uint32
	first := true

	for {
		bestIdx := -1
		var bestTS uint32
		for i, r := range readers {
			rec, err := r.peek()
			if err != nil {
				return dropped, fmt.Errorf("peek cpu reader %d: %w", i, err)
			}
			if rec == nil || rec.Timestamp == 0 {
				continue
			}
			if bestIdx == -1 || rec.Timestamp < bestTS {
				bestIdx = i
				bestTS = rec.Timestamp
			}
		}
		if bestIdx == -1 {
			break
		}

		rec, _ := readers[bestIdx].peek()
		if !first && bestTS != prevTS+1 {
			dropped++
		}
		first = false
		prevTS = bestTS

		if _, err := out.Write(rec.Payload); err != nil {
			return dropped, fmt.Errorf("write merged payload: %w", err)
		}
		readers[bestIdx].take()
	}

	return dropped, nil
}

// mergeRings performs the merge pass over every ring's temp file and
// writes the result to the session's output, followed by a single
// trailing newline (spec.md §4.6).
func (s *Session) mergeRings() error {
	sources := make([]io.Reader, len(s.rings))
	for i, r := range s.rings {
		if _, err := r.tmpFile.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek temp file cpu %d: %w", r.cpu, err)
		}
		sources[i] = r.tmpFile
	}

	dropped, err := mergeRecords(sources, s.out)
	if err != nil {
		return err
	}
	if dropped > 0 {
		s.logger.Warn("merge detected dropped records", "count", dropped)
	}
	s.dropped.Store(int32(dropped))
	if _, err := s.out.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write trailing newline: %w", err)
	}
	return nil
}
