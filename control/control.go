// Package control implements the RelayPump's control-channel wire
// protocol: a kind-tagged frame (spec.md §6) carrying one of a fixed set
// of fixed-layout payloads (TRANSPORT_INFO, buf_info, consumed_info, the
// relay sub-buffer header, and the merge temp-file record), all encoded
// with stdlib encoding/binary — the wire format is pinned exactly by the
// spec, so there is no benefit (and real risk of drift) in routing it
// through a general-purpose serialization library.
package control

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind identifies a control-channel message's payload shape.
type Kind uint32

const (
	KindRealtimeData Kind = iota
	KindOOBData
	KindExit
	KindStart
	KindSystem
	KindTransportInfo
	KindModule
	KindSymbols
)

func (k Kind) String() string {
	switch k {
	case KindRealtimeData:
		return "REALTIME_DATA"
	case KindOOBData:
		return "OOB_DATA"
	case KindExit:
		return "EXIT"
	case KindStart:
		return "START"
	case KindSystem:
		return "SYSTEM"
	case KindTransportInfo:
		return "TRANSPORT_INFO"
	case KindModule:
		return "MODULE"
	case KindSymbols:
		return "SYMBOLS"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// maxFrame bounds a single control-channel read, mirroring the fixed
// recvbuf the reference implementation reads each message into.
const maxFrame = 8192

// order is the byte order every control-channel and relay structure
// uses: little-endian throughout, fixed rather than detected (nothing on
// the channel negotiates or checks byte order).
var order = binary.LittleEndian

// Message is one decoded control-channel frame: a four-byte kind
// followed by a kind-specific payload.
type Message struct {
	Kind    Kind
	Payload []byte
}

// ReadMessage performs a single read from r and decodes it into a
// Message. Each control-channel read is expected to return one complete
// frame, mirroring the reference implementation's single read() call
// per message; a read returning 0 bytes signals the channel has been
// closed (Open Question (b) in spec.md §9: the reference implementation
// busy-loops on this instead of treating it as closure).
func ReadMessage(r io.Reader) (*Message, error) {
	buf := make([]byte, maxFrame)
	n, err := r.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read control frame: %w", err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	if n < 4 {
		return nil, fmt.Errorf("control frame too short: %d bytes", n)
	}
	return &Message{
		Kind:    Kind(order.Uint32(buf[:4])),
		Payload: buf[4:n],
	}, nil
}

// WriteMessage frames kind and payload and writes them to w in a single
// call, matching send_request's one-write-per-call atomicity assumption
// (spec.md §5).
func WriteMessage(w io.Writer, kind Kind, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	order.PutUint32(buf[:4], uint32(kind))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	return nil
}

// TransportMode distinguishes the two ways probe data can reach this
// process (spec.md §6).
type TransportMode int32

const (
	TransportRelayfs TransportMode = 1
	TransportProc    TransportMode = 2
)

// TransportInfo is the TRANSPORT_INFO payload (spec.md §6).
type TransportInfo struct {
	TransportMode TransportMode
	BufSize       uint32
	SubbufSize    uint32
	NSubbufs      uint32
	Target        int32
	Merge         int32
}

const transportInfoSize = 4 + 4 + 4 + 4 + 4 + 4

// DecodeTransportInfo parses a TRANSPORT_INFO payload.
func DecodeTransportInfo(payload []byte) (*TransportInfo, error) {
	if len(payload) < transportInfoSize {
		return nil, fmt.Errorf("transport info payload too short: %d bytes, want %d", len(payload), transportInfoSize)
	}
	return &TransportInfo{
		TransportMode: TransportMode(int32(order.Uint32(payload[0:4]))),
		BufSize:       order.Uint32(payload[4:8]),
		SubbufSize:    order.Uint32(payload[8:12]),
		NSubbufs:      order.Uint32(payload[12:16]),
		Target:        int32(order.Uint32(payload[16:20])),
		Merge:         int32(order.Uint32(payload[20:24])),
	}, nil
}

// Encode serializes a TransportInfo back into a TRANSPORT_INFO payload,
// used by tests and by any component that needs to synthesize a frame.
func (t *TransportInfo) Encode() []byte {
	buf := make([]byte, transportInfoSize)
	order.PutUint32(buf[0:4], uint32(int32(t.TransportMode)))
	order.PutUint32(buf[4:8], t.BufSize)
	order.PutUint32(buf[8:12], t.SubbufSize)
	order.PutUint32(buf[12:16], t.NSubbufs)
	order.PutUint32(buf[16:20], uint32(t.Target))
	order.PutUint32(buf[20:24], uint32(t.Merge))
	return buf
}

// BufInfo is the per-CPU buf_info record read from the proc control
// file (spec.md §6).
type BufInfo struct {
	CPU      uint32
	Produced uint32
	Consumed uint32
	Flushing uint32
}

const bufInfoSize = 4 + 4 + 4 + 4

// DecodeBufInfo parses a buf_info record.
func DecodeBufInfo(payload []byte) (*BufInfo, error) {
	if len(payload) < bufInfoSize {
		return nil, fmt.Errorf("buf_info payload too short: %d bytes, want %d", len(payload), bufInfoSize)
	}
	return &BufInfo{
		CPU:      order.Uint32(payload[0:4]),
		Produced: order.Uint32(payload[4:8]),
		Consumed: order.Uint32(payload[8:12]),
		Flushing: order.Uint32(payload[12:16]),
	}, nil
}

// Ready reports how many sub-buffers are available to drain.
func (b *BufInfo) Ready() uint32 {
	return b.Produced - b.Consumed
}

// ConsumedInfo is written back to the proc control file to release
// drained sub-buffers (spec.md §6).
type ConsumedInfo struct {
	CPU      uint32
	Consumed uint32
}

const consumedInfoSize = 4 + 4

// Encode serializes a ConsumedInfo record.
func (c *ConsumedInfo) Encode() []byte {
	buf := make([]byte, consumedInfoSize)
	order.PutUint32(buf[0:4], c.CPU)
	order.PutUint32(buf[4:8], c.Consumed)
	return buf
}

// SubbufHeader is the 4-byte padding header at the start of every relay
// sub-buffer (spec.md §6): the kernel writes a nonzero padding value
// when it closes a sub-buffer early, shrinking the usable payload.
type SubbufHeader struct {
	Padding uint32
}

const subbufHeaderSize = 4

// DecodeSubbufHeader reads the padding header and returns it along with
// the payload slice that follows it within subbuf (subbufSize bytes).
func DecodeSubbufHeader(subbuf []byte, subbufSize uint32) (SubbufHeader, []byte, error) {
	if uint32(len(subbuf)) < subbufHeaderSize {
		return SubbufHeader{}, nil, fmt.Errorf("sub-buffer shorter than header: %d bytes", len(subbuf))
	}
	h := SubbufHeader{Padding: order.Uint32(subbuf[:subbufHeaderSize])}
	payloadLen := subbufSize - subbufHeaderSize - h.Padding
	if int(subbufHeaderSize+payloadLen) > len(subbuf) {
		return SubbufHeader{}, nil, fmt.Errorf("sub-buffer padding %d inconsistent with size %d", h.Padding, subbufSize)
	}
	return h, subbuf[subbufHeaderSize : subbufHeaderSize+payloadLen], nil
}

// Record is one entry in a per-CPU merge temp file: u32 len, u32
// timestamp, followed by len bytes of payload (spec.md §6).
type Record struct {
	Timestamp uint32
	Payload   []byte
}

const recordHeaderSize = 4 + 4

// ReadRecord reads one Record from r, returning io.EOF when no more
// records remain.
func ReadRecord(r io.Reader) (*Record, error) {
	hdr := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated record header: %w", err)
		}
		return nil, err
	}
	length := order.Uint32(hdr[0:4])
	ts := order.Uint32(hdr[4:8])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("truncated record payload: %w", err)
		}
	}
	return &Record{Timestamp: ts, Payload: payload}, nil
}

// WriteRecord appends one Record to w in the merge temp-file format.
func WriteRecord(w io.Writer, rec *Record) error {
	hdr := make([]byte, recordHeaderSize)
	order.PutUint32(hdr[0:4], uint32(len(rec.Payload)))
	order.PutUint32(hdr[4:8], rec.Timestamp)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write record header: %w", err)
	}
	if len(rec.Payload) > 0 {
		if _, err := w.Write(rec.Payload); err != nil {
			return fmt.Errorf("write record payload: %w", err)
		}
	}
	return nil
}

// StartInfo is the STP_START payload sent back to the kernel module
// after transport initialization completes.
type StartInfo struct {
	PID int32
}

const startInfoSize = 4

// DecodeStartInfo parses a START payload.
func DecodeStartInfo(payload []byte) (*StartInfo, error) {
	if len(payload) < startInfoSize {
		return nil, fmt.Errorf("start info payload too short: %d bytes, want %d", len(payload), startInfoSize)
	}
	return &StartInfo{PID: int32(order.Uint32(payload[0:4]))}, nil
}

// Encode serializes a StartInfo payload.
func (s *StartInfo) Encode() []byte {
	buf := make([]byte, startInfoSize)
	order.PutUint32(buf[0:4], uint32(s.PID))
	return buf
}

// ExitInfo is the EXIT payload: whether the kernel module has already
// self-closed (closed != 0) or whether this process must still remove it.
type ExitInfo struct {
	Closed int32
}

const exitInfoSize = 4

// DecodeExitInfo parses an EXIT payload.
func DecodeExitInfo(payload []byte) (*ExitInfo, error) {
	if len(payload) < exitInfoSize {
		return nil, fmt.Errorf("exit info payload too short: %d bytes, want %d", len(payload), exitInfoSize)
	}
	return &ExitInfo{Closed: int32(order.Uint32(payload[0:4]))}, nil
}

// Encode serializes an ExitInfo payload.
func (e *ExitInfo) Encode() []byte {
	buf := make([]byte, exitInfoSize)
	order.PutUint32(buf[0:4], uint32(e.Closed))
	return buf
}

// SystemInfo is the SYSTEM payload: a shell command to run as
// (cmd_uid, cmd_gid).
type SystemInfo struct {
	Cmd string
	UID uint32
	GID uint32
}

// DecodeSystemInfo parses a SYSTEM payload: a NUL-terminated command
// string followed by uid/gid.
func DecodeSystemInfo(payload []byte) (*SystemInfo, error) {
	nul := -1
	for i, b := range payload {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return nil, fmt.Errorf("system info payload missing NUL terminator")
	}
	rest := payload[nul+1:]
	if len(rest) < 8 {
		return nil, fmt.Errorf("system info payload too short after command: %d bytes", len(rest))
	}
	return &SystemInfo{
		Cmd: string(payload[:nul]),
		UID: order.Uint32(rest[0:4]),
		GID: order.Uint32(rest[4:8]),
	}, nil
}
