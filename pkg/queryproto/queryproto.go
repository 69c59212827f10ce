// Package queryproto implements the query wire protocol: the
// msgpack-coded, self-describing, length-delimited records exchanged
// between an interactive client and the daemon. It mirrors the
// tagged-enum shape of
// original_source/ktrace-protocol/src/lib.rs (which uses Rust's
// rmp_serde for the same purpose) using
// github.com/vmihailenco/msgpack/v5, the Go library two other pack
// members (DataDog-datadog-agent, open-telemetry-otel-arrow) reach for
// to do exactly this.
package queryproto

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultSocketPath is the default client-facing listen path.
const DefaultSocketPath = "/tmp/ktrace-query.sock"

// PacketType discriminates the kind of record carried by a Packet.
type PacketType string

const (
	TypeGetTraceLog  PacketType = "GetTraceLog"
	TypeGetStatus    PacketType = "GetStatus"
	TypeGetInstCount PacketType = "GetInstCount"
	TypeOpenStream   PacketType = "OpenStream"
	TypeTraceLog     PacketType = "TraceLog"
	TypeStatus       PacketType = "Status"
	TypeInstCount    PacketType = "InstCount"
	TypeError        PacketType = "Error"
)

// TraceFilter selects which addresses a tail-read or stream keeps.
type TraceFilter uint8

const (
	// FilterLowerHalf keeps addresses with bit 63 clear and nonzero.
	FilterLowerHalf TraceFilter = 1
)

// Keep reports whether addr survives this filter.
func (f TraceFilter) Keep(addr uint64) bool {
	switch f {
	case FilterLowerHalf:
		return addr&0x8000_0000_0000_0000 == 0 && addr != 0
	default:
		return true
	}
}

// ThreadStatus mirrors a vCPU's lifecycle state as seen from the query side.
type ThreadStatus uint8

const (
	StatusIdle ThreadStatus = iota
	StatusRunning
	StatusDead
)

// ErrorCode enumerates query-protocol error responses.
type ErrorCode uint8

const (
	// BadPacket: decode failure or a request with no matching handler.
	ErrBadPacket ErrorCode = 1
	// BadThread: OpenStream against an unknown or dead vCPU.
	ErrBadThread ErrorCode = 2
)

func (c ErrorCode) String() string {
	switch c {
	case ErrBadPacket:
		return "bad packet"
	case ErrBadThread:
		return "invalid thread id"
	default:
		return fmt.Sprintf("unknown error code %d", uint8(c))
	}
}

// Packet is a single query-protocol record. Only the fields relevant
// to Type are meaningful; the others are zero/omitted on the wire,
// except Addresses, which is always encoded so that an empty TraceLog
// decodes as an empty list rather than nil.
type Packet struct {
	Type PacketType `msgpack:"type"`

	// Request fields.
	ThreadID uint32       `msgpack:"thread_id,omitempty"`
	Count    uint64       `msgpack:"count,omitempty"`
	Filter   *TraceFilter `msgpack:"filter,omitempty"`

	// Response fields.
	Addresses []uint64     `msgpack:"addresses"`
	Status    ThreadStatus `msgpack:"status,omitempty"`
	InstCount uint64       `msgpack:"inst_count,omitempty"`
	Code      ErrorCode    `msgpack:"code,omitempty"`
}

// GetTraceLog builds a GetTraceLog request.
func GetTraceLog(threadID uint32, count uint64, filter *TraceFilter) Packet {
	return Packet{Type: TypeGetTraceLog, ThreadID: threadID, Count: count, Filter: filter}
}

// GetStatus builds a GetStatus request.
func GetStatus(threadID uint32) Packet {
	return Packet{Type: TypeGetStatus, ThreadID: threadID}
}

// GetInstCount builds a GetInstCount request.
func GetInstCount(threadID uint32) Packet {
	return Packet{Type: TypeGetInstCount, ThreadID: threadID}
}

// OpenStream builds an OpenStream request.
func OpenStream(threadID uint32, filter *TraceFilter) Packet {
	return Packet{Type: TypeOpenStream, ThreadID: threadID, Filter: filter}
}

// TraceLogResponse builds a TraceLog response.
func TraceLogResponse(addresses []uint64) Packet {
	if addresses == nil {
		addresses = []uint64{}
	}
	return Packet{Type: TypeTraceLog, Addresses: addresses}
}

// StatusResponse builds a Status response.
func StatusResponse(status ThreadStatus) Packet {
	return Packet{Type: TypeStatus, Status: status}
}

// InstCountResponse builds an InstCount response.
func InstCountResponse(count uint64) Packet {
	return Packet{Type: TypeInstCount, InstCount: count}
}

// ErrorResponse builds an Error response.
func ErrorResponse(code ErrorCode) Packet {
	return Packet{Type: TypeError, Code: code}
}

// Encode writes p to w as one self-describing msgpack record. It is
// meant for one-shot, single-record writers (tests, the harness CLI);
// long-lived connections that exchange many packets must use a Codec
// instead so the decoder's internal buffering persists across reads.
func Encode(w io.Writer, p Packet) error {
	return msgpack.NewEncoder(w).Encode(p)
}

// Decode reads exactly one self-describing msgpack record from r. See
// the Encode doc comment for why this is unsuitable for a connection
// carrying more than one packet.
func Decode(r io.Reader) (Packet, error) {
	var p Packet
	if err := msgpack.NewDecoder(r).Decode(&p); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// Codec serializes and deserializes a stream of Packets on a single
// connection. A fresh msgpack.Decoder per call would discard whatever
// the decoder's internal reader had already buffered past the current
// record, so the front-end and any client hold one Codec per
// connection for its whole lifetime instead of decoding ad hoc.
type Codec struct {
	enc *msgpack.Encoder
	dec *msgpack.Decoder
}

// NewCodec wraps rw in a Codec.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{enc: msgpack.NewEncoder(rw), dec: msgpack.NewDecoder(rw)}
}

// WritePacket writes one record.
func (c *Codec) WritePacket(p Packet) error {
	return c.enc.Encode(p)
}

// ReadPacket reads one record.
func (c *Codec) ReadPacket() (Packet, error) {
	var p Packet
	if err := c.dec.Decode(&p); err != nil {
		return Packet{}, err
	}
	return p, nil
}
