// Package traceproto implements the trace-ingest wire protocol: the
// fixed-layout binary framing a producer plugin uses to stream
// per-instruction events for one vCPU into the daemon. It is grounded
// on original_source/ktrace-common/src/lib.rs's tag-byte-plus-fixed-body
// framing.
package traceproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Tag identifies the kind of packet on the wire.
type Tag byte

const (
	TagVcpuInit   Tag = 1
	TagVcpuResume Tag = 2
	TagVcpuIdle   Tag = 3
	TagVcpuExit   Tag = 4
	TagInst       Tag = 5
)

// DefaultSocketPath is the default producer-facing listen path.
const DefaultSocketPath = "/tmp/ktrace.sock"

// Packet is one decoded trace-ingest packet. Exactly one field is
// meaningful per Tag: VcpuInit/Resume/Idle/Exit carry ID, Inst carries
// Addr.
type Packet struct {
	Tag  Tag
	ID   uint32
	Addr uint64
}

// VcpuInit builds a VcpuInit packet.
func VcpuInit(id uint32) Packet { return Packet{Tag: TagVcpuInit, ID: id} }

// VcpuResume builds a VcpuResume packet.
func VcpuResume(id uint32) Packet { return Packet{Tag: TagVcpuResume, ID: id} }

// VcpuIdle builds a VcpuIdle packet.
func VcpuIdle(id uint32) Packet { return Packet{Tag: TagVcpuIdle, ID: id} }

// VcpuExit builds a VcpuExit packet.
func VcpuExit(id uint32) Packet { return Packet{Tag: TagVcpuExit, ID: id} }

// Inst builds an Inst packet.
func Inst(addr uint64) Packet { return Packet{Tag: TagInst, Addr: addr} }

// Write encodes the packet to w: one tag byte followed by its
// fixed-size little-endian body.
func (p Packet) Write(w io.Writer) error {
	var buf [9]byte
	buf[0] = byte(p.Tag)

	switch p.Tag {
	case TagVcpuInit, TagVcpuResume, TagVcpuIdle, TagVcpuExit:
		binary.LittleEndian.PutUint32(buf[1:5], p.ID)
		_, err := w.Write(buf[:5])
		return err
	case TagInst:
		binary.LittleEndian.PutUint64(buf[1:9], p.Addr)
		_, err := w.Write(buf[:9])
		return err
	default:
		return fmt.Errorf("traceproto: unknown tag %d", p.Tag)
	}
}

// Read decodes one packet from r. An unknown tag byte is a protocol
// error. An early EOF while reading the body is reported as
// io.ErrUnexpectedEOF, a truncation distinct from a clean EOF at a
// packet boundary.
func Read(r io.Reader) (Packet, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		// A clean EOF here means the connection closed between
		// packets, which is not a protocol violation.
		return Packet{}, err
	}

	tag := Tag(tagBuf[0])
	switch tag {
	case TagVcpuInit, TagVcpuResume, TagVcpuIdle, TagVcpuExit:
		var body [4]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Packet{}, unexpectedEOF(err)
		}
		return Packet{Tag: tag, ID: binary.LittleEndian.Uint32(body[:])}, nil
	case TagInst:
		var body [8]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Packet{}, unexpectedEOF(err)
		}
		return Packet{Tag: tag, Addr: binary.LittleEndian.Uint64(body[:])}, nil
	default:
		return Packet{}, fmt.Errorf("traceproto: invalid packet tag %d", tag)
	}
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
