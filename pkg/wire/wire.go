// Package wire implements the structured-record codec: self-describing
// records of primitive fields (int, long, string, byte blob, nested
// record, nested object) framed into a byte sequence, plus the companion
// bookkeeping for out-of-band file descriptors.
//
// Every field on the wire is `u32 type_tag, u32 size, size bytes of
// payload`. A STRUCT is delimited by an opening and a closing marker; the
// opening marker's size field is back-patched once the content is written,
// so a builder can nest STRUCTs without knowing their total size up front.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is the external vocabulary of field kinds. Values are stable on
// the wire: do not renumber.
type Type uint32

const (
	TypeInvalid Type = iota
	TypeInt
	TypeLong
	TypeString
	TypeBytes
	TypePod
	TypeObject
	TypeStructOpen
	TypeStructClose
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeLong:
		return "LONG"
	case TypeString:
		return "STRING"
	case TypeBytes:
		return "BYTES"
	case TypePod:
		return "POD"
	case TypeObject:
		return "OBJECT"
	case TypeStructOpen:
		return "STRUCT_OPEN"
	case TypeStructClose:
		return "STRUCT_CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

const headerSize = 8 // type_tag u32 + size u32

// FDAttacher records a raw file descriptor bound for a peer connection and
// returns the index it will occupy in that peer's next read. Builders that
// encode FD fields need one; builders that never encode FDs can leave it
// nil.
type FDAttacher interface {
	AttachFD(fd int) int
}

// Buffer is the resizable scratch buffer a Builder appends into. Growth
// rounds allocations up to a 512-byte granularity to amortize reallocation,
// mirroring the SPA POD builder's SPA_ROUND_UP_N discipline.
type Buffer struct {
	data []byte
}

// Bytes returns the buffer's committed content.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of committed bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Reset discards all committed content without releasing capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

func roundUp512(n int) int { return (n + 511) &^ 511 }

// grow appends n zeroed bytes and returns the slice backing them.
func (b *Buffer) grow(n int) []byte {
	off := len(b.data)
	need := off + n
	if need > cap(b.data) {
		grown := make([]byte, off, roundUp512(need))
		copy(grown, b.data)
		b.data = grown
	}
	b.data = b.data[:need]
	return b.data[off:need]
}

// Frame marks an open STRUCT awaiting CloseStruct; it carries the offsets
// needed to back-patch the size field once the struct's content is known.
type Frame struct {
	headerOffset int
	startOffset  int
}

// Builder appends fields into a caller-provided Buffer. It never allocates
// for inline leaf values (INT, LONG): those write directly into the grown
// slice with no intermediate buffer.
type Builder struct {
	buf *Buffer
	fds FDAttacher
}

// NewBuilder creates a Builder writing into buf. fds may be nil if the
// caller never encodes an FD field with this builder.
func NewBuilder(buf *Buffer, fds FDAttacher) *Builder {
	return &Builder{buf: buf, fds: fds}
}

func (b *Builder) writeHeader(t Type, size uint32) int {
	off := b.buf.Len()
	hdr := b.buf.grow(headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(t))
	binary.LittleEndian.PutUint32(hdr[4:8], size)
	return off
}

// WriteInt appends a 32-bit signed integer and returns the field's offset.
func (b *Builder) WriteInt(v int32) int {
	off := b.writeHeader(TypeInt, 4)
	payload := b.buf.grow(4)
	binary.LittleEndian.PutUint32(payload, uint32(v))
	return off
}

// WriteLong appends a 64-bit signed integer and returns the field's offset.
func (b *Builder) WriteLong(v int64) int {
	off := b.writeHeader(TypeLong, 8)
	payload := b.buf.grow(8)
	binary.LittleEndian.PutUint64(payload, uint64(v))
	return off
}

// WriteString appends a length-prefixed UTF-8 string; the trailing NUL is
// included in the field's size.
func (b *Builder) WriteString(s string) int {
	off := b.writeHeader(TypeString, uint32(len(s)+1))
	payload := b.buf.grow(len(s) + 1)
	copy(payload, s)
	payload[len(s)] = 0
	return off
}

// WriteBytes appends a length-prefixed raw byte blob.
func (b *Builder) WriteBytes(p []byte) int {
	off := b.writeHeader(TypeBytes, uint32(len(p)))
	payload := b.buf.grow(len(p))
	copy(payload, p)
	return off
}

// WritePod copies an already-encoded nested record verbatim.
func (b *Builder) WritePod(encoded []byte) int {
	off := b.writeHeader(TypePod, uint32(len(encoded)))
	payload := b.buf.grow(len(encoded))
	copy(payload, encoded)
	return off
}

// ErrNoFDAttacher is returned by WriteFD when the builder was constructed
// without an FDAttacher.
var ErrNoFDAttacher = errors.New("wire: builder has no FDAttacher")

// WriteFD encodes fd as an INT index into the connection's pending FD
// list, calling fds.AttachFD to obtain the index. The peer resolves the
// index back to an FD during dispatch.
func (b *Builder) WriteFD(fd int) (int, error) {
	if b.fds == nil {
		return 0, ErrNoFDAttacher
	}
	idx := b.fds.AttachFD(fd)
	return b.WriteInt(int32(idx)), nil
}

// OpenStruct writes the opening marker for a STRUCT field. The returned
// Frame must be passed to CloseStruct once the struct's content has been
// written; STRUCTs may be nested arbitrarily.
func (b *Builder) OpenStruct() *Frame {
	off := b.writeHeader(TypeStructOpen, 0)
	return &Frame{headerOffset: off, startOffset: b.buf.Len()}
}

// CloseStruct back-patches f's size field with the number of bytes
// written since OpenStruct, then appends the closing marker.
func (b *Builder) CloseStruct(f *Frame) {
	size := uint32(b.buf.Len() - f.startOffset)
	binary.LittleEndian.PutUint32(b.buf.data[f.headerOffset+4:f.headerOffset+8], size)
	b.writeHeader(TypeStructClose, 0)
}

// OpenObject writes an OBJECT field: a STRUCT with an associated symbolic
// type tag, encoded as a STRING immediately inside the struct body. The
// closing marker is the same TypeStructClose sentinel CloseStruct uses;
// nesting is tracked by the caller's own Frame stack, not by distinct
// close tags per opening kind.
func (b *Builder) OpenObject(objectType string) *Frame {
	off := b.writeHeader(TypeObject, 0)
	f := &Frame{headerOffset: off, startOffset: b.buf.Len()}
	b.WriteString(objectType)
	return f
}

// CloseObject closes an OBJECT opened with OpenObject.
func (b *Builder) CloseObject(f *Frame) { b.CloseStruct(f) }
