package wire

import (
	"encoding/binary"
	"errors"
)

// Decoding errors. None of these trap: a decoder returns one of these and
// the caller (protocol dispatch) promotes it to a PROTOCOL error.
var (
	ErrTruncated         = errors.New("wire: truncated input")
	ErrTypeMismatch      = errors.New("wire: type mismatch")
	ErrOverflow          = errors.New("wire: length overflow past outer STRUCT")
	ErrUnterminatedStruct = errors.New("wire: unterminated STRUCT")
)

// FDResolver resolves an FD index recorded during decoding back to a raw
// file descriptor received alongside the message.
type FDResolver interface {
	ResolveFD(index int) (int, error)
}

// Iterator walks a STRUCT linearly, yielding one typed field at a time. On
// a type mismatch it returns an error and does not advance, so the caller
// may inspect PeekType and take a different path.
type Iterator struct {
	data []byte
	pos  int
	end  int
}

// NewIterator opens the outer STRUCT framing data and returns an Iterator
// positioned at its first field.
func NewIterator(data []byte) (*Iterator, error) {
	it := &Iterator{data: data, pos: 0, end: len(data)}
	t, size, payloadOff, err := it.peekHeaderAt(it.pos)
	if err != nil {
		return nil, err
	}
	if t != TypeStructOpen {
		return nil, ErrTypeMismatch
	}
	if payloadOff+int(size) > len(data) {
		return nil, ErrOverflow
	}
	it.pos = payloadOff
	it.end = payloadOff + int(size)
	return it, nil
}

// peekHeaderAt reads the header at pos without mutating iterator state.
func (it *Iterator) peekHeaderAt(pos int) (Type, uint32, int, error) {
	if pos+headerSize > len(it.data) {
		return 0, 0, 0, ErrTruncated
	}
	t := Type(binary.LittleEndian.Uint32(it.data[pos : pos+4]))
	size := binary.LittleEndian.Uint32(it.data[pos+4 : pos+8])
	payloadOff := pos + headerSize
	if payloadOff+int(size) > len(it.data) {
		return 0, 0, 0, ErrTruncated
	}
	return t, size, payloadOff, nil
}

// PeekType returns the type of the next field without consuming it.
func (it *Iterator) PeekType() (Type, error) {
	if it.pos >= it.end {
		return 0, ErrTruncated
	}
	t, _, _, err := it.peekHeaderAt(it.pos)
	return t, err
}

// Done reports whether the iterator has consumed every field up to the
// enclosing STRUCT's bound.
func (it *Iterator) Done() bool { return it.pos >= it.end }

// consume validates the next field is of type want, advances past it, and
// returns its payload slice (aliasing the original data).
func (it *Iterator) consume(want Type) ([]byte, error) {
	if it.pos >= it.end {
		return nil, ErrTruncated
	}
	t, size, payloadOff, err := it.peekHeaderAt(it.pos)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, ErrTypeMismatch
	}
	if payloadOff+int(size) > it.end {
		return nil, ErrOverflow
	}
	it.pos = payloadOff + int(size)
	return it.data[payloadOff : payloadOff+int(size)], nil
}

// GetInt decodes the next field as INT.
func (it *Iterator) GetInt() (int32, error) {
	p, err := it.consume(TypeInt)
	if err != nil {
		return 0, err
	}
	if len(p) != 4 {
		return 0, ErrTruncated
	}
	return int32(binary.LittleEndian.Uint32(p)), nil
}

// GetLong decodes the next field as LONG.
func (it *Iterator) GetLong() (int64, error) {
	p, err := it.consume(TypeLong)
	if err != nil {
		return 0, err
	}
	if len(p) != 8 {
		return 0, ErrTruncated
	}
	return int64(binary.LittleEndian.Uint64(p)), nil
}

// GetString decodes the next field as STRING, stripping the trailing NUL.
func (it *Iterator) GetString() (string, error) {
	p, err := it.consume(TypeString)
	if err != nil {
		return "", err
	}
	if len(p) == 0 || p[len(p)-1] != 0 {
		return "", ErrTruncated
	}
	return string(p[:len(p)-1]), nil
}

// GetBytes decodes the next field as BYTES. The returned slice aliases the
// original payload and is valid only as long as that buffer is.
func (it *Iterator) GetBytes() ([]byte, error) {
	return it.consume(TypeBytes)
}

// GetPod decodes the next field as POD, returning the nested record bytes
// verbatim for a fresh Iterator to walk.
func (it *Iterator) GetPod() ([]byte, error) {
	return it.consume(TypePod)
}

// GetFD decodes the next field as an FD index (wire representation INT)
// and resolves it via r.
func (it *Iterator) GetFD(r FDResolver) (int, error) {
	idx, err := it.GetInt()
	if err != nil {
		return 0, err
	}
	return r.ResolveFD(int(idx))
}

// OpenStruct enters a nested STRUCT field, returning a sub-Iterator
// scoped to its content. The parent iterator advances past the whole
// nested struct, closing marker included, so the sub-Iterator may be
// drained partially or not at all.
func (it *Iterator) OpenStruct() (*Iterator, error) {
	if it.pos >= it.end {
		return nil, ErrTruncated
	}
	t, size, payloadOff, err := it.peekHeaderAt(it.pos)
	if err != nil {
		return nil, err
	}
	if t != TypeStructOpen && t != TypeObject {
		return nil, ErrTypeMismatch
	}
	contentEnd := payloadOff + int(size)
	if contentEnd > it.end {
		return nil, ErrOverflow
	}
	closeT, _, closeOff, err := it.peekHeaderAt(contentEnd)
	if err != nil {
		return nil, ErrUnterminatedStruct
	}
	if closeT != TypeStructClose {
		return nil, ErrUnterminatedStruct
	}
	// closeOff already points just past the closing marker's header.
	it.pos = closeOff
	return &Iterator{data: it.data, pos: payloadOff, end: contentEnd}, nil
}

// OpenObject is OpenStruct for an OBJECT field, additionally returning the
// object's symbolic type tag.
func (it *Iterator) OpenObject() (string, *Iterator, error) {
	if it.pos >= it.end {
		return "", nil, ErrTruncated
	}
	t, err := it.PeekType()
	if err != nil {
		return "", nil, err
	}
	if t != TypeObject {
		return "", nil, ErrTypeMismatch
	}
	sub, err := it.OpenStruct()
	if err != nil {
		return "", nil, err
	}
	objType, err := sub.GetString()
	if err != nil {
		return "", nil, err
	}
	return objType, sub, nil
}
