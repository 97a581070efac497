// Package cursor provides bounded, read-only access to a byte range.
//
// Every decoder in this module consumes its input through a Cursor. A Cursor
// never exposes bytes outside of the range it was constructed over. Bounds
// violations are reported as ErrOutOfBounds, never as a panic.
package cursor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/dennwc/varint"
)

// ErrOutOfBounds is returned by any read or seek that would leave the range.
var ErrOutOfBounds = errors.New("cursor: out of bounds")

// Cursor is a position within a byte range. The zero value is an empty range.
type Cursor struct {
	data  []byte
	pos   int
	base  uint64
	order binary.ByteOrder

	errored bool
}

// New returns a cursor over data with base address 0.
func New(data []byte, order binary.ByteOrder) *Cursor {
	return NewAt(data, order, 0)
}

// NewAt returns a cursor over data whose first byte lives at base.
func NewAt(data []byte, order binary.ByteOrder, base uint64) *Cursor {
	if order == nil {
		order = binary.BigEndian
	}
	return &Cursor{data: data, order: order, base: base}
}

func (c *Cursor) fail() error {
	c.errored = true
	return ErrOutOfBounds
}

func (c *Cursor) fits(n int) bool {
	return n >= 0 && n <= len(c.data)-c.pos
}

// Read returns the next n bytes and advances past them. The returned slice
// aliases the underlying buffer.
func (c *Cursor) Read(n int) ([]byte, error) {
	if !c.fits(n) {
		return nil, c.fail()
	}
	b := c.data[c.pos : c.pos+n : c.pos+n]
	c.pos += n
	return b, nil
}

// ReadInto copies len(dst) bytes into dst. On failure dst is zero-filled.
func (c *Cursor) ReadInto(dst []byte) error {
	b, err := c.Read(len(dst))
	if err != nil {
		clear(dst)
		return err
	}
	copy(dst, b)
	return nil
}

// Uint reads an n-byte unsigned integer (n is 1, 2, 4 or 8) in the cursor's
// byte order.
func (c *Cursor) Uint(n int) (uint64, error) {
	switch n {
	case 1:
		v, err := c.Uint8()
		return uint64(v), err
	case 2:
		v, err := c.Uint16()
		return uint64(v), err
	case 4:
		v, err := c.Uint32()
		return uint64(v), err
	case 8:
		return c.Uint64()
	}
	return 0, c.fail()
}

func (c *Cursor) Uint8() (uint8, error) {
	b, err := c.Read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) Int8() (int8, error) {
	v, err := c.Uint8()
	return int8(v), err
}

func (c *Cursor) Uint16() (uint16, error) {
	b, err := c.Read(2)
	if err != nil {
		return 0, err
	}
	return c.order.Uint16(b), nil
}

func (c *Cursor) Uint32() (uint32, error) {
	b, err := c.Read(4)
	if err != nil {
		return 0, err
	}
	return c.order.Uint32(b), nil
}

func (c *Cursor) Uint64() (uint64, error) {
	b, err := c.Read(8)
	if err != nil {
		return 0, err
	}
	return c.order.Uint64(b), nil
}

// ULEB128 reads an unsigned LEB128 value. Encodings that run past the range
// or overflow 64 bits are ErrOutOfBounds.
func (c *Cursor) ULEB128() (uint64, error) {
	v, n := varint.Uvarint(c.data[c.pos:])
	if n <= 0 {
		return 0, c.fail()
	}
	c.pos += n
	return v, nil
}

// SLEB128 reads a signed LEB128 value.
func (c *Cursor) SLEB128() (int64, error) {
	var (
		result int64
		shift  uint
	)
	for {
		b, err := c.Uint8()
		if err != nil {
			return 0, err
		}
		if shift < 64 {
			result |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
	}
}

// CString reads up to and including the next zero byte and returns the text
// before it. A missing terminator is ErrOutOfBounds and leaves the position
// at the end of the range.
func (c *Cursor) CString() (string, error) {
	rest := c.data[c.pos:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		c.pos = len(c.data)
		return "", c.fail()
	}
	c.pos += i + 1
	return string(rest[:i]), nil
}

// Seek moves to an absolute position within the range. pos == Len() is valid.
func (c *Cursor) Seek(pos uint64) error {
	if pos > uint64(len(c.data)) {
		return c.fail()
	}
	c.pos = int(pos)
	return nil
}

// Skip advances n bytes.
func (c *Cursor) Skip(n uint64) error {
	if n > math.MaxInt || !c.fits(int(n)) {
		return c.fail()
	}
	c.pos += int(n)
	return nil
}

// SkipClamped advances n bytes, stopping at the end of the range.
func (c *Cursor) SkipClamped(n uint64) {
	if n > uint64(c.Remaining()) {
		c.pos = len(c.data)
		return
	}
	c.pos += int(n)
}

// Sub returns a cursor over the next n bytes without moving c. The new cursor
// shares the bytes and byte order, and starts at address c.Address().
func (c *Cursor) Sub(n uint64) (*Cursor, error) {
	if n > math.MaxInt || !c.fits(int(n)) {
		return nil, c.fail()
	}
	end := c.pos + int(n)
	return &Cursor{
		data:  c.data[c.pos:end:end],
		order: c.order,
		base:  c.Address(),
	}, nil
}

// Bytes returns the whole range.
func (c *Cursor) Bytes() []byte { return c.data }

func (c *Cursor) Len() int       { return len(c.data) }
func (c *Cursor) Pos() int       { return c.pos }
func (c *Cursor) Remaining() int { return len(c.data) - c.pos }
func (c *Cursor) Base() uint64   { return c.base }

// Address is the absolute address of the current position.
func (c *Cursor) Address() uint64 { return c.base + uint64(c.pos) }

func (c *Cursor) Order() binary.ByteOrder { return c.order }

// Errored reports whether any operation on this cursor has failed.
func (c *Cursor) Errored() bool { return c.errored }
