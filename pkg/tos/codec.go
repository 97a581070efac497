package tos

import "github.com/grafana/fonda/pkg/cursor"

// ReadCompressed reads one value of the HCLN prefix code: a non-zero byte is
// the value, a zero byte is followed by a word that is the value when
// non-zero, and a zero word is followed by the value as a long.
// Zero is only representable in the long form.
func ReadCompressed(c *cursor.Cursor) (uint32, error) {
	b, err := c.Uint8()
	if err != nil || b != 0 {
		return uint32(b), err
	}
	w, err := c.Uint16()
	if err != nil || w != 0 {
		return uint32(w), err
	}
	return c.Uint32()
}
