package test

import (
	"bytes"
	"encoding/binary"
)

var be = binary.BigEndian

// Hunk type tags.
const (
	HunkHEAD = 0x48454144
	HunkLINE = 0x4c494e45
	HunkHCLN = 0x48434c4e
)

// TOSHunk is one debug hunk. Length, when non-zero, overrides the length in
// longwords written to the hunk header.
type TOSHunk struct {
	PCOffset uint32
	Type     uint32
	Body     []byte
	Length   uint32
}

// DRISymbol is a symbol table record. Names longer than 8 bytes are written
// as a GST extended record pair.
type DRISymbol struct {
	Name  string
	Type  uint16
	Value uint32
}

// TOSBuilder assembles a TOS executable: header, text, data, symbols,
// relocation chain and debug hunks.
type TOSBuilder struct {
	Magic   uint16 // 0x601A when zero
	Text    []byte
	Data    []byte
	BSSLen  uint32
	Flags   uint32
	Symbols []DRISymbol

	// RawSymbols replaces the encoded Symbols.
	RawSymbols []byte

	// RelocBase starts the relocation chain; zero means no relocations.
	RelocBase  uint32
	RelocDelta []byte // offsets, without the terminating zero

	Hunks []TOSHunk

	// Trailer is appended after the last hunk.
	Trailer []byte

	// Header length overrides, used when non-zero.
	TextLen, DataLen, SymLen uint32
}

func (b TOSBuilder) Build() []byte {
	magic := b.Magic
	if magic == 0 {
		magic = 0x601a
	}
	syms := b.RawSymbols
	if syms == nil {
		syms = EncodeDRISymbols(b.Symbols)
	}
	textLen, dataLen, symLen := uint32(len(b.Text)), uint32(len(b.Data)), uint32(len(syms))
	if b.TextLen != 0 {
		textLen = b.TextLen
	}
	if b.DataLen != 0 {
		dataLen = b.DataLen
	}
	if b.SymLen != 0 {
		symLen = b.SymLen
	}

	var out bytes.Buffer
	out.Write(u16(be, magic))
	out.Write(u32(be, textLen))
	out.Write(u32(be, dataLen))
	out.Write(u32(be, b.BSSLen))
	out.Write(u32(be, symLen))
	out.Write(u32(be, 0))
	out.Write(u32(be, b.Flags))
	out.Write(u16(be, 0))
	out.Write(b.Text)
	out.Write(b.Data)
	out.Write(syms)

	relocStart := out.Len()
	out.Write(u32(be, b.RelocBase))
	if b.RelocBase != 0 {
		out.Write(b.RelocDelta)
		out.WriteByte(0)
	}
	if (out.Len()-relocStart)%2 != 0 {
		out.WriteByte(0)
	}
	for _, h := range b.Hunks {
		out.Write(h.Encode())
	}
	out.Write(b.Trailer)
	return out.Bytes()
}

// Encode returns the hunk with its marker and length. The body is padded to
// a whole number of longwords.
func (h TOSHunk) Encode() []byte {
	body := append(u32(be, h.PCOffset), u32(be, h.Type)...)
	body = append(body, h.Body...)
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	length := h.Length
	if length == 0 {
		length = uint32(len(body) / 4)
	}
	out := append(u32(be, 0x3f1), u32(be, length)...)
	return append(out, body...)
}

// LineRecord is a (line, pc) pair of a LINE or HCLN hunk.
type LineRecord struct {
	Line uint32
	PC   uint32
}

// tosName encodes a file name padded with zeros to a longword boundary,
// preceded by its length in longwords.
func tosName(name string) []byte {
	n := []byte(name)
	for len(n)%4 != 0 {
		n = append(n, 0)
	}
	return append(u32(be, uint32(len(n)/4)), n...)
}

// LineHunkBody is the payload of a LINE hunk.
func LineHunkBody(name string, recs ...LineRecord) []byte {
	out := tosName(name)
	for _, r := range recs {
		out = append(out, u32(be, r.Line)...)
		out = append(out, u32(be, r.PC)...)
	}
	return out
}

// HCLNHunkBody is the payload of an HCLN hunk holding deltas.
func HCLNHunkBody(name string, deltas ...LineRecord) []byte {
	out := tosName(name)
	out = append(out, u32(be, uint32(len(deltas)))...)
	for _, d := range deltas {
		out = append(out, EncodeHCLN(d.Line)...)
		out = append(out, EncodeHCLN(d.PC)...)
	}
	return out
}

// EncodeHCLN encodes v in the shortest prefix form. Zero needs the long form.
func EncodeHCLN(v uint32) []byte {
	switch {
	case v != 0 && v <= 0xff:
		return []byte{byte(v)}
	case v != 0 && v <= 0xffff:
		return append([]byte{0}, u16(be, uint16(v))...)
	}
	return append([]byte{0, 0, 0}, u32(be, v)...)
}

// EncodeDRISymbols encodes symbols as 14-byte records.
func EncodeDRISymbols(syms []DRISymbol) []byte {
	var out []byte
	for _, s := range syms {
		name := []byte(s.Name)
		typ := s.Type
		if len(name) > 8 {
			typ |= 0x0048
		}
		first := make([]byte, 8)
		copy(first, name)
		out = append(out, first...)
		out = append(out, u16(be, typ)...)
		out = append(out, u32(be, s.Value)...)
		if len(name) > 8 {
			ext := make([]byte, 14)
			copy(ext, name[8:])
			out = append(out, ext...)
		}
	}
	return out
}
