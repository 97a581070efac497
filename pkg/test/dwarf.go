package test

import (
	"bytes"
	"encoding/binary"
)

// LineFile is one file_names entry of a line program header.
type LineFile struct {
	Name   string
	Dir    uint64
	MTime  uint64
	Length uint64
}

// LineProgram assembles a .debug_line unit. Zero values select the layout
// most compilers emit: version 4, opcode base 13, line base -5, line range 14.
type LineProgram struct {
	Order         binary.ByteOrder
	Version       uint16
	Dwarf64       bool
	AddressSize   uint8
	MinInstLength uint8
	MaxOpsPerInst uint8
	LineBase      int8
	LineRange     uint8
	OpcodeBase    uint8

	// StdOpcodeLengths overrides the standard operand counts.
	StdOpcodeLengths []uint8

	IncludeDirs []string
	Files       []LineFile

	// LineStrPaths stores version 5 paths in .debug_line_str.
	LineStrPaths bool

	Ops LineOps
}

func (lp LineProgram) withDefaults() LineProgram {
	if lp.Order == nil {
		lp.Order = binary.LittleEndian
	}
	if lp.Version == 0 {
		lp.Version = 4
	}
	if lp.AddressSize == 0 {
		lp.AddressSize = 8
	}
	if lp.MinInstLength == 0 {
		lp.MinInstLength = 1
	}
	if lp.MaxOpsPerInst == 0 {
		lp.MaxOpsPerInst = 1
	}
	if lp.LineBase == 0 {
		lp.LineBase = -5
	}
	if lp.LineRange == 0 {
		lp.LineRange = 14
	}
	if lp.OpcodeBase == 0 {
		lp.OpcodeBase = 13
	}
	if lp.StdOpcodeLengths == nil {
		std := []uint8{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}
		for len(std) < int(lp.OpcodeBase)-1 {
			std = append(std, 0)
		}
		lp.StdOpcodeLengths = std[:lp.OpcodeBase-1]
	}
	return lp
}

// Build returns the unit bytes and the .debug_line_str contents it refers to.
func (lp LineProgram) Build() (line []byte, lineStr []byte) {
	lp = lp.withDefaults()
	var strs bytes.Buffer

	var hdr bytes.Buffer
	hdr.WriteByte(lp.MinInstLength)
	if lp.Version >= 4 {
		hdr.WriteByte(lp.MaxOpsPerInst)
	}
	hdr.WriteByte(1) // default_is_stmt
	hdr.WriteByte(byte(lp.LineBase))
	hdr.WriteByte(lp.LineRange)
	hdr.WriteByte(lp.OpcodeBase)
	hdr.Write(lp.StdOpcodeLengths)

	if lp.Version >= 5 {
		pathForm := uint64(0x08) // DW_FORM_string
		if lp.LineStrPaths {
			pathForm = 0x1f // DW_FORM_line_strp
		}
		writePath := func(s string) {
			if !lp.LineStrPaths {
				hdr.WriteString(s)
				hdr.WriteByte(0)
				return
			}
			lp.writeOffset(&hdr, uint64(strs.Len()))
			strs.WriteString(s)
			strs.WriteByte(0)
		}
		// directories: path
		hdr.WriteByte(1)
		hdr.Write(ULEB128(0x1))
		hdr.Write(ULEB128(pathForm))
		hdr.Write(ULEB128(uint64(len(lp.IncludeDirs))))
		for _, d := range lp.IncludeDirs {
			writePath(d)
		}
		// files: path, directory_index, size, MD5
		hdr.WriteByte(4)
		for _, pair := range [][2]uint64{{0x1, pathForm}, {0x2, 0x0f}, {0x4, 0x06}, {0x5, 0x1e}} {
			hdr.Write(ULEB128(pair[0]))
			hdr.Write(ULEB128(pair[1]))
		}
		hdr.Write(ULEB128(uint64(len(lp.Files))))
		for _, f := range lp.Files {
			writePath(f.Name)
			hdr.Write(ULEB128(f.Dir))
			hdr.Write(u32(lp.Order, uint32(f.Length)))
			hdr.Write(make([]byte, 16))
		}
	} else {
		for _, d := range lp.IncludeDirs {
			hdr.WriteString(d)
			hdr.WriteByte(0)
		}
		hdr.WriteByte(0)
		for _, f := range lp.Files {
			hdr.WriteString(f.Name)
			hdr.WriteByte(0)
			hdr.Write(ULEB128(f.Dir))
			hdr.Write(ULEB128(f.MTime))
			hdr.Write(ULEB128(f.Length))
		}
		hdr.WriteByte(0)
	}

	var unit bytes.Buffer
	unit.Write(u16(lp.Order, lp.Version))
	if lp.Version >= 5 {
		unit.WriteByte(lp.AddressSize)
		unit.WriteByte(0)
	}
	lp.writeOffset(&unit, uint64(hdr.Len()))
	unit.Write(hdr.Bytes())
	unit.Write(lp.Ops)

	var out bytes.Buffer
	if lp.Dwarf64 {
		out.Write(u32(lp.Order, 0xffffffff))
		out.Write(u64(lp.Order, uint64(unit.Len())))
	} else {
		out.Write(u32(lp.Order, uint32(unit.Len())))
	}
	out.Write(unit.Bytes())
	return out.Bytes(), strs.Bytes()
}

func (lp LineProgram) writeOffset(b *bytes.Buffer, v uint64) {
	if lp.Dwarf64 {
		b.Write(u64(lp.Order, v))
		return
	}
	b.Write(u32(lp.Order, uint32(v)))
}

// LineOps assembles line number program opcodes.
type LineOps []byte

func (o LineOps) Copy() LineOps { return append(o, 0x01) }

func (o LineOps) AdvancePC(n uint64) LineOps {
	return append(append(o, 0x02), ULEB128(n)...)
}

func (o LineOps) AdvanceLine(n int64) LineOps {
	return append(append(o, 0x03), SLEB128(n)...)
}

func (o LineOps) SetFile(n uint64) LineOps {
	return append(append(o, 0x04), ULEB128(n)...)
}

func (o LineOps) SetColumn(n uint64) LineOps {
	return append(append(o, 0x05), ULEB128(n)...)
}

func (o LineOps) NegateStmt() LineOps { return append(o, 0x06) }

func (o LineOps) ConstAddPC() LineOps { return append(o, 0x08) }

func (o LineOps) FixedAdvancePC(n uint16, order binary.ByteOrder) LineOps {
	return append(append(o, 0x09), u16(order, n)...)
}

func (o LineOps) PrologueEnd() LineOps { return append(o, 0x0a) }

// Special appends a raw special opcode.
func (o LineOps) Special(op byte) LineOps { return append(o, op) }

// Extended appends an extended opcode with the given body.
func (o LineOps) Extended(sub byte, body []byte) LineOps {
	o = append(o, 0x00)
	o = append(o, ULEB128(uint64(len(body)+1))...)
	o = append(o, sub)
	return append(o, body...)
}

func (o LineOps) EndSequence() LineOps { return o.Extended(0x01, nil) }

func (o LineOps) SetAddress(addr uint64, size int, order binary.ByteOrder) LineOps {
	b := u64(order, addr)
	if order == binary.BigEndian {
		b = b[8-size:]
	} else {
		b = b[:size]
	}
	return o.Extended(0x02, b)
}

func (o LineOps) DefineFile(f LineFile) LineOps {
	var body []byte
	body = append(body, f.Name...)
	body = append(body, 0)
	body = append(body, ULEB128(f.Dir)...)
	body = append(body, ULEB128(f.MTime)...)
	body = append(body, ULEB128(f.Length)...)
	return o.Extended(0x03, body)
}

func ULEB128(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

func SLEB128(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func u16(order binary.ByteOrder, v uint16) []byte {
	b := make([]byte, 2)
	order.PutUint16(b, v)
	return b
}

func u32(order binary.ByteOrder, v uint32) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, v)
	return b
}

func u64(order binary.ByteOrder, v uint64) []byte {
	b := make([]byte, 8)
	order.PutUint64(b, v)
	return b
}
