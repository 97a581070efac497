// Package tos decodes Atari TOS executables: the program header, the DRI
// symbol table, the relocation chain and the debug hunks that follow it.
//
// Line information comes from LINE hunks, holding plain (line, pc) records,
// and HCLN hunks, holding prefix compressed deltas. All of it is collected
// into a single compilation unit.
package tos

import (
	"bytes"
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/fonda/pkg/cursor"
	"github.com/grafana/fonda/pkg/errcode"
	"github.com/grafana/fonda/pkg/lineinfo"
)

// Header is the TOS program header.
type Header struct {
	Branch   uint16
	TextLen  uint32
	DataLen  uint32
	BSSLen   uint32
	SymLen   uint32
	Reserved uint32
	Flags    uint32
	AbsFlag  uint16 // 0 when relocation information is present
}

// Hunk describes a debug hunk that was decoded.
type Hunk struct {
	FileOffset uint64 // of the hunk marker
	Length     uint32 // in bytes, excluding marker and length
	PCOffset   uint32
	Type       HunkType
}

type Symbol struct {
	Name  string
	Type  uint16
	Value uint32
}

// Section names the segment a symbol's value is relative to.
func (s Symbol) Section() string {
	switch {
	case s.Type&SymbolText != 0:
		return "TEXT"
	case s.Type&SymbolData != 0:
		return "DATA"
	case s.Type&SymbolBSS != 0:
		return "BSS"
	case s.Type&SymbolEquated != 0:
		return "ABS"
	case s.Type&SymbolExternal != 0:
		return "UNDEF"
	}
	return ""
}

type Result struct {
	Header      Header
	Units       []lineinfo.CompilationUnit
	Hunks       []Hunk
	Symbols     []Symbol
	Relocations int  // number of fixups in the relocation chain
	DebugHeader bool // a HEAD hunk was found
}

type decoder struct {
	opts   options
	logger log.Logger
	res    *Result
	b      *lineinfo.Builder
}

// Decode decodes the TOS executable in data.
//
// Errors in the header or segment lengths return a nil Result. Once the
// debug hunks are reached the Result is always returned, holding the line
// information decoded before any error.
func Decode(data []byte, opts ...Option) (*Result, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &decoder{opts: o, logger: o.logger, res: &Result{}}

	c := cursor.New(data, binary.BigEndian)
	if err := d.readHeader(c); err != nil {
		return nil, err
	}
	h := d.res.Header
	for _, seg := range []struct {
		name string
		size uint32
	}{
		{"text", h.TextLen},
		{"data", h.DataLen},
	} {
		if err := c.Skip(uint64(seg.size)); err != nil {
			return nil, errcode.Wrap(CodeSectionOverflow, err, "%s segment of %d bytes exceeds the %d remaining", seg.name, seg.size, c.Remaining())
		}
	}
	syms, err := c.Sub(uint64(h.SymLen))
	if err != nil {
		return nil, errcode.Wrap(CodeSectionOverflow, err, "symbol table of %d bytes exceeds the %d remaining", h.SymLen, c.Remaining())
	}
	_ = c.Skip(uint64(h.SymLen))
	if o.symbols {
		d.res.Symbols = readSymbols(syms)
	}

	reloc, _ := c.Sub(uint64(c.Remaining()))
	d.b = lineinfo.NewBuilder()
	d.b.AddDir(".")
	err = d.readReloc(reloc)
	d.res.Units = []lineinfo.CompilationUnit{d.b.Unit()}

	level.Debug(d.logger).Log(
		"msg", "decoded TOS",
		"symbols", len(d.res.Symbols),
		"relocations", d.res.Relocations,
		"hunks", len(d.res.Hunks),
		"debug_header", d.res.DebugHeader,
		"files", len(d.res.Units[0].Files),
		"points", len(d.res.Units[0].Points),
	)
	return d.res, err
}

func (d *decoder) readHeader(c *cursor.Cursor) error {
	h := &d.res.Header
	h.Branch, _ = c.Uint16()
	h.TextLen, _ = c.Uint32()
	h.DataLen, _ = c.Uint32()
	h.BSSLen, _ = c.Uint32()
	h.SymLen, _ = c.Uint32()
	h.Reserved, _ = c.Uint32()
	h.Flags, _ = c.Uint32()
	h.AbsFlag, _ = c.Uint16()
	if c.Errored() {
		return errcode.Wrap(CodeReadEOF, cursor.ErrOutOfBounds, "program header needs %d bytes, have %d", HeaderSize, c.Len())
	}
	if h.Branch != Magic {
		return errcode.New(CodeHeaderMagic, "program header starts with 0x%04x, not 0x%04x", h.Branch, Magic)
	}
	return nil
}

// readSymbols decodes DRI symbol records. A trailing partial record is
// ignored.
func readSymbols(c *cursor.Cursor) []Symbol {
	var syms []Symbol
	for c.Remaining() >= symbolRecordSize {
		name, _ := c.Read(symbolNameSize)
		typ, _ := c.Uint16()
		value, _ := c.Uint32()
		s := Symbol{Name: trimName(name), Type: typ, Value: value}
		if typ&0xff == symbolExtended {
			ext, err := c.Read(symbolRecordSize)
			if err != nil {
				break
			}
			s.Name += trimName(ext)
		}
		syms = append(syms, s)
	}
	return syms
}

func trimName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// readReloc walks the relocation chain and then the debug hunks behind it.
func (d *decoder) readReloc(c *cursor.Cursor) error {
	addr, err := c.Uint32()
	if err != nil {
		return errcode.Wrap(CodeReadEOF, err, "relocation base")
	}
	if addr != 0 {
		d.res.Relocations = 1
		for {
			off, err := c.Uint8()
			if err != nil {
				return errcode.Wrap(CodeReadEOF, err, "unterminated relocation chain after 0x%x", addr)
			}
			if off == 0 {
				break
			}
			if off == relocSkip {
				addr += relocStep
				continue
			}
			addr += uint32(off)
			d.res.Relocations++
		}
		level.Debug(d.logger).Log("msg", "read relocation chain", "fixups", d.res.Relocations, "last", addr)
	}
	if c.Pos()&1 != 0 {
		c.SkipClamped(1)
	}
	return d.readHunks(c)
}
