package elf

import (
	"debug/elf"

	"github.com/go-kit/log/level"

	"github.com/grafana/fonda/pkg/cursor"
	"github.com/grafana/fonda/pkg/errcode"
)

func (d *decoder) readSymbols(res *Result) {
	for i := range res.Sections {
		s := &res.Sections[i]
		switch {
		case s.Type == elf.SHT_SYMTAB:
		case s.Type == elf.SHT_DYNSYM && d.opts.dynamic:
		default:
			continue
		}
		syms, err := d.readSymbolTable(res.Sections, s)
		if err != nil {
			d.fail(err)
			continue
		}
		level.Debug(d.logger).Log("msg", "read symbol table", "section", s.Name, "symbols", len(syms))
		res.Symbols = append(res.Symbols, syms...)
	}
}

// readSymbolTable reads the fixed size records of a symbol table, skipping
// the null symbol at index 0.
func (d *decoder) readSymbolTable(sections []Section, table *Section) ([]Symbol, error) {
	if table.Link == uint32(elf.SHN_UNDEF) || table.Link >= uint32(len(sections)) {
		return nil, errcode.New(CodeInvalidSection, "symbol table %d links to invalid string table %d", table.ID, table.Link)
	}
	strtab, err := d.sectionBytes(&sections[table.Link])
	if err != nil {
		return nil, errcode.Wrap(CodeInvalidSection, err, "string table of symbol table %d", table.ID)
	}
	data, err := d.sectionBytes(table)
	if err != nil {
		return nil, errcode.Wrap(CodeInvalidSection, err, "symbol table %d", table.ID)
	}

	size := symSize32
	if d.is64 {
		size = symSize64
	}
	n := len(data) / size
	if n <= 1 {
		return nil, nil
	}
	syms := make([]Symbol, 0, n-1)
	c := cursor.New(data, d.order)
	for i := 1; i < n; i++ {
		_ = c.Seek(uint64(i * size))
		sym := Symbol{Table: table.Name}
		sym.NameOffset, _ = c.Uint32()
		if d.is64 {
			sym.Info, _ = c.Uint8()
			sym.Other, _ = c.Uint8()
			sym.SectionIndex, _ = c.Uint16()
			sym.Value, _ = c.Uint64()
			sym.Size, _ = c.Uint64()
		} else {
			v, _ := c.Uint32()
			sz, _ := c.Uint32()
			sym.Value, sym.Size = uint64(v), uint64(sz)
			sym.Info, _ = c.Uint8()
			sym.Other, _ = c.Uint8()
			sym.SectionIndex, _ = c.Uint16()
		}
		name, err := d.stringAt(strtab, sym.NameOffset)
		if err != nil {
			d.fail(errcode.Wrap(CodeInvalidSection, err, "name offset 0x%x of symbol %d in table %d", sym.NameOffset, i, table.ID))
		}
		sym.Name = name
		sym.SectionType = sectionLabel(sections, sym.SectionIndex)
		syms = append(syms, sym)
	}
	return syms, nil
}

// sectionLabel names the section a symbol is defined in. Reserved indexes
// get a label of their own.
func sectionLabel(sections []Section, idx uint16) string {
	switch {
	case idx == uint16(elf.SHN_UNDEF):
		return "UNDEF"
	case idx == shnAbs:
		return "ABS"
	case idx == shnCommon:
		return "COMMON"
	case idx == shnXIndex:
		return "XINDEX"
	case idx >= shnLoProc && idx <= shnHiProc:
		return "PROC"
	case idx >= shnLoOS && idx <= shnHiOS:
		return "OS"
	case idx >= shnLoReserve:
		return "RESERVED"
	case int(idx) < len(sections):
		return sections[idx].Name
	}
	return "INVALID"
}
