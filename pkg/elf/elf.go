// Package elf extracts sections, symbols and DWARF line tables from ELF
// images held in memory.
//
// Unlike debug/elf, decoding never stops at the first inconsistency past the
// section header table: problems with individual sections, names or symbol
// tables are collected and returned together with everything that could
// still be decoded.
package elf

import (
	"debug/elf"
	"encoding/binary"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"github.com/grafana/fonda/pkg/lineinfo"
)

// Header is the ELF file header.
type Header struct {
	Class      elf.Class
	Data       elf.Data
	OSABI      elf.OSABI
	ABIVersion uint8
	Type       elf.Type
	Machine    elf.Machine
	Version    elf.Version
	Entry      uint64
	PhOff      uint64
	ShOff      uint64
	Flags      uint32
	EhSize     uint16
	PhEntSize  uint16
	PhNum      uint16
	ShEntSize  uint16
	ShNum      uint16 // 0 when the count lives in section 0
	ShStrNdx   uint16 // SHN_XINDEX when the index lives in section 0
}

func (h Header) ByteOrder() binary.ByteOrder {
	if h.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

type Section struct {
	ID         int // index in the section header table
	Name       string
	NameOffset uint32
	Type       elf.SectionType
	Flags      elf.SectionFlag
	Addr       uint64
	Offset     uint64
	Size       uint64
	Link       uint32
	Info       uint32
	AddrAlign  uint64
	EntSize    uint64
}

type Symbol struct {
	NameOffset   uint32
	Info         uint8
	Other        uint8
	SectionIndex uint16
	Value        uint64
	Size         uint64

	Name        string
	SectionType string // section name or a label for reserved indexes
	Table       string // name of the symbol table section
}

func (s Symbol) Bind() elf.SymBind      { return elf.ST_BIND(s.Info) }
func (s Symbol) Type() elf.SymType      { return elf.ST_TYPE(s.Info) }
func (s Symbol) Visibility() elf.SymVis { return elf.ST_VISIBILITY(s.Other) }

type Result struct {
	Header   Header
	Sections []Section
	Units    []lineinfo.CompilationUnit
	Symbols  []Symbol
}

// Section returns the first section named name.
func (r *Result) Section(name string) *Section {
	for i := range r.Sections {
		if r.Sections[i].Name == name {
			return &r.Sections[i]
		}
	}
	return nil
}

type decoder struct {
	data   []byte
	order  binary.ByteOrder
	is64   bool
	opts   options
	logger log.Logger

	errs     *multierror.Error
	problems int
}

// fail records a problem that does not stop decoding.
func (d *decoder) fail(err error) {
	level.Debug(d.logger).Log("msg", "ELF decode problem", "err", err)
	d.errs = multierror.Append(d.errs, err)
	d.problems++
}

// Decode decodes the ELF image in data.
//
// A nil Result is returned only when the file header or the section header
// table cannot be read. Otherwise the Result holds everything decoded and the
// error, if any, aggregates every problem found along the way, including a
// failed line program.
func Decode(data []byte, opts ...Option) (*Result, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &decoder{data: data, opts: o, logger: o.logger}

	hdr, err := d.readHeader()
	if err != nil {
		return nil, err
	}
	res := &Result{Header: hdr}

	var strndx uint32
	if res.Sections, strndx, err = d.readSections(hdr); err != nil {
		return nil, err
	}
	d.nameSections(res.Sections, strndx)
	d.readSymbols(res)
	if o.lineInfo {
		d.readLineInfo(res)
	}

	level.Debug(d.logger).Log(
		"msg", "decoded ELF",
		"class", hdr.Class,
		"machine", hdr.Machine,
		"sections", len(res.Sections),
		"symbols", len(res.Symbols),
		"units", len(res.Units),
		"problems", d.problems,
	)
	return res, d.errs.ErrorOrNil()
}
