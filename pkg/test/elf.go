package test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
)

// ELFSection is a section added by ELFBuilder after the null section.
type ELFSection struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Link    uint32
	Info    uint32
	EntSize uint64
	Data    []byte

	// Compress stores Data zlib compressed behind an ELF compression header.
	Compress bool
}

type ELFSymbol struct {
	Name  string
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// ELFBuilder assembles a minimal relocatable ELF image in memory: header,
// section contents, then the section header table. Section 0 is the null
// section, user sections follow in order, then .symtab and .strtab when
// symbols are present, and .shstrtab last.
type ELFBuilder struct {
	Class    elf.Class
	Order    binary.ByteOrder
	Machine  elf.Machine
	Sections []ELFSection
	Symbols  []ELFSymbol

	// Dynamic writes Symbols to .dynsym and .dynstr instead of .symtab and
	// .strtab.
	Dynamic bool
}

// ELFImage is a built image and the layout needed to corrupt it in tests.
type ELFImage struct {
	Data      []byte
	ShOff     uint64
	ShEntSize int
	Index     map[string]int
}

// SectionHeader returns the bytes of the header of section i.
func (img *ELFImage) SectionHeader(i int) []byte {
	start := int(img.ShOff) + i*img.ShEntSize
	return img.Data[start : start+img.ShEntSize]
}

func (b ELFBuilder) is64() bool { return b.Class != elf.ELFCLASS32 }

func (b ELFBuilder) Build() *ELFImage {
	if b.Class == elf.ELFCLASSNONE {
		b.Class = elf.ELFCLASS64
	}
	if b.Order == nil {
		b.Order = binary.LittleEndian
	}
	if b.Machine == elf.EM_NONE {
		b.Machine = elf.EM_X86_64
	}
	sections := append([]ELFSection{{}}, b.Sections...)
	if len(b.Symbols) > 0 {
		symtab := len(sections)
		strtab, symData := b.symbols()
		entSize := uint64(24)
		if !b.is64() {
			entSize = 16
		}
		symName, strName, typ := ".symtab", ".strtab", elf.SHT_SYMTAB
		if b.Dynamic {
			symName, strName, typ = ".dynsym", ".dynstr", elf.SHT_DYNSYM
		}
		sections = append(sections,
			ELFSection{Name: symName, Type: typ, Link: uint32(symtab + 1), Info: 1, EntSize: entSize, Data: symData},
			ELFSection{Name: strName, Type: elf.SHT_STRTAB, Data: strtab},
		)
	}
	shstrndx := len(sections)
	sections = append(sections, ELFSection{Name: ".shstrtab", Type: elf.SHT_STRTAB})

	var shstr bytes.Buffer
	shstr.WriteByte(0)
	nameOffsets := make([]uint32, len(sections))
	for i, s := range sections {
		if i == 0 {
			continue
		}
		nameOffsets[i] = uint32(shstr.Len())
		shstr.WriteString(s.Name)
		shstr.WriteByte(0)
	}
	sections[shstrndx].Data = shstr.Bytes()

	ehsize, shentsize := 64, 64
	if !b.is64() {
		ehsize, shentsize = 52, 40
	}

	var body bytes.Buffer
	body.Write(make([]byte, ehsize))
	offsets := make([]uint64, len(sections))
	sizes := make([]uint64, len(sections))
	flags := make([]elf.SectionFlag, len(sections))
	index := map[string]int{}
	for i, s := range sections {
		flags[i] = s.Flags
		if i == 0 {
			continue
		}
		index[s.Name] = i
		data := s.Data
		if s.Compress {
			data = b.compress(data)
			flags[i] |= elf.SHF_COMPRESSED
		}
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		offsets[i] = uint64(body.Len())
		sizes[i] = uint64(len(data))
		body.Write(data)
	}
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := uint64(body.Len())
	for i, s := range sections {
		sh := make([]byte, shentsize)
		o := b.Order
		o.PutUint32(sh[0:], nameOffsets[i])
		o.PutUint32(sh[4:], uint32(s.Type))
		if b.is64() {
			o.PutUint64(sh[8:], uint64(flags[i]))
			o.PutUint64(sh[16:], s.Addr)
			o.PutUint64(sh[24:], offsets[i])
			o.PutUint64(sh[32:], sizes[i])
			o.PutUint32(sh[40:], s.Link)
			o.PutUint32(sh[44:], s.Info)
			o.PutUint64(sh[48:], 1)
			o.PutUint64(sh[56:], s.EntSize)
		} else {
			o.PutUint32(sh[8:], uint32(flags[i]))
			o.PutUint32(sh[12:], uint32(s.Addr))
			o.PutUint32(sh[16:], uint32(offsets[i]))
			o.PutUint32(sh[20:], uint32(sizes[i]))
			o.PutUint32(sh[24:], s.Link)
			o.PutUint32(sh[28:], s.Info)
			o.PutUint32(sh[32:], 1)
			o.PutUint32(sh[36:], uint32(s.EntSize))
		}
		body.Write(sh)
	}

	data := body.Bytes()
	b.header(data[:ehsize], shoff, shentsize, len(sections), shstrndx)
	return &ELFImage{Data: data, ShOff: shoff, ShEntSize: shentsize, Index: index}
}

func (b ELFBuilder) header(h []byte, shoff uint64, shentsize, shnum, shstrndx int) {
	copy(h, elf.ELFMAG)
	h[elf.EI_CLASS] = byte(b.Class)
	if b.Order == binary.BigEndian {
		h[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	} else {
		h[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	}
	h[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	o := b.Order
	o.PutUint16(h[16:], uint16(elf.ET_REL))
	o.PutUint16(h[18:], uint16(b.Machine))
	o.PutUint32(h[20:], uint32(elf.EV_CURRENT))
	if b.is64() {
		o.PutUint64(h[40:], shoff)
		o.PutUint16(h[52:], 64)
		o.PutUint16(h[58:], uint16(shentsize))
		o.PutUint16(h[60:], uint16(shnum))
		o.PutUint16(h[62:], uint16(shstrndx))
	} else {
		o.PutUint32(h[32:], uint32(shoff))
		o.PutUint16(h[40:], 52)
		o.PutUint16(h[46:], uint16(shentsize))
		o.PutUint16(h[48:], uint16(shnum))
		o.PutUint16(h[50:], uint16(shstrndx))
	}
}

func (b ELFBuilder) symbols() (strtab []byte, symtab []byte) {
	var strs, syms bytes.Buffer
	strs.WriteByte(0)
	entSize := 24
	if !b.is64() {
		entSize = 16
	}
	syms.Write(make([]byte, entSize))
	o := b.Order
	for _, s := range b.Symbols {
		name := uint32(strs.Len())
		strs.WriteString(s.Name)
		strs.WriteByte(0)
		e := make([]byte, entSize)
		o.PutUint32(e[0:], name)
		if b.is64() {
			e[4] = s.Info
			e[5] = s.Other
			o.PutUint16(e[6:], s.Shndx)
			o.PutUint64(e[8:], s.Value)
			o.PutUint64(e[16:], s.Size)
		} else {
			o.PutUint32(e[4:], uint32(s.Value))
			o.PutUint32(e[8:], uint32(s.Size))
			e[12] = s.Info
			e[13] = s.Other
			o.PutUint16(e[14:], s.Shndx)
		}
		syms.Write(e)
	}
	return strs.Bytes(), syms.Bytes()
}

func (b ELFBuilder) compress(data []byte) []byte {
	var out bytes.Buffer
	o := b.Order
	if b.is64() {
		hdr := make([]byte, 24)
		o.PutUint32(hdr[0:], uint32(elf.COMPRESS_ZLIB))
		o.PutUint64(hdr[8:], uint64(len(data)))
		o.PutUint64(hdr[16:], 1)
		out.Write(hdr)
	} else {
		hdr := make([]byte, 12)
		o.PutUint32(hdr[0:], uint32(elf.COMPRESS_ZLIB))
		o.PutUint32(hdr[4:], uint32(len(data)))
		o.PutUint32(hdr[8:], 1)
		out.Write(hdr)
	}
	zw := zlib.NewWriter(&out)
	_, _ = zw.Write(data)
	_ = zw.Close()
	return out.Bytes()
}
