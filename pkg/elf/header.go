package elf

import (
	"bytes"
	"debug/elf"

	"github.com/grafana/fonda/pkg/cursor"
	"github.com/grafana/fonda/pkg/errcode"
)

func (d *decoder) readHeader() (Header, error) {
	var h Header
	if !bytes.HasPrefix(d.data, []byte(elf.ELFMAG)) {
		return h, errcode.New(CodeBadMagic, "missing ELF magic")
	}
	if len(d.data) < elf.EI_NIDENT {
		return h, errcode.Wrap(CodeOutOfBounds, cursor.ErrOutOfBounds, "truncated ELF identification")
	}
	ident := d.data[:elf.EI_NIDENT]
	h.Class = elf.Class(ident[elf.EI_CLASS])
	h.Data = elf.Data(ident[elf.EI_DATA])
	h.OSABI = elf.OSABI(ident[elf.EI_OSABI])
	h.ABIVersion = ident[elf.EI_ABIVERSION]

	switch h.Class {
	case elf.ELFCLASS32, elf.ELFCLASS64:
	default:
		return h, errcode.New(CodeUnknownClass, "unknown ELF class %d", ident[elf.EI_CLASS])
	}
	switch h.Data {
	case elf.ELFDATA2LSB, elf.ELFDATA2MSB:
	default:
		return h, errcode.New(CodeUnknownClass, "unknown ELF data encoding %d", ident[elf.EI_DATA])
	}
	if v := elf.Version(ident[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return h, errcode.New(CodeUnsupportedVersion, "unsupported ELF identification version %d", v)
	}
	d.order = h.ByteOrder()
	d.is64 = h.Class == elf.ELFCLASS64

	// Reads past the end leave zero values and mark the cursor errored,
	// which is checked once all fields are read.
	c := cursor.New(d.data, d.order)
	_ = c.Seek(elf.EI_NIDENT)
	typ, _ := c.Uint16()
	machine, _ := c.Uint16()
	version, _ := c.Uint32()
	h.Type = elf.Type(typ)
	h.Machine = elf.Machine(machine)
	h.Version = elf.Version(version)
	h.Entry = d.word(c)
	h.PhOff = d.word(c)
	h.ShOff = d.word(c)
	h.Flags, _ = c.Uint32()
	h.EhSize, _ = c.Uint16()
	h.PhEntSize, _ = c.Uint16()
	h.PhNum, _ = c.Uint16()
	h.ShEntSize, _ = c.Uint16()
	h.ShNum, _ = c.Uint16()
	h.ShStrNdx, _ = c.Uint16()
	if c.Errored() {
		return h, errcode.Wrap(CodeOutOfBounds, cursor.ErrOutOfBounds, "truncated ELF header")
	}
	if h.Version != elf.EV_CURRENT {
		return h, errcode.New(CodeUnsupportedVersion, "unsupported ELF version %d", version)
	}
	return h, nil
}

// word reads an address sized field of the file's class.
func (d *decoder) word(c *cursor.Cursor) uint64 {
	if d.is64 {
		v, _ := c.Uint64()
		return v
	}
	v, _ := c.Uint32()
	return uint64(v)
}
