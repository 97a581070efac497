package elf

import (
	"bytes"
	"debug/elf"
	"io"
	"math"

	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/grafana/fonda/pkg/cursor"
	"github.com/grafana/fonda/pkg/dwarfline"
	"github.com/grafana/fonda/pkg/errcode"
)

// readSections reads the section header table and returns the sections with
// the resolved index of the section name table.
func (d *decoder) readSections(h Header) ([]Section, uint32, error) {
	if h.ShOff == 0 {
		return nil, uint32(elf.SHN_UNDEF), nil
	}
	recSize := shdrSize32
	if d.is64 {
		recSize = shdrSize64
	}
	if int(h.ShEntSize) < recSize {
		return nil, 0, errcode.New(CodeOutOfBounds, "section header size %d smaller than %d", h.ShEntSize, recSize)
	}

	first, err := d.sectionHeader(h, 0)
	if err != nil {
		return nil, 0, err
	}
	count := uint64(h.ShNum)
	if count == 0 {
		count = first.Size
	}
	strndx := uint32(h.ShStrNdx)
	if strndx == shnXIndex {
		strndx = first.Link
	}
	if count == 0 {
		return nil, uint32(elf.SHN_UNDEF), nil
	}
	if count > uint64(d.opts.maxSections) {
		return nil, 0, errcode.New(CodeOutOfBounds, "%d sections exceed the limit of %d", count, d.opts.maxSections)
	}
	size := uint64(len(d.data))
	if h.ShOff > size || count*uint64(h.ShEntSize) > size-h.ShOff {
		return nil, 0, errcode.New(CodeOutOfBounds, "section header table at 0x%x with %d entries of %d bytes exceeds file size %d",
			h.ShOff, count, h.ShEntSize, size)
	}

	sections := make([]Section, 0, count)
	sections = append(sections, first)
	for i := uint64(1); i < count; i++ {
		s, err := d.sectionHeader(h, i)
		if err != nil {
			return nil, 0, err
		}
		sections = append(sections, s)
	}
	level.Debug(d.logger).Log("msg", "read section headers", "sections", count, "shstrndx", strndx)
	return sections, strndx, nil
}

func (d *decoder) sectionHeader(h Header, i uint64) (Section, error) {
	s := Section{ID: int(i)}
	c := cursor.New(d.data, d.order)
	if err := c.Seek(h.ShOff + i*uint64(h.ShEntSize)); err != nil {
		return s, errcode.Wrap(CodeOutOfBounds, err, "section header %d", i)
	}
	s.NameOffset, _ = c.Uint32()
	typ, _ := c.Uint32()
	s.Type = elf.SectionType(typ)
	s.Flags = elf.SectionFlag(d.word(c))
	s.Addr = d.word(c)
	s.Offset = d.word(c)
	s.Size = d.word(c)
	s.Link, _ = c.Uint32()
	s.Info, _ = c.Uint32()
	s.AddrAlign = d.word(c)
	s.EntSize = d.word(c)
	if c.Errored() {
		return s, errcode.Wrap(CodeOutOfBounds, cursor.ErrOutOfBounds, "section header %d", i)
	}
	return s, nil
}

// nameSections resolves section names from the section name table. A name
// that cannot be resolved stays empty.
func (d *decoder) nameSections(sections []Section, strndx uint32) {
	if len(sections) == 0 || strndx == uint32(elf.SHN_UNDEF) {
		return
	}
	var (
		strtab []byte
		err    error
	)
	if strndx >= uint32(len(sections)) {
		err = errcode.New(CodeInvalidSection, "section name table index %d out of range", strndx)
	} else {
		strtab, err = d.sectionBytes(&sections[strndx])
	}
	for i := range sections {
		s := &sections[i]
		if err != nil {
			d.fail(errcode.Wrap(CodeInvalidSection, err, "name of section %d", s.ID))
			continue
		}
		name, nerr := d.stringAt(strtab, s.NameOffset)
		if nerr != nil {
			d.fail(errcode.Wrap(CodeInvalidSection, nerr, "name offset 0x%x of section %d", s.NameOffset, s.ID))
			continue
		}
		s.Name = name
	}
}

func (d *decoder) stringAt(table []byte, off uint32) (string, error) {
	c := cursor.New(table, d.order)
	if err := c.Seek(uint64(off)); err != nil {
		return "", err
	}
	return c.CString()
}

// sectionBytes returns the contents of s as stored in the file.
func (d *decoder) sectionBytes(s *Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	size := uint64(len(d.data))
	if s.Offset > size || s.Size > size-s.Offset {
		return nil, errcode.Wrap(CodeOutOfBounds, cursor.ErrOutOfBounds, "section %d at 0x%x with %d bytes exceeds file size %d",
			s.ID, s.Offset, s.Size, size)
	}
	return d.data[s.Offset : s.Offset+s.Size], nil
}

// sectionData returns the contents of s, inflated if it is compressed.
func (d *decoder) sectionData(s *Section) ([]byte, error) {
	raw, err := d.sectionBytes(s)
	if err != nil || s.Flags&elf.SHF_COMPRESSED == 0 {
		return raw, err
	}
	return d.decompress(s, raw)
}

// decompress inflates a section behind an ELF compression header. The size
// declared by the header caps the output.
func (d *decoder) decompress(s *Section, raw []byte) ([]byte, error) {
	c := cursor.New(raw, d.order)
	typ, _ := c.Uint32()
	var size uint64
	if d.is64 {
		_, _ = c.Uint32() // ch_reserved
		size, _ = c.Uint64()
		_, _ = c.Uint64()
	} else {
		v, _ := c.Uint32()
		size = uint64(v)
		_, _ = c.Uint32()
	}
	if c.Errored() {
		return nil, errcode.Wrap(CodeInvalidSection, cursor.ErrOutOfBounds, "compression header of section %q", s.Name)
	}
	body := bytes.NewReader(raw[c.Pos():])

	var r io.Reader
	switch ct := elf.CompressionType(typ); ct {
	case elf.COMPRESS_ZLIB:
		zr, err := zlib.NewReader(body)
		if err != nil {
			return nil, errcode.Wrap(CodeInvalidSection, err, "section %q", s.Name)
		}
		defer zr.Close()
		r = zr
	case elf.COMPRESS_ZSTD:
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, errcode.Wrap(CodeInvalidSection, err, "section %q", s.Name)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, errcode.New(CodeInvalidSection, "section %q uses unsupported compression %v", s.Name, ct)
	}

	limit := int64(math.MaxInt64)
	if size < math.MaxInt64 {
		limit = int64(size) + 1
	}
	var out bytes.Buffer
	n, err := out.ReadFrom(io.LimitReader(r, limit))
	if err != nil {
		return nil, errcode.Wrap(CodeInvalidSection, err, "inflating section %q", s.Name)
	}
	if uint64(n) != size {
		return nil, errcode.New(CodeInvalidSection, "section %q inflated to %d bytes, header declares %d", s.Name, n, size)
	}
	level.Debug(d.logger).Log("msg", "inflated section", "section", s.Name, "compressed", len(raw), "size", size)
	return out.Bytes(), nil
}

// readLineInfo decodes every .debug_line section. Units decoded before a
// failing line program are kept.
func (d *decoder) readLineInfo(res *Result) {
	var sec dwarfline.Sections
	for _, str := range []struct {
		name string
		dst  *[]byte
	}{
		{sectionDebugStr, &sec.Str},
		{sectionDebugLineStr, &sec.LineStr},
	} {
		s := res.Section(str.name)
		if s == nil {
			continue
		}
		data, err := d.sectionData(s)
		if err != nil {
			d.fail(err)
			continue
		}
		*str.dst = data
	}

	for i := range res.Sections {
		s := &res.Sections[i]
		if s.Name != sectionDebugLine {
			continue
		}
		data, err := d.sectionData(s)
		if err != nil {
			d.fail(err)
			continue
		}
		sec.Line = data
		units, err := dwarfline.Decode(sec, d.order, dwarfline.WithLogger(d.logger))
		res.Units = append(res.Units, units...)
		if err != nil {
			d.fail(errcode.Wrap(codeOf(err), err, "line program in section %d", s.ID))
		}
	}
}

// codeOf returns the code carried by err, or DebugLineParse.
func codeOf(err error) errcode.Code {
	if code, ok := errcode.Of(err); ok {
		return code
	}
	return CodeDebugLineParse
}
