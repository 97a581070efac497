package elf

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/fonda/pkg/errcode"
	"github.com/grafana/fonda/pkg/lineinfo"
	"github.com/grafana/fonda/pkg/test"
)

func lineProgram(order binary.ByteOrder, addrSize int) []byte {
	line, _ := test.LineProgram{
		Order:       order,
		IncludeDirs: []string{"/src"},
		Files:       []test.LineFile{{Name: "main.c", Dir: 1}},
		Ops: test.LineOps{}.
			SetAddress(0x1000, addrSize, order).
			Copy().
			AdvanceLine(4).
			AdvancePC(8).
			Copy().
			EndSequence(),
	}.Build()
	return line
}

func testImage(class elf.Class, order binary.ByteOrder) test.ELFBuilder {
	addrSize := 8
	if class == elf.ELFCLASS32 {
		addrSize = 4
	}
	return test.ELFBuilder{
		Class: class,
		Order: order,
		Sections: []test.ELFSection{
			{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1000, Data: make([]byte, 16)},
			{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: 0x2000},
			{Name: ".debug_line", Type: elf.SHT_PROGBITS, Data: lineProgram(order, addrSize)},
		},
		Symbols: []test.ELFSymbol{
			{Name: "main", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1, Value: 0x1000, Size: 16},
			{Name: "counter", Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_OBJECT), Shndx: 2, Value: 0x2000, Size: 4},
			{Name: "version", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE), Shndx: uint16(elf.SHN_ABS), Value: 3},
			{Name: "puts", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)},
		},
	}
}

func sectionNames(res *Result) []string {
	names := make([]string, 0, len(res.Sections))
	for _, s := range res.Sections {
		names = append(names, s.Name)
	}
	return names
}

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		name  string
		class elf.Class
		order binary.ByteOrder
	}{
		{"64-bit little endian", elf.ELFCLASS64, binary.LittleEndian},
		{"64-bit big endian", elf.ELFCLASS64, binary.BigEndian},
		{"32-bit little endian", elf.ELFCLASS32, binary.LittleEndian},
		{"32-bit big endian", elf.ELFCLASS32, binary.BigEndian},
	} {
		t.Run(tc.name, func(t *testing.T) {
			img := testImage(tc.class, tc.order).Build()
			res, err := Decode(img.Data, WithLogger(test.NewTestingLogger(t)))
			require.NoError(t, err)

			require.Equal(t, tc.class, res.Header.Class)
			require.Equal(t, tc.order, res.Header.ByteOrder())
			require.Equal(t, elf.ET_REL, res.Header.Type)
			require.Equal(t, elf.EM_X86_64, res.Header.Machine)
			require.Equal(t, img.ShOff, res.Header.ShOff)

			require.Equal(t, []string{"", ".text", ".bss", ".debug_line", ".symtab", ".strtab", ".shstrtab"}, sectionNames(res))
			text := res.Sections[1]
			require.Equal(t, 1, text.ID)
			require.Equal(t, elf.SHT_PROGBITS, text.Type)
			require.Equal(t, elf.SHF_ALLOC|elf.SHF_EXECINSTR, text.Flags)
			require.Equal(t, uint64(0x1000), text.Addr)
			require.Equal(t, uint64(16), text.Size)

			require.Len(t, res.Symbols, 4)
			main := res.Symbols[0]
			require.Equal(t, "main", main.Name)
			require.Equal(t, elf.STB_GLOBAL, main.Bind())
			require.Equal(t, elf.STT_FUNC, main.Type())
			require.Equal(t, elf.STV_DEFAULT, main.Visibility())
			require.Equal(t, uint64(0x1000), main.Value)
			require.Equal(t, uint64(16), main.Size)
			require.Equal(t, ".symtab", main.Table)
			labels := make([]string, 0, len(res.Symbols))
			for _, s := range res.Symbols {
				labels = append(labels, s.SectionType)
			}
			require.Equal(t, []string{".text", ".bss", "ABS", "UNDEF"}, labels)

			require.Len(t, res.Units, 1)
			require.Equal(t, []lineinfo.CodePoint{
				{Address: 0x1000, Line: 1},
				{Address: 0x1008, Line: 5},
			}, res.Units[0].Points)
			require.Equal(t, "/src/main.c", res.Units[0].FilePath(0))
		})
	}
}

func TestDecode_HeaderErrors(t *testing.T) {
	valid := testImage(elf.ELFCLASS64, binary.LittleEndian).Build().Data
	corrupt := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return f(b)
	}
	for _, tc := range []struct {
		name string
		data []byte
		code errcode.Code
	}{
		{"empty", nil, CodeBadMagic},
		{"not an ELF file", []byte("#!/bin/sh\necho hi\n"), CodeBadMagic},
		{"truncated identification", valid[:8], CodeOutOfBounds},
		{"truncated header", valid[:40], CodeOutOfBounds},
		{"unknown class", corrupt(func(b []byte) []byte { b[elf.EI_CLASS] = 7; return b }), CodeUnknownClass},
		{"unknown data encoding", corrupt(func(b []byte) []byte { b[elf.EI_DATA] = 0; return b }), CodeUnknownClass},
		{"identification version", corrupt(func(b []byte) []byte { b[elf.EI_VERSION] = 2; return b }), CodeUnsupportedVersion},
		{"header version", corrupt(func(b []byte) []byte { b[20] = 9; return b }), CodeUnsupportedVersion},
		{"section table past the end", valid[:len(valid)-1], CodeOutOfBounds},
		{"section header size too small", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[58:], 32)
			return b
		}), CodeOutOfBounds},
		{"section count past the end", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[60:], 0x7fff)
			return b
		}), CodeOutOfBounds},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Decode(tc.data)
			require.Nil(t, res)
			code, ok := errcode.Of(err)
			require.True(t, ok, "error %v carries no code", err)
			require.Equal(t, tc.code, code, "error: %v", err)
		})
	}
}

func TestDecode_MaxSections(t *testing.T) {
	img := testImage(elf.ELFCLASS64, binary.LittleEndian).Build()
	_, err := Decode(img.Data, WithMaxSections(3))
	require.True(t, errcode.Is(err, CodeOutOfBounds))
}

func TestDecode_NoSectionTable(t *testing.T) {
	data := testImage(elf.ELFCLASS64, binary.LittleEndian).Build().Data
	binary.LittleEndian.PutUint64(data[40:], 0)
	res, err := Decode(data)
	require.NoError(t, err)
	require.Empty(t, res.Sections)
	require.Empty(t, res.Symbols)
}

func TestDecode_CorruptedSectionName(t *testing.T) {
	img := testImage(elf.ELFCLASS64, binary.LittleEndian).Build()
	binary.LittleEndian.PutUint32(img.SectionHeader(img.Index[".bss"]), 0xffffff)

	res, err := Decode(img.Data)
	require.NotNil(t, res)
	code, ok := errcode.Of(err)
	require.True(t, ok)
	require.Equal(t, CodeInvalidSection, code)

	require.Equal(t, []string{"", ".text", "", ".debug_line", ".symtab", ".strtab", ".shstrtab"}, sectionNames(res))
	require.Len(t, res.Units, 1)
	require.Len(t, res.Symbols, 4)
	// The symbol defined in the unnamed section gets its empty name.
	require.Equal(t, "", res.Symbols[1].SectionType)
}

func TestDecode_SectionNameTableOutOfRange(t *testing.T) {
	data := testImage(elf.ELFCLASS64, binary.LittleEndian).Build().Data
	binary.LittleEndian.PutUint16(data[62:], 200)

	res, err := Decode(data)
	require.True(t, errcode.Is(err, CodeInvalidSection))
	require.NotNil(t, res)
	require.Len(t, res.Sections, 7)
	for _, s := range res.Sections {
		require.Empty(t, s.Name)
	}
	// Without names no .debug_line section can be found.
	require.Empty(t, res.Units)
	require.Len(t, res.Symbols, 4)
}

func TestDecode_ExtendedSectionNumbering(t *testing.T) {
	img := testImage(elf.ELFCLASS64, binary.LittleEndian).Build()
	want, err := Decode(img.Data)
	require.NoError(t, err)

	shnum := binary.LittleEndian.Uint16(img.Data[60:])
	shstrndx := binary.LittleEndian.Uint16(img.Data[62:])
	binary.LittleEndian.PutUint16(img.Data[60:], 0)
	binary.LittleEndian.PutUint16(img.Data[62:], uint16(elf.SHN_XINDEX))
	null := img.SectionHeader(0)
	binary.LittleEndian.PutUint64(null[32:], uint64(shnum))
	binary.LittleEndian.PutUint32(null[40:], uint32(shstrndx))

	got, err := Decode(img.Data)
	require.NoError(t, err)
	require.Equal(t, sectionNames(want), sectionNames(got))
	require.Equal(t, want.Symbols, got.Symbols)
	require.Equal(t, want.Units, got.Units)
}

func TestDecode_LineProgramFailureKeepsSectionsAndSymbols(t *testing.T) {
	b := testImage(elf.ELFCLASS64, binary.LittleEndian)
	tooNew, _ := test.LineProgram{Version: 6}.Build()
	b.Sections[2].Data = tooNew

	res, err := Decode(b.Build().Data)
	require.True(t, errcode.Is(err, CodeDwarfVersionTooNew))
	code, _ := errcode.Of(err)
	require.Equal(t, CodeDwarfVersionTooNew, code)
	require.NotNil(t, res)
	require.Len(t, res.Sections, 7)
	require.Len(t, res.Symbols, 4)
	require.Empty(t, res.Units)
}

func TestDecode_CompressedDebugLine(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		plain := testImage(class, binary.LittleEndian)
		want, err := Decode(plain.Build().Data)
		require.NoError(t, err)

		compressed := testImage(class, binary.LittleEndian)
		compressed.Sections[2].Compress = true
		got, err := Decode(compressed.Build().Data)
		require.NoError(t, err)
		require.Equal(t, want.Units, got.Units)
		require.NotZero(t, got.Sections[3].Flags&elf.SHF_COMPRESSED)
	}
}

func TestDecode_CorruptCompressedSection(t *testing.T) {
	b := testImage(elf.ELFCLASS64, binary.LittleEndian)
	b.Sections[2].Compress = true
	img := b.Build()
	s := img.SectionHeader(img.Index[".debug_line"])
	off := binary.LittleEndian.Uint64(s[24:])
	// Declare one byte more than the section inflates to.
	size := binary.LittleEndian.Uint64(img.Data[off+8:])
	binary.LittleEndian.PutUint64(img.Data[off+8:], size+1)

	res, err := Decode(img.Data)
	require.True(t, errcode.Is(err, CodeInvalidSection))
	require.Empty(t, res.Units)
	require.Len(t, res.Symbols, 4)
}

func TestDecode_SymbolTableWithInvalidLink(t *testing.T) {
	img := testImage(elf.ELFCLASS64, binary.LittleEndian).Build()
	binary.LittleEndian.PutUint32(img.SectionHeader(img.Index[".symtab"])[40:], 99)

	res, err := Decode(img.Data)
	require.True(t, errcode.Is(err, CodeInvalidSection))
	require.Empty(t, res.Symbols)
	require.Len(t, res.Units, 1)
}

func TestDecode_DynamicSymbols(t *testing.T) {
	b := testImage(elf.ELFCLASS64, binary.LittleEndian)
	b.Dynamic = true
	data := b.Build().Data

	res, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, res.Symbols, 4)
	require.Equal(t, ".dynsym", res.Symbols[0].Table)

	res, err = Decode(data, WithDynamicSymbols(false))
	require.NoError(t, err)
	require.Empty(t, res.Symbols)
}

func TestDecode_WithoutLineInfo(t *testing.T) {
	res, err := Decode(testImage(elf.ELFCLASS64, binary.LittleEndian).Build().Data, WithLineInfo(false))
	require.NoError(t, err)
	require.Empty(t, res.Units)
	require.Len(t, res.Sections, 7)
}

func TestDecode_Idempotent(t *testing.T) {
	data := testImage(elf.ELFCLASS32, binary.BigEndian).Build().Data
	res := test.AssertIdempotent(t, func() (*Result, error) {
		return Decode(data)
	})
	require.NotNil(t, res.Section(".debug_line"))
	require.Nil(t, res.Section(".debug_info"))
}

func TestSectionLabel(t *testing.T) {
	sections := []Section{{}, {Name: ".text"}}
	for idx, want := range map[uint16]string{
		0:      "UNDEF",
		1:      ".text",
		2:      "INVALID",
		0xff00: "PROC",
		0xff1f: "PROC",
		0xff20: "OS",
		0xff3f: "OS",
		0xff40: "RESERVED",
		0xfff1: "ABS",
		0xfff2: "COMMON",
		0xffff: "XINDEX",
	} {
		require.Equal(t, want, sectionLabel(sections, idx), "index 0x%x", idx)
	}
}
