package dwarfline

import (
	"math"

	"github.com/grafana/fonda/pkg/cursor"
	"github.com/grafana/fonda/pkg/errcode"
	"github.com/grafana/fonda/pkg/lineinfo"
)

// Header is the decoded line number program header.
type Header struct {
	Offset        uint64 // of the unit within .debug_line
	Version       uint16
	Dwarf64       bool
	AddressSize   uint8 // 0 before DWARF 5
	MinInstLength uint8
	MaxOpsPerInst uint8
	DefaultIsStmt bool
	LineBase      int8
	LineRange     uint8
	OpcodeBase    uint8

	StdOpcodeLengths []uint8
}

func parseErr(err error, format string, args ...any) error {
	return errcode.Wrap(CodeParse, err, format, args...)
}

// readHeader reads the fixed part of the header that follows the version.
func (p *program) readHeader(u *cursor.Cursor) (*cursor.Cursor, error) {
	h := &p.hdr
	if h.Version >= 5 {
		addrSize, err := u.Uint8()
		if err != nil {
			return nil, parseErr(err, "address_size")
		}
		if _, err := u.Uint8(); err != nil {
			return nil, parseErr(err, "segment_selector_size")
		}
		h.AddressSize = addrSize
	}
	headerLength, err := p.readOffset(u)
	if err != nil {
		return nil, parseErr(err, "header_length")
	}
	hc, err := u.Sub(headerLength)
	if err != nil {
		return nil, parseErr(err, "header_length %d exceeds unit", headerLength)
	}
	if err := u.Skip(headerLength); err != nil {
		return nil, parseErr(err, "header_length")
	}

	if h.MinInstLength, err = hc.Uint8(); err != nil {
		return nil, parseErr(err, "minimum_instruction_length")
	}
	h.MaxOpsPerInst = 1
	if h.Version >= 4 {
		if h.MaxOpsPerInst, err = hc.Uint8(); err != nil {
			return nil, parseErr(err, "maximum_operations_per_instruction")
		}
		if h.MaxOpsPerInst == 0 {
			return nil, errcode.New(CodeParse, "maximum_operations_per_instruction is zero")
		}
	}
	isStmt, err := hc.Uint8()
	if err != nil {
		return nil, parseErr(err, "default_is_stmt")
	}
	h.DefaultIsStmt = isStmt != 0
	if h.LineBase, err = hc.Int8(); err != nil {
		return nil, parseErr(err, "line_base")
	}
	if h.LineRange, err = hc.Uint8(); err != nil {
		return nil, parseErr(err, "line_range")
	}
	if h.LineRange == 0 {
		return nil, errcode.New(CodeParse, "line_range is zero")
	}
	if h.OpcodeBase, err = hc.Uint8(); err != nil {
		return nil, parseErr(err, "opcode_base")
	}
	if h.OpcodeBase == 0 {
		return nil, errcode.New(CodeParse, "opcode_base is zero")
	}
	lengths, err := hc.Read(int(h.OpcodeBase) - 1)
	if err != nil {
		return nil, parseErr(err, "standard_opcode_lengths")
	}
	h.StdOpcodeLengths = lengths
	return hc, nil
}

func (p *program) readOffset(c *cursor.Cursor) (uint64, error) {
	if p.hdr.Dwarf64 {
		return c.Uint64()
	}
	v, err := c.Uint32()
	return uint64(v), err
}

// readTablesV4 reads include_directories and file_names of DWARF 2 to 4.
// Directory 0 is the compilation directory, which is unknown here.
func (p *program) readTablesV4(hc *cursor.Cursor) error {
	p.b.AddDir(".")
	for {
		dir, err := hc.CString()
		if err != nil {
			return parseErr(err, "include_directories")
		}
		if dir == "" {
			break
		}
		p.b.AddDir(dir)
	}
	for {
		name, err := hc.CString()
		if err != nil {
			return parseErr(err, "file_names")
		}
		if name == "" {
			return nil
		}
		if err := p.readFileEntryV4(hc, name); err != nil {
			return err
		}
	}
}

// readFileEntryV4 reads the ULEB fields following a file name, shared by the
// header table and DW_LNE_define_file.
func (p *program) readFileEntryV4(c *cursor.Cursor, name string) error {
	var vals [3]uint64
	for i := range vals {
		v, err := c.ULEB128()
		if err != nil {
			return parseErr(err, "file entry %q", name)
		}
		vals[i] = v
	}
	return p.addFile(entry{path: name, dir: vals[0], timestamp: vals[1], size: vals[2]})
}

type entry struct {
	path      string
	dir       uint64
	timestamp uint64
	size      uint64
}

type entryFormat struct {
	typ  uint64
	form uint64
}

// readTablesV5 reads the self describing directory and file tables.
func (p *program) readTablesV5(hc *cursor.Cursor) error {
	dirFormats, err := p.readEntryFormats(hc, "directory")
	if err != nil {
		return err
	}
	dirCount, err := hc.ULEB128()
	if err != nil {
		return parseErr(err, "directories_count")
	}
	for i := uint64(0); i < dirCount; i++ {
		e, err := p.readEntry(hc, dirFormats)
		if err != nil {
			return err
		}
		p.b.AddDir(e.path)
	}

	fileFormats, err := p.readEntryFormats(hc, "file name")
	if err != nil {
		return err
	}
	fileCount, err := hc.ULEB128()
	if err != nil {
		return parseErr(err, "file_names_count")
	}
	for i := uint64(0); i < fileCount; i++ {
		e, err := p.readEntry(hc, fileFormats)
		if err != nil {
			return err
		}
		if err := p.addFile(e); err != nil {
			return err
		}
	}
	return nil
}

func (p *program) readEntryFormats(hc *cursor.Cursor, what string) ([]entryFormat, error) {
	count, err := hc.Uint8()
	if err != nil {
		return nil, parseErr(err, "%s_entry_format_count", what)
	}
	formats := make([]entryFormat, 0, count)
	for i := 0; i < int(count); i++ {
		typ, err := hc.ULEB128()
		if err != nil {
			return nil, parseErr(err, "%s entry format", what)
		}
		form, err := hc.ULEB128()
		if err != nil {
			return nil, parseErr(err, "%s entry format", what)
		}
		if !knownContentType(typ) {
			return nil, errcode.New(CodeUnknownContentType, "unknown %s content type 0x%x", what, typ)
		}
		if !knownForm(form) {
			return nil, errcode.New(CodeUnknownContentForm, "unknown %s content form 0x%x", what, form)
		}
		formats = append(formats, entryFormat{typ: typ, form: form})
	}
	return formats, nil
}

func (p *program) readEntry(hc *cursor.Cursor, formats []entryFormat) (entry, error) {
	var e entry
	for _, f := range formats {
		v, err := p.readForm(hc, f.form)
		if err != nil {
			return e, err
		}
		switch f.typ {
		case lnctPath:
			e.path = v.str
		case lnctDirectoryIndex:
			e.dir = v.num
		case lnctTimestamp:
			e.timestamp = v.num
		case lnctSize:
			e.size = v.num
		}
	}
	return e, nil
}

type formValue struct {
	str string
	num uint64
}

func (p *program) readForm(c *cursor.Cursor, form uint64) (formValue, error) {
	var (
		v   formValue
		err error
	)
	switch form {
	case formString:
		v.str, err = c.CString()
	case formStrp:
		v.str, err = p.stringAt(p.sec.Str, c, ".debug_str")
	case formLineStrp:
		v.str, err = p.stringAt(p.sec.LineStr, c, ".debug_line_str")
	case formUdata:
		v.num, err = c.ULEB128()
	case formSdata:
		var s int64
		s, err = c.SLEB128()
		v.num = uint64(s)
	case formData1:
		v.num, err = c.Uint(1)
	case formData2:
		v.num, err = c.Uint(2)
	case formData4:
		v.num, err = c.Uint(4)
	case formData8:
		v.num, err = c.Uint(8)
	case formData16:
		err = c.Skip(16)
	case formBlock:
		var n uint64
		if n, err = c.ULEB128(); err == nil {
			err = c.Skip(n)
		}
	case formBlock1, formBlock2, formBlock4:
		width := 1
		if form == formBlock2 {
			width = 2
		} else if form == formBlock4 {
			width = 4
		}
		var n uint64
		if n, err = c.Uint(width); err == nil {
			err = c.Skip(n)
		}
	default:
		return v, errcode.New(CodeUnknownContentForm, "unknown content form 0x%x", form)
	}
	if err != nil {
		if _, ok := errcode.Of(err); ok {
			return v, err
		}
		return v, parseErr(err, "entry form 0x%x", form)
	}
	return v, nil
}

func (p *program) stringAt(table []byte, c *cursor.Cursor, name string) (string, error) {
	off, err := p.readOffset(c)
	if err != nil {
		return "", err
	}
	sc := cursor.New(table, c.Order())
	if err := sc.Seek(off); err != nil {
		return "", parseErr(err, "offset 0x%x outside %s", off, name)
	}
	s, err := sc.CString()
	if err != nil {
		return "", parseErr(err, "unterminated string in %s", name)
	}
	return s, nil
}

func (p *program) addFile(e entry) error {
	if e.dir > math.MaxInt32 {
		return errcode.Wrap(CodeParse, lineinfo.ErrDirIndex, "file %q directory %d", e.path, e.dir)
	}
	_, err := p.b.AddFile(lineinfo.File{
		DirIndex:  int(e.dir),
		Timestamp: e.timestamp,
		Length:    e.size,
		Path:      e.path,
	})
	if err != nil {
		return errcode.Wrap(CodeParse, err, "file entry")
	}
	return nil
}
