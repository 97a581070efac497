// Package dwarfline interprets DWARF line number programs (.debug_line)
// into lineinfo compilation units.
//
// Only the line number program is understood. Directory and file names that
// live in other sections are resolved through the optional .debug_str and
// .debug_line_str contents passed in Sections.
package dwarfline

import (
	"encoding/binary"
	"math"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/fonda/pkg/cursor"
	"github.com/grafana/fonda/pkg/errcode"
	"github.com/grafana/fonda/pkg/lineinfo"
)

// Sections holds the contents of the sections a line program may refer to.
type Sections struct {
	Line    []byte // .debug_line
	Str     []byte // .debug_str, for DW_FORM_strp
	LineStr []byte // .debug_line_str, for DW_FORM_line_strp
}

type Option func(*options)

type options struct {
	logger log.Logger
}

// WithLogger sets the logger used for per-program debug output.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Decode runs every line number program found in sec.Line and returns one
// compilation unit per program. On error the units decoded before the
// failing program are returned along with it.
func Decode(sec Sections, order binary.ByteOrder, opts ...Option) ([]lineinfo.CompilationUnit, error) {
	o := options{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	c := cursor.New(sec.Line, order)
	var units []lineinfo.CompilationUnit
	for c.Remaining() > 0 {
		offset := uint64(c.Pos())
		p := &program{sec: sec, b: lineinfo.NewBuilder()}
		p.hdr.Offset = offset
		if err := p.run(c); err != nil {
			level.Debug(o.logger).Log("msg", "line program failed", "offset", offset, "err", err)
			return units, err
		}
		unit := p.b.Unit()
		level.Debug(o.logger).Log(
			"msg", "decoded line program",
			"offset", offset,
			"version", p.hdr.Version,
			"dirs", len(unit.Dirs),
			"files", len(unit.Files),
			"points", len(unit.Points),
		)
		units = append(units, unit)
	}
	return units, nil
}

type program struct {
	hdr Header
	sec Sections
	b   *lineinfo.Builder

	regs registers
}

type registers struct {
	address       uint64
	opIndex       uint64
	file          uint64
	line          int64
	column        uint64
	isStmt        bool
	basicBlock    bool
	endSequence   bool
	prologueEnd   bool
	epilogueBegin bool
	isa           uint64
	discriminator uint64
}

func (p *program) reset() {
	p.regs = registers{
		file:   1,
		line:   1,
		isStmt: p.hdr.DefaultIsStmt,
	}
}

// run decodes the unit at the current position of c and leaves c after it.
func (p *program) run(c *cursor.Cursor) error {
	u, err := p.readUnit(c)
	if err != nil {
		return err
	}
	if p.hdr.Version, err = u.Uint16(); err != nil {
		return parseErr(err, "version")
	}
	if p.hdr.Version > MaxVersion {
		return errcode.New(CodeVersionTooNew, "line program version %d is newer than %d", p.hdr.Version, MaxVersion)
	}
	if p.hdr.Version < 2 {
		return errcode.New(CodeParse, "invalid line program version %d", p.hdr.Version)
	}
	hc, err := p.readHeader(u)
	if err != nil {
		return err
	}
	if p.hdr.Version >= 5 {
		err = p.readTablesV5(hc)
	} else {
		err = p.readTablesV4(hc)
	}
	if err != nil {
		return err
	}
	return p.execute(u)
}

// readUnit returns a cursor confined to the unit and moves c past it.
func (p *program) readUnit(c *cursor.Cursor) (*cursor.Cursor, error) {
	l32, err := c.Uint32()
	if err != nil {
		return nil, parseErr(err, "unit_length")
	}
	length := uint64(l32)
	switch {
	case l32 == 0xffffffff:
		p.hdr.Dwarf64 = true
		if length, err = c.Uint64(); err != nil {
			return nil, parseErr(err, "unit_length")
		}
	case l32 >= 0xfffffff0:
		return nil, errcode.New(CodeParse, "reserved unit_length 0x%x", l32)
	}
	u, err := c.Sub(length)
	if err != nil {
		return nil, parseErr(err, "unit_length %d exceeds .debug_line", length)
	}
	if err := c.Skip(length); err != nil {
		return nil, parseErr(err, "unit_length")
	}
	return u, nil
}

func (p *program) execute(ops *cursor.Cursor) error {
	p.reset()
	for ops.Remaining() > 0 {
		op, err := ops.Uint8()
		if err != nil {
			return parseErr(err, "opcode")
		}
		switch {
		case op >= p.hdr.OpcodeBase:
			err = p.special(op)
		case op == 0:
			err = p.extended(ops)
		default:
			err = p.standard(op, ops)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// advance applies an operation advance to address and op_index.
func (p *program) advance(operationAdvance uint64) {
	minInst := uint64(p.hdr.MinInstLength)
	maxOps := uint64(p.hdr.MaxOpsPerInst)
	if maxOps <= 1 {
		p.regs.address += minInst * operationAdvance
		return
	}
	total := p.regs.opIndex + operationAdvance
	p.regs.address += minInst * (total / maxOps)
	p.regs.opIndex = total % maxOps
}

func (p *program) special(op uint8) error {
	adjusted := uint64(op - p.hdr.OpcodeBase)
	lineRange := uint64(p.hdr.LineRange)
	p.advance(adjusted / lineRange)
	p.regs.line += int64(p.hdr.LineBase) + int64(adjusted%lineRange)
	return p.emit()
}

func (p *program) standard(op uint8, ops *cursor.Cursor) error {
	declared := p.hdr.StdOpcodeLengths[op-1]
	if int(op) >= len(standardOperands) {
		for i := 0; i < int(declared); i++ {
			if _, err := ops.ULEB128(); err != nil {
				return parseErr(err, "operand of opcode %d", op)
			}
		}
		return nil
	}
	if declared != standardOperands[op] {
		return errcode.New(CodeUnknownOpcode, "opcode %d declared with %d operands, expected %d", op, declared, standardOperands[op])
	}

	r := &p.regs
	switch op {
	case lnsCopy:
		return p.emit()
	case lnsAdvancePC:
		v, err := ops.ULEB128()
		if err != nil {
			return parseErr(err, "DW_LNS_advance_pc")
		}
		p.advance(v)
	case lnsAdvanceLine:
		v, err := ops.SLEB128()
		if err != nil {
			return parseErr(err, "DW_LNS_advance_line")
		}
		r.line += v
	case lnsSetFile:
		v, err := ops.ULEB128()
		if err != nil {
			return parseErr(err, "DW_LNS_set_file")
		}
		r.file = v
	case lnsSetColumn:
		v, err := ops.ULEB128()
		if err != nil {
			return parseErr(err, "DW_LNS_set_column")
		}
		r.column = v
	case lnsNegateStmt:
		r.isStmt = !r.isStmt
	case lnsSetBasicBlock:
		r.basicBlock = true
	case lnsConstAddPC:
		p.advance(uint64(255-p.hdr.OpcodeBase) / uint64(p.hdr.LineRange))
	case lnsFixedAdvancePC:
		v, err := ops.Uint16()
		if err != nil {
			return parseErr(err, "DW_LNS_fixed_advance_pc")
		}
		r.address += uint64(v)
		r.opIndex = 0
	case lnsSetPrologueEnd:
		r.prologueEnd = true
	case lnsSetEpilogueBegin:
		r.epilogueBegin = true
	case lnsSetISA:
		v, err := ops.ULEB128()
		if err != nil {
			return parseErr(err, "DW_LNS_set_isa")
		}
		r.isa = v
	}
	return nil
}

func (p *program) extended(ops *cursor.Cursor) error {
	length, err := ops.ULEB128()
	if err != nil {
		return parseErr(err, "extended opcode length")
	}
	if length == 0 {
		return errcode.New(CodeParse, "extended opcode with zero length")
	}
	body, err := ops.Sub(length)
	if err != nil {
		return parseErr(err, "extended opcode length %d", length)
	}
	if err := ops.Skip(length); err != nil {
		return parseErr(err, "extended opcode")
	}
	sub, _ := body.Uint8()

	switch sub {
	case lneEndSequence:
		p.regs.endSequence = true
		p.reset()
	case lneSetAddress:
		addr, err := body.Uint(body.Remaining())
		if err != nil {
			return parseErr(err, "DW_LNE_set_address operand of %d bytes", body.Remaining())
		}
		p.regs.address = addr
		p.regs.opIndex = 0
	case lneDefineFile:
		if p.hdr.Version >= 5 {
			return errcode.New(CodeUnknownExtendedOpcode, "DW_LNE_define_file is reserved in version %d", p.hdr.Version)
		}
		name, err := body.CString()
		if err != nil {
			return parseErr(err, "DW_LNE_define_file")
		}
		return p.readFileEntryV4(body, name)
	case lneSetDiscriminator:
		v, err := body.ULEB128()
		if err != nil {
			return parseErr(err, "DW_LNE_set_discriminator")
		}
		p.regs.discriminator = v
	default:
		if sub < lneLoUser {
			return errcode.New(CodeUnknownExtendedOpcode, "unknown extended opcode 0x%x", sub)
		}
	}
	return nil
}

// emit appends a row built from the registers.
func (p *program) emit() error {
	r := &p.regs
	fileIndex := int64(-1)
	if r.file <= math.MaxInt32 {
		fileIndex = int64(r.file)
		if p.hdr.Version < 5 {
			fileIndex--
		}
	}
	line := r.line
	if line < 0 {
		line = 0
	} else if line > math.MaxUint32 {
		line = math.MaxUint32
	}
	column := r.column
	if column > math.MaxUint16 {
		column = math.MaxUint16
	}
	err := p.b.AddPoint(lineinfo.CodePoint{
		Address:   r.address,
		FileIndex: int(fileIndex),
		Line:      uint32(line),
		Column:    uint16(column),
	})
	if err != nil {
		return errcode.Wrap(CodeParse, err, "row at 0x%x references file %d", r.address, r.file)
	}
	r.discriminator = 0
	r.basicBlock = false
	r.prologueEnd = false
	r.epilogueBegin = false
	return nil
}
