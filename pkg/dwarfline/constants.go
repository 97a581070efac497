package dwarfline

import "github.com/grafana/fonda/pkg/errcode"

// Error codes, numbered in the same space as the ELF decoder codes.
const (
	CodeVersionTooNew         errcode.Code = 6
	CodeUnknownOpcode         errcode.Code = 1000
	CodeUnknownExtendedOpcode errcode.Code = 1001
	CodeParse                 errcode.Code = 1002
	CodeUnknownContentForm    errcode.Code = 1003
	CodeUnknownContentType    errcode.Code = 1004
)

// MaxVersion is the newest line program version understood.
const MaxVersion = 5

// Standard opcodes.
const (
	lnsCopy             = 0x01
	lnsAdvancePC        = 0x02
	lnsAdvanceLine      = 0x03
	lnsSetFile          = 0x04
	lnsSetColumn        = 0x05
	lnsNegateStmt       = 0x06
	lnsSetBasicBlock    = 0x07
	lnsConstAddPC       = 0x08
	lnsFixedAdvancePC   = 0x09
	lnsSetPrologueEnd   = 0x0a
	lnsSetEpilogueBegin = 0x0b
	lnsSetISA           = 0x0c
)

// standardOperands is the operand count of each standard opcode.
var standardOperands = [...]uint8{
	lnsCopy:             0,
	lnsAdvancePC:        1,
	lnsAdvanceLine:      1,
	lnsSetFile:          1,
	lnsSetColumn:        1,
	lnsNegateStmt:       0,
	lnsSetBasicBlock:    0,
	lnsConstAddPC:       0,
	lnsFixedAdvancePC:   1,
	lnsSetPrologueEnd:   0,
	lnsSetEpilogueBegin: 0,
	lnsSetISA:           1,
}

// Extended opcodes.
const (
	lneEndSequence      = 0x01
	lneSetAddress       = 0x02
	lneDefineFile       = 0x03
	lneSetDiscriminator = 0x04
	lneLoUser           = 0x80
)

// Line number header entry content types (DWARF 5).
const (
	lnctPath           = 0x1
	lnctDirectoryIndex = 0x2
	lnctTimestamp      = 0x3
	lnctSize           = 0x4
	lnctMD5            = 0x5
	lnctLoUser         = 0x2000
	lnctHiUser         = 0x3fff
)

// Attribute forms that may appear in line number header entries.
const (
	formBlock2   = 0x03
	formBlock4   = 0x04
	formData2    = 0x05
	formData4    = 0x06
	formData8    = 0x07
	formString   = 0x08
	formBlock    = 0x09
	formBlock1   = 0x0a
	formData1    = 0x0b
	formSdata    = 0x0d
	formStrp     = 0x0e
	formUdata    = 0x0f
	formData16   = 0x1e
	formLineStrp = 0x1f
)

func knownForm(form uint64) bool {
	switch form {
	case formBlock2, formBlock4, formData2, formData4, formData8, formString,
		formBlock, formBlock1, formData1, formSdata, formStrp, formUdata,
		formData16, formLineStrp:
		return true
	}
	return false
}

func knownContentType(typ uint64) bool {
	switch {
	case typ >= lnctPath && typ <= lnctMD5:
		return true
	case typ >= lnctLoUser && typ <= lnctHiUser:
		return true
	}
	return false
}
