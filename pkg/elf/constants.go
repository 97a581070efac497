package elf

import (
	"github.com/grafana/fonda/pkg/dwarfline"
	"github.com/grafana/fonda/pkg/errcode"
)

const (
	CodeOutOfBounds        errcode.Code = 1
	CodeBadMagic           errcode.Code = 2
	CodeUnsupportedVersion errcode.Code = 3
	CodeUnknownClass       errcode.Code = 4
	CodeInvalidSection     errcode.Code = 5

	// Line program codes share the numbering.
	CodeDwarfVersionTooNew    = dwarfline.CodeVersionTooNew
	CodeUnknownOpcode         = dwarfline.CodeUnknownOpcode
	CodeUnknownExtendedOpcode = dwarfline.CodeUnknownExtendedOpcode
	CodeDebugLineParse        = dwarfline.CodeParse
	CodeUnknownContentForm    = dwarfline.CodeUnknownContentForm
	CodeUnknownContentType    = dwarfline.CodeUnknownContentType
)

// Record sizes by class.
const (
	ehdrSize32 = 52
	ehdrSize64 = 64
	shdrSize32 = 40
	shdrSize64 = 64
	symSize32  = 16
	symSize64  = 24
	chdrSize32 = 12
	chdrSize64 = 24
)

// Reserved section index ranges.
const (
	shnLoReserve = 0xff00
	shnLoProc    = 0xff00
	shnHiProc    = 0xff1f
	shnLoOS      = 0xff20
	shnHiOS      = 0xff3f
	shnAbs       = 0xfff1
	shnCommon    = 0xfff2
	shnXIndex    = 0xffff
)

const (
	sectionDebugLine    = ".debug_line"
	sectionDebugStr     = ".debug_str"
	sectionDebugLineStr = ".debug_line_str"
)
