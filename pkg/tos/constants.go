package tos

import (
	"fmt"

	"github.com/grafana/fonda/pkg/errcode"
)

const (
	CodeReadEOF         errcode.Code = 1
	CodeHeaderMagic     errcode.Code = 2
	CodeAllocFail       errcode.Code = 3
	CodeFileRead        errcode.Code = 4
	CodeSectionOverflow errcode.Code = 5
)

const (
	// Magic is the branch instruction every TOS program starts with.
	Magic = 0x601a

	HeaderSize = 28
	hunkMarker = 0x3f1
	// relocSkip is the relocation offset byte that advances without a fixup.
	relocSkip = 1
	relocStep = 254
)

// HunkType is the four character tag of a debug hunk.
type HunkType uint32

const (
	HunkHEAD HunkType = 0x48454144
	HunkLINE HunkType = 0x4c494e45
	HunkHCLN HunkType = 0x48434c4e
)

func (t HunkType) String() string {
	b := []byte{byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(t))
		}
	}
	return string(b)
}

// Symbol type bits of the DRI symbol table.
const (
	SymbolBSS      = 0x0100
	SymbolText     = 0x0200
	SymbolData     = 0x0400
	SymbolExternal = 0x0800
	SymbolRegister = 0x1000
	SymbolGlobal   = 0x2000
	SymbolEquated  = 0x4000
	SymbolDefined  = 0x8000

	// symbolExtended marks a GST record whose name continues in the next
	// record.
	symbolExtended = 0x0048

	symbolRecordSize = 14
	symbolNameSize   = 8
)
