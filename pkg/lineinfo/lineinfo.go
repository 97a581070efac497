// Package lineinfo is the format independent model of address to source line
// correlation produced by the ELF and TOS decoders.
package lineinfo

import (
	"errors"
	"fmt"
	"path"
	"sort"
)

var (
	ErrFileIndex = errors.New("file index out of range")
	ErrDirIndex  = errors.New("directory index out of range")
)

// File is a source file used when compiling a unit.
type File struct {
	DirIndex  int    // index in CompilationUnit.Dirs
	Timestamp uint64 // 0 if unknown
	Length    uint64 // size of the source in bytes, 0 if unknown
	Path      string // as recorded by the compiler
}

// CodePoint correlates one machine address with a position in a source file.
type CodePoint struct {
	Address   uint64
	FileIndex int // index in CompilationUnit.Files
	Line      uint32
	Column    uint16 // 0 when the format has no columns
}

// CompilationUnit is compiled code generated from one or more source files.
type CompilationUnit struct {
	Dirs   []string
	Files  []File
	Points []CodePoint
}

// FilePath returns the directory and path of file i joined together.
// Absolute file paths are returned unchanged.
func (cu *CompilationUnit) FilePath(i int) string {
	if i < 0 || i >= len(cu.Files) {
		return ""
	}
	f := cu.Files[i]
	if path.IsAbs(f.Path) || f.DirIndex < 0 || f.DirIndex >= len(cu.Dirs) {
		return f.Path
	}
	return cu.Dirs[f.DirIndex] + "/" + f.Path
}

// Lookup returns the point with the greatest address not above addr.
// Points are not required to be sorted, so the search is linear.
func (cu *CompilationUnit) Lookup(addr uint64) (CodePoint, bool) {
	var (
		best  CodePoint
		found bool
	)
	for _, p := range cu.Points {
		if p.Address > addr {
			continue
		}
		if !found || p.Address > best.Address {
			best, found = p, true
		}
	}
	return best, found
}

// SortedPoints returns a copy of the points ordered by address, keeping the
// emission order of points sharing an address.
func (cu *CompilationUnit) SortedPoints() []CodePoint {
	res := make([]CodePoint, len(cu.Points))
	copy(res, cu.Points)
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Address < res[j].Address
	})
	return res
}

// Builder accumulates a CompilationUnit through append-only operations that
// keep the cross references valid.
type Builder struct {
	cu CompilationUnit
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddDir appends a directory and returns its index.
func (b *Builder) AddDir(dir string) int {
	b.cu.Dirs = append(b.cu.Dirs, dir)
	return len(b.cu.Dirs) - 1
}

// AddFile appends f and returns its index.
func (b *Builder) AddFile(f File) (int, error) {
	if f.DirIndex < 0 || f.DirIndex >= len(b.cu.Dirs) {
		return 0, fmt.Errorf("%w: file %q dir %d of %d", ErrDirIndex, f.Path, f.DirIndex, len(b.cu.Dirs))
	}
	b.cu.Files = append(b.cu.Files, f)
	return len(b.cu.Files) - 1, nil
}

// AddPoint appends p. p.FileIndex must refer to a file already added.
func (b *Builder) AddPoint(p CodePoint) error {
	if p.FileIndex < 0 || p.FileIndex >= len(b.cu.Files) {
		return fmt.Errorf("%w: %d of %d", ErrFileIndex, p.FileIndex, len(b.cu.Files))
	}
	b.cu.Points = append(b.cu.Points, p)
	return nil
}

func (b *Builder) NumDirs() int  { return len(b.cu.Dirs) }
func (b *Builder) NumFiles() int { return len(b.cu.Files) }

// Unit returns the unit built so far. The builder must not be used afterwards.
func (b *Builder) Unit() CompilationUnit {
	return b.cu
}
