package lineinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderRejectsDanglingIndices(t *testing.T) {
	b := NewBuilder()

	_, err := b.AddFile(File{Path: "a.c"})
	require.ErrorIs(t, err, ErrDirIndex)

	require.ErrorIs(t, b.AddPoint(CodePoint{FileIndex: 0}), ErrFileIndex)

	require.Equal(t, 0, b.AddDir("."))
	require.Equal(t, 1, b.AddDir("."), "directories are not deduplicated")

	fi, err := b.AddFile(File{DirIndex: 1, Path: "a.c"})
	require.NoError(t, err)
	require.Equal(t, 0, fi)

	require.NoError(t, b.AddPoint(CodePoint{Address: 0x20, FileIndex: fi, Line: 3}))
	require.NoError(t, b.AddPoint(CodePoint{Address: 0x10, FileIndex: fi, Line: 2}))
	require.ErrorIs(t, b.AddPoint(CodePoint{FileIndex: 1}), ErrFileIndex)
	require.ErrorIs(t, b.AddPoint(CodePoint{FileIndex: -1}), ErrFileIndex)

	cu := b.Unit()
	require.Len(t, cu.Points, 2)
	require.Equal(t, uint64(0x20), cu.Points[0].Address, "insertion order is kept")
	for _, p := range cu.Points {
		require.Less(t, p.FileIndex, len(cu.Files))
	}
}

func TestFilePathAndLookup(t *testing.T) {
	cu := CompilationUnit{
		Dirs: []string{".", "/src"},
		Files: []File{
			{DirIndex: 1, Path: "main.c"},
			{DirIndex: 1, Path: "/usr/include/stdio.h"},
		},
		Points: []CodePoint{
			{Address: 0x30, FileIndex: 0, Line: 30},
			{Address: 0x10, FileIndex: 0, Line: 10},
			{Address: 0x20, FileIndex: 1, Line: 20},
		},
	}
	require.Equal(t, "/src/main.c", cu.FilePath(0))
	require.Equal(t, "/usr/include/stdio.h", cu.FilePath(1))
	require.Equal(t, "", cu.FilePath(2))

	p, ok := cu.Lookup(0x2f)
	require.True(t, ok)
	require.Equal(t, uint32(20), p.Line)

	_, ok = cu.Lookup(0x0f)
	require.False(t, ok)

	sorted := cu.SortedPoints()
	require.Equal(t, []uint32{10, 20, 30}, []uint32{sorted[0].Line, sorted[1].Line, sorted[2].Line})
	require.Equal(t, uint64(0x30), cu.Points[0].Address, "sorting copies")
}
