package inspect

import (
	"bufio"
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/grafana/fonda/pkg/errcode"
	"github.com/grafana/fonda/pkg/tos"
)

// Loading failures use the TOS resource codes, which the CLI reports for
// either format.
const (
	CodeAllocFail = tos.CodeAllocFail
	CodeFileRead  = tos.CodeFileRead
)

// ReadFile loads the file at path from fs. See ReadAll.
func ReadFile(fs afero.Fs, path string, maxSize int64) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errcode.Wrap(CodeFileRead, err, "open %s", path)
	}
	defer f.Close()
	if st, err := f.Stat(); err == nil && maxSize > 0 && st.Mode().IsRegular() && st.Size() > maxSize {
		return nil, errcode.New(CodeAllocFail, "%s is %d bytes, limit is %d", path, st.Size(), maxSize)
	}
	return ReadAll(f, maxSize)
}

// ReadAll loads r into memory, decompressing gzip or zstd input on the fly.
// Input, or decompressed output, larger than maxSize bytes is rejected.
// maxSize <= 0 means no limit.
func ReadAll(r io.Reader, maxSize int64) ([]byte, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errcode.Wrap(CodeFileRead, err, "peek header")
	}

	var src io.Reader = br
	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, errcode.Wrap(CodeFileRead, err, "create gzip reader")
		}
		defer gr.Close()
		src = gr
	case len(header) >= 4 && header[0] == 0x28 && header[1] == 0xb5 && header[2] == 0x2f && header[3] == 0xfd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, errcode.Wrap(CodeFileRead, err, "create zstd reader")
		}
		defer zr.Close()
		src = zr
	}

	if maxSize > 0 {
		src = io.LimitReader(src, maxSize+1)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(src); err != nil {
		return nil, errcode.Wrap(CodeFileRead, err, "read input")
	}
	if maxSize > 0 && int64(buf.Len()) > maxSize {
		return nil, errcode.New(CodeAllocFail, "input exceeds the limit of %d bytes", maxSize)
	}
	return buf.Bytes(), nil
}
