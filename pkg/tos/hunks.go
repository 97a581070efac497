package tos

import (
	"github.com/go-kit/log/level"

	"github.com/grafana/fonda/pkg/cursor"
	"github.com/grafana/fonda/pkg/errcode"
	"github.com/grafana/fonda/pkg/lineinfo"
)

// readHunks decodes hunks while a marker fits. A zero marker following a
// valid hunk is padding and ends the list.
func (d *decoder) readHunks(c *cursor.Cursor) error {
	for c.Remaining() >= 4 {
		at := c.Address()
		marker, _ := c.Uint32()
		if marker == 0 && len(d.res.Hunks) > 0 {
			level.Debug(d.logger).Log("msg", "hunk list padding", "offset", at)
			return nil
		}
		if marker != hunkMarker {
			return errcode.New(CodeReadEOF, "expected hunk marker at 0x%x, found 0x%x", at, marker)
		}
		longs, err := c.Uint32()
		if err != nil {
			return errcode.Wrap(CodeReadEOF, err, "length of hunk at 0x%x", at)
		}
		length := uint64(longs) << 2
		hc, err := c.Sub(length)
		if err != nil {
			return errcode.Wrap(CodeReadEOF, err, "hunk at 0x%x declares %d bytes, %d remain", at, length, c.Remaining())
		}
		offset, err := hc.Uint32()
		if err != nil {
			return errcode.Wrap(CodeReadEOF, err, "PC offset of hunk at 0x%x", at)
		}
		typ, err := hc.Uint32()
		if err != nil {
			return errcode.Wrap(CodeReadEOF, err, "type of hunk at 0x%x", at)
		}
		h := Hunk{FileOffset: at, Length: uint32(length), PCOffset: offset, Type: HunkType(typ)}

		switch h.Type {
		case HunkHEAD:
			d.res.DebugHeader = true
		case HunkLINE:
			err = d.readLine(hc, offset)
		case HunkHCLN:
			err = d.readHCLN(hc, offset)
		default:
			return errcode.New(CodeReadEOF, "unknown hunk type %s at 0x%x", h.Type, at)
		}
		if err != nil {
			level.Debug(d.logger).Log("msg", "hunk ends early", "hunk_type", h.Type, "offset", at, "err", err)
		}
		d.res.Hunks = append(d.res.Hunks, h)
		_ = c.Skip(length)
	}
	return nil
}

// readName reads a file name stored as a length in longwords followed by
// that many zero padded longwords.
func readName(c *cursor.Cursor) (string, error) {
	longs, err := c.Uint32()
	if err != nil {
		return "", err
	}
	raw, err := c.Read(int(uint64(longs) << 2))
	if err != nil {
		return "", err
	}
	name := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b != 0 {
			name = append(name, b)
		}
	}
	return string(name), nil
}

func (d *decoder) addFile(c *cursor.Cursor) (int, error) {
	name, err := readName(c)
	if err != nil {
		return 0, err
	}
	return d.b.AddFile(lineinfo.File{DirIndex: 0, Path: name})
}

// readLine decodes a LINE hunk: a file name and (line, pc) records filling
// the rest of the hunk.
func (d *decoder) readLine(c *cursor.Cursor, offset uint32) error {
	file, err := d.addFile(c)
	if err != nil {
		return err
	}
	for n := c.Remaining() / 8; n > 0; n-- {
		line, _ := c.Uint32()
		pc, _ := c.Uint32()
		if err := d.b.AddPoint(lineinfo.CodePoint{
			Address:   uint64(pc + offset),
			FileIndex: file,
			Line:      line,
		}); err != nil {
			return err
		}
	}
	return nil
}

// readHCLN decodes an HCLN hunk: a file name, a record count and prefix
// compressed (line delta, pc delta) pairs.
func (d *decoder) readHCLN(c *cursor.Cursor, offset uint32) error {
	file, err := d.addFile(c)
	if err != nil {
		return err
	}
	count, err := c.Uint32()
	if err != nil {
		return err
	}
	line, pc := uint32(0), offset
	for ; count > 0; count-- {
		dl, err := ReadCompressed(c)
		if err != nil {
			return err
		}
		dpc, err := ReadCompressed(c)
		if err != nil {
			return err
		}
		line += dl
		pc += dpc
		p := lineinfo.CodePoint{Address: uint64(pc), FileIndex: file, Line: line}
		if d.opts.rawDeltas {
			p.Address, p.Line = uint64(dpc+offset), dl
		}
		if err := d.b.AddPoint(p); err != nil {
			return err
		}
	}
	return nil
}
