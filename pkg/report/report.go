// Package report prints decoded executables for humans.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aybabtme/rgbterm"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/xlab/treeprint"

	"github.com/grafana/fonda/pkg/errcode"
	"github.com/grafana/fonda/pkg/inspect"
	"github.com/grafana/fonda/pkg/lineinfo"
)

const Title = "fonda v0.0"

const (
	startColor = 0x7ec8e3
	endColor   = 0x3d5af6
)

type Options struct {
	NoColor bool
	// Sorted orders code points by address instead of emission order.
	Sorted bool
	// Tree prints the line information grouped by unit and file.
	Tree bool
}

// IsTerminal reports whether w is attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type printer struct {
	w       *bufio.Writer
	heading *color.Color
	noColor bool
}

func newPrinter(w io.Writer, opts Options) *printer {
	p := &printer{
		w:       bufio.NewWriter(w),
		heading: color.New(color.FgCyan, color.Bold),
		noColor: opts.NoColor || !IsTerminal(w),
	}
	if p.noColor {
		p.heading.DisableColor()
	} else {
		p.heading.EnableColor()
	}
	return p
}

// WriteTitle prints the program title followed by a blank line.
func WriteTitle(w io.Writer, opts Options) error {
	p := newPrinter(w, opts)
	p.title()
	return p.w.Flush()
}

func (p *printer) title() {
	if p.noColor {
		fmt.Fprintf(p.w, "%s\n\n", Title)
		return
	}
	last := len(Title) - 1
	for i, r := range Title {
		progress := float64(i) / float64(last)
		p.w.WriteString(rgbterm.FgString(string(r),
			gradient(startColor, endColor, 16, progress),
			gradient(startColor, endColor, 8, progress),
			gradient(startColor, endColor, 0, progress),
		))
	}
	p.w.WriteString("\n\n")
}

func gradient(start, end, offset int, progress float64) uint8 {
	start = (start >> offset) & 0xff
	end = (end >> offset) & 0xff
	return uint8(start + int(float64(end-start)*progress))
}

func (p *printer) section(name string) {
	fmt.Fprintf(p.w, "\n%s\n\n", p.heading.Sprintf("==== %s INFORMATION ===", name))
}

func (p *printer) table(header []string, rows [][]string) {
	table := tablewriter.NewWriter(p.w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(rows)
	table.Render()
}

// lineTree prints one unit as a tree of files holding their code points.
func (p *printer) lineTree(i int, u *lineinfo.CompilationUnit, points []lineinfo.CodePoint) {
	tree := treeprint.NewWithRoot(fmt.Sprintf("unit %d: %d files, %d points", i, len(u.Files), len(points)))
	files := make([]treeprint.Tree, len(u.Files))
	for f := range u.Files {
		files[f] = tree.AddBranch(u.FilePath(f))
	}
	for _, cp := range points {
		files[cp.FileIndex].AddNode(fmt.Sprintf("%08x line %d col %d", cp.Address, cp.Line, cp.Column))
	}
	p.w.WriteString(tree.String())
}

func hex(v uint64) string { return fmt.Sprintf("%08x", v) }

// Write prints res: the file name, then its sections, line tables and
// symbols.
func Write(w io.Writer, res *inspect.Result, opts Options) error {
	p := newPrinter(w, opts)
	fmt.Fprintf(p.w, "File: %q (%s, %s)\n", res.Path, res.Format, humanize.IBytes(uint64(res.Size)))

	p.section("SECTION")
	rows := make([][]string, 0, len(res.Sections))
	for _, s := range res.Sections {
		rows = append(rows, []string{
			fmt.Sprintf("%03d", s.ID),
			s.Name,
			hex(s.Offset),
			humanize.IBytes(s.Size),
			s.Type,
			s.Flags,
			hex(s.Addr),
		})
	}
	p.table([]string{"ID", "Name", "Offset", "Size", "Type", "Flags", "Address"}, rows)

	p.section("LINE")
	for i := range res.Units {
		u := &res.Units[i]
		points := u.Points
		if opts.Sorted {
			points = u.SortedPoints()
		}
		if opts.Tree {
			p.lineTree(i, u, points)
			continue
		}
		for f := range u.Files {
			fmt.Fprintf(p.w, "\tfile %s\n", u.FilePath(f))
		}
		for _, cp := range points {
			fmt.Fprintf(p.w, "\t\tAddress: %x File: %q Line: %d Col: %d\n",
				cp.Address, u.FilePath(cp.FileIndex), cp.Line, cp.Column)
		}
	}

	if res.Format == inspect.FormatELF || len(res.Symbols) > 0 {
		p.section("SYMBOL")
		rows = make([][]string, 0, len(res.Symbols))
		for _, s := range res.Symbols {
			rows = append(rows, []string{
				s.Name,
				hex(s.Value),
				strconv.FormatUint(s.Size, 10),
				s.Section,
				strings.TrimPrefix(s.Bind, "STB_"),
				strings.TrimPrefix(s.Type, "STT_"),
				s.Table,
			})
		}
		p.table([]string{"Name", "Value", "Size", "Section", "Bind", "Type", "Table"}, rows)
	}
	return p.w.Flush()
}

// WriteLocation prints the source position of addr, or that none covers it.
func WriteLocation(w io.Writer, res *inspect.Result, addr uint64) error {
	loc, ok := res.Lookup(addr)
	if !ok {
		_, err := fmt.Fprintf(w, "Address: %x not covered by line information\n", addr)
		return err
	}
	_, err := fmt.Fprintf(w, "Address: %x File: %q Line: %d Col: %d (entry %x)\n",
		addr, loc.File, loc.Point.Line, loc.Point.Column, loc.Point.Address)
	return err
}

// WriteError prints a decode failure with its numeric code.
func WriteError(w io.Writer, err error) error {
	code, _ := errcode.Of(err)
	_, werr := fmt.Fprintf(w, "Parsing failed with error %d: %v\n", code, err)
	return werr
}
