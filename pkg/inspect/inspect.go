// Package inspect loads executables, picks the matching decoder and turns
// its output into a single Result the report printer understands.
package inspect

import (
	goelf "debug/elf"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/fonda/pkg/elf"
	"github.com/grafana/fonda/pkg/lineinfo"
	"github.com/grafana/fonda/pkg/tos"
)

// ByteSize is a size in bytes. In YAML it accepts humanized values such as
// "64MiB".
type ByteSize uint64

func (s ByteSize) String() string { return humanize.IBytes(uint64(s)) }

func (s ByteSize) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid size %q", raw)
	}
	*s = ByteSize(v)
	return nil
}

type Config struct {
	MaxInputSize   ByteSize `yaml:"max_input_size"`
	CacheSize      int      `yaml:"cache_size"`
	HCLNRawDeltas  bool     `yaml:"hcln_raw_deltas"`
	DynamicSymbols bool     `yaml:"dynamic_symbols"`
}

func DefaultConfig() Config {
	return Config{
		MaxInputSize:   256 << 20,
		CacheSize:      16,
		DynamicSymbols: true,
	}
}

func (c *Config) Validate() error {
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative, got %d", c.CacheSize)
	}
	return nil
}

// Section is a format neutral view of an ELF section or a TOS segment.
type Section struct {
	ID     int
	Name   string
	Type   string
	Flags  string
	Addr   uint64
	Offset uint64
	Size   uint64
}

type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Section string // section name or a label such as UNDEF or ABS
	Bind    string
	Type    string
	Table   string
}

type Result struct {
	Format   Format
	Path     string
	Size     int // input bytes after decompression
	Sections []Section
	Units    []lineinfo.CompilationUnit
	Symbols  []Symbol

	// Exactly one of the decoder results is set.
	ELF *elf.Result
	TOS *tos.Result
}

// Location is a resolved code point.
type Location struct {
	Unit  int
	File  string
	Point lineinfo.CodePoint
}

// Lookup finds the code point covering addr across all units: the one with
// the greatest address not above addr.
func (r *Result) Lookup(addr uint64) (Location, bool) {
	var (
		best  Location
		found bool
	)
	for i := range r.Units {
		p, ok := r.Units[i].Lookup(addr)
		if !ok || (found && p.Address <= best.Point.Address) {
			continue
		}
		best = Location{Unit: i, File: r.Units[i].FilePath(p.FileIndex), Point: p}
		found = true
	}
	return best, found
}

// NumPoints is the number of code points over all units.
func (r *Result) NumPoints() int {
	return lo.SumBy(r.Units, func(u lineinfo.CompilationUnit) int { return len(u.Points) })
}

type cacheKey struct {
	hash   uint64
	format Format
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s/%016x", k.format, k.hash)
}

type decodeResult struct {
	res *Result
	err error
}

// Inspector decodes executables. It is safe for concurrent use.
type Inspector struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics
	cache   *lru.Cache[cacheKey, *Result]
	group   singleflight.Group
	fs      afero.Fs
}

// New creates an Inspector. A nil registerer disables metric registration.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer, opts ...Option) (*Inspector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	in := &Inspector{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(reg),
		fs:      afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(in)
	}
	if cfg.CacheSize > 0 {
		c, err := lru.New[cacheKey, *Result](cfg.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "create result cache")
		}
		in.cache = c
	}
	return in, nil
}

// Inspect reads the file at path and decodes it.
func (in *Inspector) Inspect(path string, format Format) (*Result, error) {
	data, err := ReadFile(in.fs, path, int64(in.cfg.MaxInputSize))
	if err != nil {
		return nil, err
	}
	res, err := in.Decode(data, format)
	if res != nil {
		named := *res
		named.Path = path
		res = &named
	}
	if err != nil {
		return res, errors.Wrapf(err, "decode %s", path)
	}
	return res, nil
}

// Decode decodes data as format. FormatAuto detects the format from the
// content and falls back to ELF, so unknown input fails with BadMagic.
//
// Like the decoders, Decode may return a partial Result along with an error.
// Only fully successful results are cached; a cache hit returns the same
// pointer, which callers must not modify. Concurrent calls for the same
// content share a single decode.
func (in *Inspector) Decode(data []byte, format Format) (*Result, error) {
	if format == FormatAuto {
		detected, err := DetectFormat(data)
		if err != nil {
			level.Debug(in.logger).Log("msg", "format not recognized, trying ELF", "size", len(data))
			detected = FormatELF
		}
		format = detected
	}

	key := cacheKey{hash: xxhash.Sum64(data), format: format}
	if in.cache != nil {
		if res, ok := in.cache.Get(key); ok {
			in.metrics.cache.WithLabelValues("hit").Inc()
			return res, nil
		}
		in.metrics.cache.WithLabelValues("miss").Inc()
	}

	v, _, _ := in.group.Do(key.String(), func() (interface{}, error) {
		res, err := in.decodeAndRecord(data, format)
		if err == nil && in.cache != nil {
			in.cache.Add(key, res)
		}
		return decodeResult{res: res, err: err}, nil
	})
	r := v.(decodeResult)
	return r.res, r.err
}

func (in *Inspector) decodeAndRecord(data []byte, format Format) (*Result, error) {
	start := time.Now()
	res, err := in.decode(data, format)
	in.metrics.duration.WithLabelValues(format.String()).Observe(time.Since(start).Seconds())

	status := "success"
	switch {
	case err != nil && res == nil:
		status = "failure"
	case err != nil:
		status = "partial"
	}
	in.metrics.decodes.WithLabelValues(format.String(), status).Inc()

	logger := log.With(in.logger, "format", format.String(), "size", len(data))
	if err != nil {
		level.Debug(logger).Log("msg", "decode failed", "status", status, "err", err)
		return res, err
	}
	in.metrics.codePoints.WithLabelValues(format.String()).Add(float64(res.NumPoints()))
	level.Debug(logger).Log(
		"msg", "decoded",
		"sections", len(res.Sections),
		"units", len(res.Units),
		"symbols", len(res.Symbols),
		"duration", time.Since(start),
	)
	return res, nil
}

func (in *Inspector) decode(data []byte, format Format) (*Result, error) {
	switch format {
	case FormatELF:
		r, err := elf.Decode(data,
			elf.WithLogger(in.logger),
			elf.WithDynamicSymbols(in.cfg.DynamicSymbols),
		)
		if r == nil {
			return nil, err
		}
		return fromELF(r, len(data)), err
	case FormatTOS:
		opts := []tos.Option{tos.WithLogger(in.logger)}
		if in.cfg.HCLNRawDeltas {
			opts = append(opts, tos.WithRawHCLNDeltas())
		}
		r, err := tos.Decode(data, opts...)
		if r == nil {
			return nil, err
		}
		return fromTOS(r, len(data)), err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
}

func fromELF(r *elf.Result, size int) *Result {
	return &Result{
		Format: FormatELF,
		Size:   size,
		Sections: lo.Map(r.Sections, func(s elf.Section, _ int) Section {
			return Section{
				ID:     s.ID,
				Name:   s.Name,
				Type:   s.Type.String(),
				Flags:  sectionFlags(s.Flags),
				Addr:   s.Addr,
				Offset: s.Offset,
				Size:   s.Size,
			}
		}),
		Units: r.Units,
		Symbols: lo.Map(r.Symbols, func(s elf.Symbol, _ int) Symbol {
			return Symbol{
				Name:    s.Name,
				Value:   s.Value,
				Size:    s.Size,
				Section: s.SectionType,
				Bind:    s.Bind().String(),
				Type:    s.Type().String(),
				Table:   s.Table,
			}
		}),
		ELF: r,
	}
}

// sectionFlags renders the common flags the way readelf abbreviates them.
func sectionFlags(f goelf.SectionFlag) string {
	var out []byte
	for _, fl := range []struct {
		flag goelf.SectionFlag
		c    byte
	}{
		{goelf.SHF_WRITE, 'W'},
		{goelf.SHF_ALLOC, 'A'},
		{goelf.SHF_EXECINSTR, 'X'},
		{goelf.SHF_MERGE, 'M'},
		{goelf.SHF_STRINGS, 'S'},
		{goelf.SHF_INFO_LINK, 'I'},
		{goelf.SHF_TLS, 'T'},
		{goelf.SHF_COMPRESSED, 'C'},
	} {
		if f&fl.flag != 0 {
			out = append(out, fl.c)
		}
	}
	return string(out)
}

func fromTOS(r *tos.Result, size int) *Result {
	h := r.Header
	text := uint64(tos.HeaderSize)
	data := text + uint64(h.TextLen)
	syms := data + uint64(h.DataLen)
	return &Result{
		Format: FormatTOS,
		Size:   size,
		Sections: []Section{
			{ID: 0, Name: "TEXT", Type: "PROGBITS", Flags: "AX", Offset: text, Size: uint64(h.TextLen)},
			{ID: 1, Name: "DATA", Type: "PROGBITS", Flags: "WA", Offset: data, Size: uint64(h.DataLen)},
			{ID: 2, Name: "BSS", Type: "NOBITS", Flags: "WA", Offset: syms, Size: uint64(h.BSSLen)},
			{ID: 3, Name: "SYMBOLS", Type: "SYMTAB", Offset: syms, Size: uint64(h.SymLen)},
		},
		Units: r.Units,
		Symbols: lo.Map(r.Symbols, func(s tos.Symbol, _ int) Symbol {
			bind := "LOCAL"
			if s.Type&tos.SymbolGlobal != 0 {
				bind = "GLOBAL"
			}
			return Symbol{
				Name:    s.Name,
				Value:   uint64(s.Value),
				Section: s.Section(),
				Bind:    bind,
				Type:    fmt.Sprintf("0x%04x", s.Type),
				Table:   "DRI",
			}
		}),
		TOS: r,
	}
}
