package inspect

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/grafana/fonda/pkg/errcode"
	fondaelf "github.com/grafana/fonda/pkg/elf"
	"github.com/grafana/fonda/pkg/lineinfo"
	"github.com/grafana/fonda/pkg/test"
	"github.com/grafana/fonda/pkg/tos"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func elfImage(debugLine []byte) []byte {
	order := binary.LittleEndian
	if debugLine == nil {
		debugLine, _ = test.LineProgram{
			Order:       order,
			IncludeDirs: []string{"/src"},
			Files:       []test.LineFile{{Name: "main.c", Dir: 1}},
			Ops: test.LineOps{}.
				SetAddress(0x1000, 8, order).
				Copy().
				AdvanceLine(4).
				AdvancePC(8).
				Copy().
				EndSequence(),
		}.Build()
	}
	return test.ELFBuilder{
		Sections: []test.ELFSection{
			{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: 0x1000, Data: make([]byte, 16)},
			{Name: ".debug_line", Type: elf.SHT_PROGBITS, Data: debugLine},
		},
		Symbols: []test.ELFSymbol{
			{Name: "main", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1, Value: 0x1000, Size: 16},
			{Name: "puts", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)},
		},
	}.Build().Data
}

func tosImage() []byte {
	return test.TOSBuilder{
		Text: make([]byte, 32),
		Data: make([]byte, 8),
		Symbols: []test.DRISymbol{
			{Name: "_main", Type: tos.SymbolDefined | tos.SymbolText | tos.SymbolGlobal, Value: 0x10},
			{Name: "_counter", Type: tos.SymbolDefined | tos.SymbolData, Value: 4},
		},
		Hunks: []test.TOSHunk{
			{Type: test.HunkLINE, PCOffset: 0x20, Body: test.LineHunkBody("main.c",
				test.LineRecord{Line: 3, PC: 0},
				test.LineRecord{Line: 7, PC: 6},
			)},
		},
	}.Build()
}

func newInspector(t *testing.T, cfg Config) (*Inspector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	in, err := New(cfg, test.NewTestingLogger(t), reg)
	require.NoError(t, err)
	return in, reg
}

func TestDetectFormat(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
		want Format
		err  error
	}{
		{"elf", elfImage(nil), FormatELF, nil},
		{"tos", tosImage(), FormatTOS, nil},
		{"empty", nil, FormatAuto, ErrUnknownFormat},
		{"truncated elf magic", []byte("\x7fEL"), FormatAuto, ErrUnknownFormat},
		{"byte swapped tos magic", []byte{0x1a, 0x60}, FormatAuto, ErrUnknownFormat},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DetectFormat(tc.data)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseFormat(t *testing.T) {
	for s, want := range map[string]Format{"": FormatAuto, "auto": FormatAuto, "ELF": FormatELF, "tos": FormatTOS} {
		got, err := ParseFormat(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseFormat("pe")
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestInspector_DecodeELF(t *testing.T) {
	in, _ := newInspector(t, DefaultConfig())
	res, err := in.Decode(elfImage(nil), FormatAuto)
	require.NoError(t, err)
	require.Equal(t, FormatELF, res.Format)
	require.NotNil(t, res.ELF)
	require.Nil(t, res.TOS)

	require.Equal(t, Section{ID: 1, Name: ".text", Type: "SHT_PROGBITS", Flags: "AX", Addr: 0x1000, Offset: res.ELF.Sections[1].Offset, Size: 16}, res.Sections[1])
	require.Equal(t, []Symbol{
		{Name: "main", Value: 0x1000, Size: 16, Section: ".text", Bind: "STB_GLOBAL", Type: "STT_FUNC", Table: ".symtab"},
		{Name: "puts", Section: "UNDEF", Bind: "STB_GLOBAL", Type: "STT_FUNC", Table: ".symtab"},
	}, res.Symbols)
	require.Equal(t, 2, res.NumPoints())

	loc, ok := res.Lookup(0x1004)
	require.True(t, ok)
	require.Equal(t, "/src/main.c", loc.File)
	require.Equal(t, uint32(1), loc.Point.Line)
	loc, ok = res.Lookup(0x2000)
	require.True(t, ok)
	require.Equal(t, uint32(5), loc.Point.Line)
	_, ok = res.Lookup(0xfff)
	require.False(t, ok)
}

func TestInspector_DecodeTOS(t *testing.T) {
	in, _ := newInspector(t, DefaultConfig())
	res, err := in.Decode(tosImage(), FormatAuto)
	require.NoError(t, err)
	require.Equal(t, FormatTOS, res.Format)
	require.NotNil(t, res.TOS)

	require.Equal(t, []Section{
		{ID: 0, Name: "TEXT", Type: "PROGBITS", Flags: "AX", Offset: 28, Size: 32},
		{ID: 1, Name: "DATA", Type: "PROGBITS", Flags: "WA", Offset: 60, Size: 8},
		{ID: 2, Name: "BSS", Type: "NOBITS", Flags: "WA", Offset: 68},
		{ID: 3, Name: "SYMBOLS", Type: "SYMTAB", Offset: 68, Size: 28},
	}, res.Sections)
	require.Equal(t, []Symbol{
		{Name: "_main", Value: 0x10, Section: "TEXT", Bind: "GLOBAL", Type: "0xa200", Table: "DRI"},
		{Name: "_counter", Value: 4, Section: "DATA", Bind: "LOCAL", Type: "0x8400", Table: "DRI"},
	}, res.Symbols)
	require.Equal(t, []lineinfo.CodePoint{
		{Address: 0x20, Line: 3},
		{Address: 0x26, Line: 7},
	}, res.Units[0].Points)

	loc, ok := res.Lookup(0x24)
	require.True(t, ok)
	require.Equal(t, "./main.c", loc.File)
}

func TestInspector_ForcedFormat(t *testing.T) {
	in, _ := newInspector(t, DefaultConfig())
	res, err := in.Decode(elfImage(nil), FormatTOS)
	require.Nil(t, res)
	code, ok := errcode.Of(err)
	require.True(t, ok)
	require.Equal(t, tos.CodeHeaderMagic, code)
}

func TestInspector_UnknownInputFailsAsELF(t *testing.T) {
	in, reg := newInspector(t, DefaultConfig())
	res, err := in.Decode([]byte("MZ\x90\x00"), FormatAuto)
	require.Nil(t, res)
	code, ok := errcode.Of(err)
	require.True(t, ok)
	require.Equal(t, fondaelf.CodeBadMagic, code)
	require.Equal(t, 1.0, testutil.ToFloat64(in.metrics.decodes.WithLabelValues("elf", "failure")))
	require.Equal(t, 1, testutil.CollectAndCount(reg, "fonda_decodes_total"))
}

func TestInspector_PartialResult(t *testing.T) {
	in, _ := newInspector(t, DefaultConfig())
	data := elfImage([]byte{0xff, 0xff, 0x00, 0x00, 0x04})
	for i := 0; i < 2; i++ {
		res, err := in.Decode(data, FormatAuto)
		require.Error(t, err)
		require.NotNil(t, res)
		require.Len(t, res.Symbols, 2)
		code, ok := errcode.Of(err)
		require.True(t, ok)
		require.Equal(t, fondaelf.CodeDebugLineParse, code)
	}
	require.Equal(t, 2.0, testutil.ToFloat64(in.metrics.decodes.WithLabelValues("elf", "partial")))
	require.Equal(t, 2.0, testutil.ToFloat64(in.metrics.cache.WithLabelValues("miss")))
}

func TestInspector_Cache(t *testing.T) {
	in, reg := newInspector(t, DefaultConfig())
	data := elfImage(nil)

	first, err := in.Decode(data, FormatAuto)
	require.NoError(t, err)
	second, err := in.Decode(bytes.Clone(data), FormatELF)
	require.NoError(t, err)
	require.Same(t, first, second)

	require.Equal(t, 1.0, testutil.ToFloat64(in.metrics.cache.WithLabelValues("hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(in.metrics.cache.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(in.metrics.decodes.WithLabelValues("elf", "success")))
	require.Equal(t, 2.0, testutil.ToFloat64(in.metrics.codePoints.WithLabelValues("elf")))

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP fonda_cache_requests_total Result cache lookups by result (hit or miss).
# TYPE fonda_cache_requests_total counter
fonda_cache_requests_total{result="hit"} 1
fonda_cache_requests_total{result="miss"} 1
`), "fonda_cache_requests_total")
	require.NoError(t, err)
}

func TestInspector_CacheDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheSize = 0
	in, _ := newInspector(t, cfg)
	data := tosImage()
	first, err := in.Decode(data, FormatAuto)
	require.NoError(t, err)
	second, err := in.Decode(data, FormatAuto)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, first, second)
	require.Equal(t, 2.0, testutil.ToFloat64(in.metrics.decodes.WithLabelValues("tos", "success")))
}

func TestInspector_HCLNRawDeltas(t *testing.T) {
	data := test.TOSBuilder{
		Hunks: []test.TOSHunk{
			{Type: test.HunkHCLN, PCOffset: 0x100, Body: test.HCLNHunkBody("a.s",
				test.LineRecord{Line: 1, PC: 2},
				test.LineRecord{Line: 2, PC: 4},
			)},
		},
	}.Build()
	for _, tc := range []struct {
		raw  bool
		want []lineinfo.CodePoint
	}{
		{false, []lineinfo.CodePoint{{Address: 0x102, Line: 1}, {Address: 0x106, Line: 3}}},
		{true, []lineinfo.CodePoint{{Address: 0x102, Line: 1}, {Address: 0x104, Line: 2}}},
	} {
		cfg := DefaultConfig()
		cfg.HCLNRawDeltas = tc.raw
		in, _ := newInspector(t, cfg)
		res, err := in.Decode(data, FormatTOS)
		require.NoError(t, err)
		require.Equal(t, tc.want, res.Units[0].Points)
	}
}

func TestInspector_Inspect(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bin/prog.elf", elfImage(nil), 0o644))
	reg := prometheus.NewRegistry()
	in, err := New(DefaultConfig(), test.NewTestingLogger(t), reg, WithFS(fs))
	require.NoError(t, err)

	res, err := in.Inspect("/bin/prog.elf", FormatAuto)
	require.NoError(t, err)
	require.Equal(t, "/bin/prog.elf", res.Path)

	cached, err := in.Decode(elfImage(nil), FormatAuto)
	require.NoError(t, err)
	require.Empty(t, cached.Path)
	require.Equal(t, res.Symbols, cached.Symbols)

	_, err = in.Inspect("/bin/missing", FormatAuto)
	code, ok := errcode.Of(err)
	require.True(t, ok)
	require.Equal(t, CodeFileRead, code)
}

func TestInspector_ConcurrentDecode(t *testing.T) {
	in, _ := newInspector(t, DefaultConfig())
	data := elfImage(nil)

	const n = 8
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := in.Decode(data, FormatAuto)
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		require.Equal(t, results[0].Symbols, res.Symbols)
	}
	decodes := testutil.ToFloat64(in.metrics.decodes.WithLabelValues("elf", "success"))
	require.GreaterOrEqual(t, decodes, 1.0)
	require.LessOrEqual(t, decodes, float64(n))
}

func TestReadAll_Compressed(t *testing.T) {
	raw := elfImage(nil)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zs := enc.EncodeAll(raw, nil)
	require.NoError(t, enc.Close())

	for name, in := range map[string][]byte{"raw": raw, "gzip": gz.Bytes(), "zstd": zs} {
		t.Run(name, func(t *testing.T) {
			got, err := ReadAll(bytes.NewReader(in), 0)
			require.NoError(t, err)
			require.Equal(t, raw, got)

			inspector, _ := newInspector(t, DefaultConfig())
			res, err := inspector.Decode(got, FormatAuto)
			require.NoError(t, err)
			require.Equal(t, FormatELF, res.Format)
		})
	}
}

func TestReadAll_SizeLimit(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 4096)
	_, err := ReadAll(bytes.NewReader(data), 4096)
	require.NoError(t, err)

	_, err = ReadAll(bytes.NewReader(data), 4095)
	code, ok := errcode.Of(err)
	require.True(t, ok)
	require.Equal(t, CodeAllocFail, code)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err = gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.Less(t, gz.Len(), 1024)
	_, err = ReadAll(bytes.NewReader(gz.Bytes()), 1024)
	code, _ = errcode.Of(err)
	require.Equal(t, CodeAllocFail, code)
}

func TestReadFile_SizeLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "big", make([]byte, 100), 0o644))
	_, err := ReadFile(fs, "big", 99)
	code, ok := errcode.Of(err)
	require.True(t, ok)
	require.Equal(t, CodeAllocFail, code)

	data, err := ReadFile(fs, "big", 100)
	require.NoError(t, err)
	require.Len(t, data, 100)
}

func TestConfig_YAML(t *testing.T) {
	cfg := DefaultConfig()
	err := yaml.Unmarshal([]byte(`
max_input_size: 64MiB
cache_size: 4
hcln_raw_deltas: true
dynamic_symbols: false
`), &cfg)
	require.NoError(t, err)
	require.Equal(t, Config{
		MaxInputSize:   64 << 20,
		CacheSize:      4,
		HCLNRawDeltas:  true,
		DynamicSymbols: false,
	}, cfg)
	require.Equal(t, "64 MiB", cfg.MaxInputSize.String())

	err = yaml.Unmarshal([]byte("max_input_size: lots"), &cfg)
	require.Error(t, err)

	cfg.CacheSize = -1
	require.Error(t, cfg.Validate())
	_, err = New(cfg, nil, nil)
	require.Error(t, err)
}

func TestNew_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(DefaultConfig(), nil, reg)
	require.NoError(t, err)
	b, err := New(DefaultConfig(), nil, reg)
	require.NoError(t, err)
	_, err = a.Decode(tosImage(), FormatAuto)
	require.NoError(t, err)
	_, err = b.Decode(tosImage(), FormatAuto)
	require.NoError(t, err)
	require.Equal(t, 2.0, testutil.ToFloat64(a.metrics.decodes.WithLabelValues("tos", "success")))
}
