package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/fonda/pkg/inspect"
	"github.com/grafana/fonda/pkg/report"
)

// Exit statuses.
const (
	exitOK     = 0
	exitUsage  = 1
	exitDecode = 2
)

func main() {
	os.Exit(run(afero.NewOsFs(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(fsys afero.Fs, args []string, stdout, stderr io.Writer) int {
	var (
		flags      flagOverrides
		configFile string
		verbose    bool
		addr       string
		dumpMetric bool
		filename   string
		terminated = -1
	)

	app := kingpin.New("fonda", "Prints the sections, line information and symbols of ELF and Atari TOS executables.").
		UsageWriter(stderr).
		ErrorWriter(stderr).
		Terminate(func(status int) { terminated = status })
	app.Version(version.Print("fonda"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').BoolVar(&verbose)
	app.Flag("config.file", "YAML configuration file.").StringVar(&configFile)
	app.Flag("tos", "Decode the input as an Atari TOS executable.").BoolVar(&flags.tos)
	app.Flag("format", "Input format: auto, elf or tos.").EnumVar(&flags.format, "auto", "elf", "tos")
	app.Flag("max-input-size", "Largest input accepted, such as 64MiB.").StringVar(&flags.maxInputSize)
	app.Flag("hcln-raw-deltas", "Report HCLN entries as raw deltas instead of running totals.").BoolVar(&flags.hclnRawDeltas)
	app.Flag("no-dynsym", "Skip the dynamic symbol table.").BoolVar(&flags.noDynsym)
	app.Flag("no-color", "Disable colored output.").BoolVar(&flags.noColor)
	app.Flag("sorted", "Print code points ordered by address.").BoolVar(&flags.sorted)
	app.Flag("tree", "Print line information grouped by unit and file.").BoolVar(&flags.tree)
	app.Flag("addr", "Look up the source position of an address, such as 0x1000.").StringVar(&addr)
	app.Flag("metrics", "Dump decoder metrics to stderr after the report.").BoolVar(&dumpMetric)
	app.Arg("input_filename", "Executable to inspect.").StringVar(&filename)

	_, err := app.Parse(args)
	if terminated >= 0 {
		return terminated
	}

	if err := report.WriteTitle(stdout, report.Options{NoColor: flags.noColor}); err != nil {
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: Unknown option: %v\n", err)
		app.Usage(nil)
		return exitUsage
	}
	if filename == "" {
		fmt.Fprintln(stderr, "Error: No filename")
		app.Usage(nil)
		return exitUsage
	}

	var logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(stderr))
	if verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg, err := loadConfig(fsys, configFile)
	if err == nil {
		err = flags.apply(&cfg)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	var lookup *uint64
	if addr != "" {
		v, err := strconv.ParseUint(addr, 0, 64)
		if err != nil {
			fmt.Fprintf(stderr, "Error: invalid --addr %q\n", addr)
			return exitUsage
		}
		lookup = &v
	}
	level.Debug(logger).Log("msg", "starting", "version", version.Info(), "format", cfg.Format.String(), "max_input_size", cfg.Inspect.MaxInputSize)

	reg := prometheus.NewRegistry()
	in, err := inspect.New(cfg.Inspect, logger, reg, inspect.WithFS(fsys))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	status := inspectFile(in, cfg, filename, lookup, stdout, stderr)
	if dumpMetric {
		if err := writeMetrics(stderr, reg); err != nil {
			level.Warn(logger).Log("msg", "failed to write metrics", "err", err)
		}
	}
	return status
}

func inspectFile(in *inspect.Inspector, cfg Config, filename string, lookup *uint64, stdout, stderr io.Writer) int {
	res, err := in.Inspect(filename, cfg.Format)
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "open" {
		fmt.Fprintf(stderr, "Error: Can't open file: %s\n", filename)
		return exitUsage
	}
	if err != nil {
		report.WriteError(stderr, err)
		return exitDecode
	}

	opts := report.Options{NoColor: cfg.NoColor, Sorted: cfg.Sorted, Tree: cfg.Tree}
	if err := report.Write(stdout, res, opts); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if lookup != nil {
		fmt.Fprintln(stdout)
		if err := report.WriteLocation(stdout, res, *lookup); err != nil {
			return exitUsage
		}
	}
	return exitOK
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
