package main

import (
	"io"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/grafana/fonda/pkg/inspect"
)

// Config is the content of the file passed with --config.file.
type Config struct {
	Format  inspect.Format `yaml:"format"`
	NoColor bool           `yaml:"no_color"`
	Sorted  bool           `yaml:"sorted"`
	Tree    bool           `yaml:"tree"`
	Inspect inspect.Config `yaml:"inspect"`
}

func defaultConfig() Config {
	return Config{Inspect: inspect.DefaultConfig()}
}

func (c *Config) Validate() error {
	return errors.Wrap(c.Inspect.Validate(), "inspect")
}

func loadConfig(fs afero.Fs, path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := decodeConfig(f, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "load %s", path)
	}
	return cfg, nil
}

func decodeConfig(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return cfg.Validate()
}

// flagOverrides are the command line values that take precedence over the
// config file when set.
type flagOverrides struct {
	tos           bool
	format        string
	maxInputSize  string
	hclnRawDeltas bool
	noDynsym      bool
	noColor       bool
	sorted        bool
	tree          bool
}

func (o flagOverrides) apply(cfg *Config) error {
	if o.format != "" {
		f, err := inspect.ParseFormat(o.format)
		if err != nil {
			return err
		}
		cfg.Format = f
	}
	if o.tos {
		cfg.Format = inspect.FormatTOS
	}
	if o.maxInputSize != "" {
		v, err := humanize.ParseBytes(o.maxInputSize)
		if err != nil {
			return errors.Wrapf(err, "invalid --max-input-size %q", o.maxInputSize)
		}
		cfg.Inspect.MaxInputSize = inspect.ByteSize(v)
	}
	if o.hclnRawDeltas {
		cfg.Inspect.HCLNRawDeltas = true
	}
	if o.noDynsym {
		cfg.Inspect.DynamicSymbols = false
	}
	if o.noColor {
		cfg.NoColor = true
	}
	if o.sorted {
		cfg.Sorted = true
	}
	if o.tree {
		cfg.Tree = true
	}
	return cfg.Validate()
}
