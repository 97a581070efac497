package inspect

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/fonda/pkg/tos"
)

var ErrUnknownFormat = errors.New("unknown executable format")

// Format is an executable container format.
type Format int

const (
	FormatAuto Format = iota
	FormatELF
	FormatTOS
)

func (f Format) String() string {
	switch f {
	case FormatAuto:
		return "auto"
	case FormatELF:
		return "elf"
	case FormatTOS:
		return "tos"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "elf":
		return FormatELF, nil
	case "tos":
		return FormatTOS, nil
	}
	return FormatAuto, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

func (f Format) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

func (f *Format) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// DetectFormat identifies the format of data from its first bytes.
func DetectFormat(data []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)):
		return FormatELF, nil
	case len(data) >= 2 && data[0] == tos.Magic>>8 && data[1] == tos.Magic&0xff:
		return FormatTOS, nil
	}
	return FormatAuto, ErrUnknownFormat
}
