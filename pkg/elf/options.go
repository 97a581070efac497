package elf

import "github.com/go-kit/log"

type Option func(*options)

type options struct {
	logger      log.Logger
	dynamic     bool
	lineInfo    bool
	maxSections int
}

// DefaultMaxSections bounds the section header table of untrusted inputs.
const DefaultMaxSections = 1 << 16

func defaultOptions() options {
	return options{
		logger:      log.NewNopLogger(),
		dynamic:     true,
		lineInfo:    true,
		maxSections: DefaultMaxSections,
	}
}

func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDynamicSymbols controls whether .dynsym tables are read next to .symtab.
func WithDynamicSymbols(enabled bool) Option {
	return func(o *options) {
		o.dynamic = enabled
	}
}

// WithLineInfo controls whether .debug_line sections are decoded.
func WithLineInfo(enabled bool) Option {
	return func(o *options) {
		o.lineInfo = enabled
	}
}

// WithMaxSections rejects inputs declaring more than n sections.
func WithMaxSections(n int) Option {
	return func(o *options) {
		o.maxSections = n
	}
}
