package tos

import "github.com/go-kit/log"

type Option func(*options)

type options struct {
	logger    log.Logger
	rawDeltas bool
	symbols   bool
}

func defaultOptions() options {
	return options{
		logger:  log.NewNopLogger(),
		symbols: true,
	}
}

func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRawHCLNDeltas reports each HCLN record as its raw line delta at the
// hunk offset plus the raw PC delta, instead of the running totals.
// Output then matches tools that never accumulated the deltas.
func WithRawHCLNDeltas() Option {
	return func(o *options) {
		o.rawDeltas = true
	}
}

// WithSymbols controls whether the DRI symbol table is decoded.
func WithSymbols(enabled bool) Option {
	return func(o *options) {
		o.symbols = enabled
	}
}
