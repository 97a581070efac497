package inspect

import "github.com/spf13/afero"

type Option func(*Inspector)

// WithFS sets the file system Inspect reads from. Defaults to the OS.
func WithFS(fs afero.Fs) Option {
	return func(in *Inspector) {
		in.fs = fs
	}
}
