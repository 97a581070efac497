package test

import (
	"strings"
	"testing"

	"github.com/go-kit/log"
)

type testingWriter struct {
	t testing.TB
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// NewTestingLogger returns a logfmt logger that writes through t.Log, so
// decoder debug output only shows up for failing or verbose tests.
func NewTestingLogger(t testing.TB) log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(&testingWriter{t: t}))
}
