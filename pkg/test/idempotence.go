package test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// AssertIdempotent runs decode twice and requires both runs to produce the
// same error state and structurally equal results.
func AssertIdempotent[T any](t *testing.T, decode func() (T, error), opts ...cmp.Option) T {
	t.Helper()
	first, err1 := decode()
	second, err2 := decode()
	require.Equal(t, err1 == nil, err2 == nil, "errors differ: %v / %v", err1, err2)
	if err1 != nil {
		require.Equal(t, err1.Error(), err2.Error())
	}
	if diff := cmp.Diff(first, second, opts...); diff != "" {
		t.Fatalf("decode is not idempotent (-first +second):\n%s", diff)
	}
	return first
}
