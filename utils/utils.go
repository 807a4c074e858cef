package utils

import (
	"unsafe"

	"github.com/rs/zerolog"
	l "github.com/rs/zerolog/log"
)

// Logger returns a child of the global logger tagged with the given context,
// e.g.: utils.Logger("reconciler").
func Logger(ctx string) zerolog.Logger {
	return l.With().
		Str("context", ctx).
		Logger()
}

func StrPtr(s string) *string {
	return &s
}

// StringToByte returns the bytes backing `s` without copying. The returned
// slice must never be mutated.
func StringToByte(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// Prepend uses append and copy to make the inverse operation of append,
// returning an slice with src before dst, with as few allocations as possible.
//
// If `cap(dst) >= len(src) + len(dst)` prepend does not allocate.
//
// Returns `dst` with the new length, so use it with `a = prepend(a, b)`.
// Otherwise with just `prepend(a, b)` a will have the old length.
func Prepend(dst []byte, src []byte) []byte {
	l := len(src)
	// Add as many empty 0 to dst as src len
	for i := 0; i < l; i++ {
		// If there is spare capacity append extends dst length, otherwise it
		// allocates
		dst = append(dst, 0)
	}
	// copy dst to the second half. Note: dst[:] = dst[:len(dst)]
	copy(dst[l:], dst[:])
	// copy src to the first half
	copy(dst[:l], src)
	// return dst with the new length
	return dst
}
