package nn

import (
	"errors"
	"fmt"

	"github.com/gomlx/exceptions"
)

// ErrShape is wrapped by every error converted from a failed tensor operation.
var ErrShape = errors.New("nn: shape mismatch")

// shapePanicf aborts the current tensor computation. Callers at an API
// boundary recover it with Try.
func shapePanicf(format string, args ...any) {
	exceptions.Panicf("nn: "+format, args...)
}

// Try runs fn and converts a panic raised by a tensor operation into an
// error wrapping ErrShape. Out-of-range indexing inside a kernel is reported
// the same way. Panics whose value is not an error are re-raised.
func Try(fn func()) error {
	if err := exceptions.TryCatch[error](fn); err != nil {
		return fmt.Errorf("%w: %w", ErrShape, err)
	}
	return nil
}
