package decode

import (
	"errors"

	"github.com/samcharles93/spindle/internal/tree"
)

var (
	// ErrContextOverflow is returned under OverflowRefuse when a step would
	// run past the cache length.
	ErrContextOverflow = errors.New("decode: context overflow")
	// ErrSamplingDegenerate marks a zero draft probability. Callers treat it
	// as a rejection.
	ErrSamplingDegenerate = errors.New("decode: degenerate sampling distribution")
	// ErrMismatchedTopology reports executor outputs, chunk layouts or tree
	// schedules that disagree with the model config.
	ErrMismatchedTopology = tree.ErrMismatchedTopology
)
