package rrhf

import "github.com/pkg/errors"

var (
	// ErrInvalidExample reports malformed input data: mismatched response and
	// score counts, fewer than two candidates, or an empty query.
	ErrInvalidExample = errors.New("invalid example")

	// ErrShapeMismatch reports a batch whose per-slot slices, labels and
	// log-probabilities do not line up.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrEmptyGroup reports a group with fewer than two slots, so no ranking
	// pair exists.
	ErrEmptyGroup = errors.New("empty group")
)
