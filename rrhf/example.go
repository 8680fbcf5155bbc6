package rrhf

import (
	"math"

	"github.com/pkg/errors"
)

// Example is one training unit: a query, its candidate responses and one
// external preference score per response.
type Example struct {
	Query     string    `json:"query"`
	Responses []string  `json:"responses"`
	Scores    []float64 `json:"scores"`

	// Reference marks candidates that are provided reference responses rather
	// than sampled ones. Empty means no candidate is a reference.
	Reference []bool `json:"reference,omitempty"`
}

// NumCandidates returns the number of candidate responses
func (e *Example) NumCandidates() int {
	return len(e.Responses)
}

// IsReference returns whether candidate i is a reference response
func (e *Example) IsReference(i int) bool {
	return i < len(e.Reference) && e.Reference[i]
}

// Validate checks the structural invariants of the example.
func (e *Example) Validate() error {
	if len(e.Responses) != len(e.Scores) {
		return errors.Wrapf(ErrInvalidExample, "%d responses but %d scores", len(e.Responses), len(e.Scores))
	}
	if len(e.Responses) < 2 {
		return errors.Wrapf(ErrInvalidExample, "ranking needs at least 2 candidates, got %d", len(e.Responses))
	}
	if len(e.Reference) != 0 && len(e.Reference) != len(e.Responses) {
		return errors.Wrapf(ErrInvalidExample, "%d reference flags for %d responses", len(e.Reference), len(e.Responses))
	}
	for i, s := range e.Scores {
		if math.IsNaN(s) {
			return errors.Wrapf(ErrInvalidExample, "scores[%d] is NaN", i)
		}
	}
	return nil
}

// selectedCandidates returns the indices of the candidates kept by cfg.
func (e *Example) selectedCandidates(cfg Config) []int {
	idx := make([]int, 0, len(e.Responses))
	for i := range e.Responses {
		if cfg.keepCandidate(e.IsReference(i)) {
			idx = append(idx, i)
		}
	}
	return idx
}
