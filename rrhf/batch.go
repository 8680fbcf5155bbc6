package rrhf

import (
	"sort"

	"github.com/pkg/errors"
)

// Batch is the unit passed to the model. All per-slot slices share one
// flattening order: example-major, then candidate order.
type Batch struct {
	InputIDs      [][]int  // [slots][seqLen], right-padded with the pad id
	AttentionMask [][]bool // true where InputIDs is not the pad id
	Labels        [][]int  // shifted labels, IgnoreIndex on query span and padding
	Idxs          []int    // originating example index per slot
	Scores        []float64
	Reference     []bool
}

// NumSlots returns the number of flattened (example, candidate) slots
func (b *Batch) NumSlots() int {
	return len(b.InputIDs)
}

// SeqLen returns the padded sequence length
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// NumTokens returns the number of non-pad positions in the batch
func (b *Batch) NumTokens() int {
	n := 0
	for _, row := range b.AttentionMask {
		for _, ok := range row {
			if ok {
				n++
			}
		}
	}
	return n
}

// ValidCounts returns, per slot, the number of non-ignore label positions
func (b *Batch) ValidCounts() []int {
	counts := make([]int, len(b.Labels))
	for i, row := range b.Labels {
		for _, l := range row {
			if l != IgnoreIndex {
				counts[i]++
			}
		}
	}
	return counts
}

// Group is the set of slots sharing one originating example.
type Group struct {
	Index int
	Slots []int
}

// Groups partitions slots by Idxs, ordered by example index. Slots inside a
// group keep their flattened (candidate) order.
func (b *Batch) Groups() []Group {
	byIndex := make(map[int][]int)
	for slot, idx := range b.Idxs {
		byIndex[idx] = append(byIndex[idx], slot)
	}
	groups := make([]Group, 0, len(byIndex))
	for idx, slots := range byIndex {
		groups = append(groups, Group{Index: idx, Slots: slots})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Index < groups[j].Index
	})
	return groups
}

// CheckShape verifies that per-slot slices agree with each other and that
// every row has the padded length.
func (b *Batch) CheckShape() error {
	n := len(b.Labels)
	if len(b.Idxs) != n || len(b.Scores) != n {
		return errors.Wrapf(ErrShapeMismatch, "labels has %d slots, idxs %d, scores %d", n, len(b.Idxs), len(b.Scores))
	}
	if len(b.InputIDs) != 0 && len(b.InputIDs) != n {
		return errors.Wrapf(ErrShapeMismatch, "input_ids has %d slots, labels %d", len(b.InputIDs), n)
	}
	if len(b.Reference) != 0 && len(b.Reference) != n {
		return errors.Wrapf(ErrShapeMismatch, "reference has %d slots, labels %d", len(b.Reference), n)
	}
	for i, row := range b.Labels {
		if len(row) != len(b.Labels[0]) {
			return errors.Wrapf(ErrShapeMismatch, "labels[%d] has length %d, labels[0] has %d", i, len(row), len(b.Labels[0]))
		}
		if len(b.InputIDs) != 0 && len(b.InputIDs[i]) != len(row) {
			return errors.Wrapf(ErrShapeMismatch, "input_ids[%d] has length %d, labels[%d] has %d", i, len(b.InputIDs[i]), i, len(row))
		}
	}
	return nil
}
