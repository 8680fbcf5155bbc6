package rrhf

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lossTolerance = 1e-9

func TestLossConsistentOrdering(t *testing.T) {
	e := NewLossEngine(NewConfig())
	batch, g := gatheredBatch([]int{0, 0}, []float64{0.9, 0.1}, [][]float64{{-0.4}, {-0.9}})

	loss, err := e.ComputeGathered(batch, g)
	require.NoError(t, err)

	assert.InDelta(t, -0.4, loss.Scores[0], lossTolerance)
	assert.InDelta(t, -0.9, loss.Scores[1], lossTolerance)
	assert.Zero(t, loss.RRHF)
	assert.Zero(t, loss.Disagreements)
	assert.Equal(t, []int{0}, loss.Best)
	assert.InDelta(t, 0.4, loss.SFT, lossTolerance)
	assert.InDelta(t, 0.4, loss.Total, lossTolerance)
}

func TestLossReversedOrdering(t *testing.T) {
	e := NewLossEngine(NewConfig())
	batch, g := gatheredBatch([]int{0, 0}, []float64{0.9, 0.1}, [][]float64{{0.1}, {0.9}})

	loss, err := e.ComputeGathered(batch, g)
	require.NoError(t, err)

	assert.InDelta(t, 0.8, loss.RRHF, lossTolerance)
	assert.Equal(t, 1, loss.Disagreements)
	assert.Equal(t, []int{0}, loss.Best)
	assert.InDelta(t, -0.1, loss.SFT, lossTolerance)
	assert.InDelta(t, 100*0.8-0.1, loss.Total, lossTolerance)
}

func TestLossRRHFWeight(t *testing.T) {
	batch, g := gatheredBatch([]int{0, 0}, []float64{0.9, 0.1}, [][]float64{{-0.9}, {-0.1}})

	for _, w := range []float64{0, 1, 100} {
		loss, err := NewLossEngine(NewConfig(WithRRHFWeight(w))).ComputeGathered(batch, g)
		require.NoError(t, err)
		assert.InDelta(t, 0.8, loss.RRHF, lossTolerance)
		assert.InDelta(t, w*0.8+0.9, loss.Total, lossTolerance, "weight %g", w)
	}
}

func TestLossBestCandidate(t *testing.T) {
	e := NewLossEngine(NewConfig())
	batch, g := gatheredBatch([]int{0, 0, 0}, []float64{0.1, 0.9, 0.3},
		[][]float64{{-1}, {-2, -4}, {-3}})

	loss, err := e.ComputeGathered(batch, g)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, loss.Best)
	assert.InDelta(t, 3, loss.SFT, lossTolerance)
}

func TestLossBestCandidateTieTakesFirst(t *testing.T) {
	batch, g := gatheredBatch([]int{0, 0, 0}, []float64{0.2, 0.7, 0.7},
		[][]float64{{-1}, {-2}, {-3}})

	loss, err := NewLossEngine(NewConfig()).ComputeGathered(batch, g)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, loss.Best)
}

func TestLossTiedCandidatesAreInterchangeable(t *testing.T) {
	e := NewLossEngine(NewConfig())
	external := []float64{0.5, 0.5, 0.9}

	batch, g := gatheredBatch([]int{0, 0, 0}, external, [][]float64{{-0.3, -0.2}, {-2.5}, {-1, -1}})
	loss, err := e.ComputeGathered(batch, g)
	require.NoError(t, err)

	swappedBatch, swapped := gatheredBatch([]int{0, 0, 0}, external, [][]float64{{-2.5}, {-0.3, -0.2}, {-1, -1}})
	swappedLoss, err := e.ComputeGathered(swappedBatch, swapped)
	require.NoError(t, err)

	assert.InDelta(t, loss.Total, swappedLoss.Total, lossTolerance)
	assert.InDelta(t, loss.RRHF, swappedLoss.RRHF, lossTolerance)
	assert.Equal(t, loss.Disagreements, swappedLoss.Disagreements)
	// Slot 0 (score -0.25) outranks the best candidate (-1) and is penalized.
	assert.InDelta(t, 0.75, loss.RRHF, lossTolerance)
}

func TestLossIdenticalCandidates(t *testing.T) {
	tok := newWordTokenizer()
	cfg := NewConfig()
	batch, err := NewCollator(cfg, tok).Collate([]Example{{
		Query:     "tell me a story",
		Responses: []string{"once upon a time", "once upon a time"},
		Scores:    []float64{0.5, 0.5},
	}})
	require.NoError(t, err)

	model := &tableModel{vocab: 16, scale: 0.3}
	logits, err := model.Forward(t.Context(), batch.InputIDs, batch.AttentionMask)
	require.NoError(t, err)

	loss, err := NewLossEngine(cfg).Compute(batch, logits)
	require.NoError(t, err)

	assert.Zero(t, loss.RRHF)
	assert.Equal(t, loss.Scores[0], loss.Scores[1])
	assert.Equal(t, []int{0}, loss.Best)
	assert.False(t, math.IsNaN(loss.SFT) || math.IsInf(loss.SFT, 0))
	assert.Greater(t, loss.SFT, 0.0)
}

func TestLossLengthPenalty(t *testing.T) {
	batch, g := gatheredBatch([]int{0, 0}, []float64{1, 0}, [][]float64{{-1, -3}, {-10}})

	tests := []struct {
		penalty float64
		want    float64
	}{
		{0, -4},
		{1, -2},
		{2, -1},
	}
	for _, tt := range tests {
		loss, err := NewLossEngine(NewConfig(WithLengthPenalty(tt.penalty))).ComputeGathered(batch, g)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, loss.Scores[0], lossTolerance, "length penalty %g", tt.penalty)
		assert.InDelta(t, -10, loss.Scores[1], lossTolerance)
	}
}

func TestLossGroupsAreIndependent(t *testing.T) {
	// Each group is internally consistent, but comparing across groups would
	// produce disagreements.
	batch, g := gatheredBatch([]int{0, 0, 1, 1}, []float64{0.1, 0.0, 5.0, 4.0},
		[][]float64{{-0.1}, {-0.2}, {-3}, {-4}})

	loss, err := NewLossEngine(NewConfig()).ComputeGathered(batch, g)
	require.NoError(t, err)

	assert.Zero(t, loss.RRHF)
	assert.Equal(t, []int{0, 2}, loss.Best)
	// Mean over groups of the best candidate's mean negative log-prob.
	assert.InDelta(t, (0.1+3)/2, loss.SFT, lossTolerance)
}

func TestLossSumsPairsAcrossGroups(t *testing.T) {
	batch, g := gatheredBatch([]int{0, 0, 1, 1, 1}, []float64{1, 0, 3, 2, 1},
		[][]float64{{-0.5}, {-0.2}, {-0.9}, {-0.6}, {-0.1}})

	loss, err := NewLossEngine(NewConfig(WithRRHFWeight(1))).ComputeGathered(batch, g)
	require.NoError(t, err)

	// Group 0: 0.3. Group 1: (0.3) + (0.8) + (0.5).
	assert.InDelta(t, 0.3+0.3+0.8+0.5, loss.RRHF, lossTolerance)
	assert.Equal(t, 4, loss.Disagreements)
}

func TestLossExcludesSlotsWithoutValidTokens(t *testing.T) {
	batch, g := gatheredBatch([]int{0, 0, 0}, []float64{0.9, 0.5, 0.1},
		[][]float64{{}, {-2}, {-0.5}})

	loss, err := NewLossEngine(NewConfig()).ComputeGathered(batch, g)
	require.NoError(t, err)

	assert.False(t, loss.Valid[0])
	assert.Zero(t, loss.Scores[0])
	assert.Equal(t, []int{1}, loss.Best)
	assert.InDelta(t, 1.5, loss.RRHF, lossTolerance)
	assert.Equal(t, []float64{0}, loss.TokenGrad[0])
	assert.False(t, math.IsNaN(loss.Total))
}

func TestLossGroupWithoutValidSlots(t *testing.T) {
	tok := newWordTokenizer()
	cfg := NewConfig(WithModelMaxLength(2))
	batch, err := NewCollator(cfg, tok).Collate([]Example{{
		Query:     "a long query",
		Responses: []string{"x", "y"},
		Scores:    []float64{1, 0},
	}})
	require.NoError(t, err)

	logits := NewTensor(batch.NumSlots(), batch.SeqLen(), 8)
	loss, err := NewLossEngine(cfg).Compute(batch, logits)
	require.NoError(t, err)

	assert.Equal(t, []int{-1}, loss.Best)
	assert.Zero(t, loss.Total)
	assert.Equal(t, []bool{false, false}, loss.Valid)
}

func TestLossNonFiniteScoreIsExcluded(t *testing.T) {
	batch, g := gatheredBatch([]int{0, 0, 0}, []float64{0.9, 0.5, 0.1},
		[][]float64{{math.Inf(-1)}, {-2}, {-0.5}})

	loss, err := NewLossEngine(NewConfig()).ComputeGathered(batch, g)
	require.NoError(t, err)

	assert.False(t, loss.Valid[0])
	assert.Equal(t, []int{1}, loss.Best)
	assert.False(t, math.IsNaN(loss.Total) || math.IsInf(loss.Total, 0))
}

func TestLossShapeMismatch(t *testing.T) {
	e := NewLossEngine(NewConfig())

	t.Run("idxs length", func(t *testing.T) {
		batch, g := gatheredBatch([]int{0, 0}, []float64{1, 0}, [][]float64{{-1}, {-2}})
		batch.Idxs = []int{0, 0, 0}
		_, err := e.ComputeGathered(batch, g)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("scores length", func(t *testing.T) {
		batch, g := gatheredBatch([]int{0, 0}, []float64{1, 0}, [][]float64{{-1}, {-2}})
		batch.Scores = []float64{1}
		_, err := e.ComputeGathered(batch, g)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("gathered slots", func(t *testing.T) {
		batch, g := gatheredBatch([]int{0, 0}, []float64{1, 0}, [][]float64{{-1}, {-2}})
		g.Values = g.Values[:1]
		_, err := e.ComputeGathered(batch, g)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("gathered row length", func(t *testing.T) {
		batch, g := gatheredBatch([]int{0, 0}, []float64{1, 0}, [][]float64{{-1}, {-2}})
		g.Values[1] = append(g.Values[1], 0)
		_, err := e.ComputeGathered(batch, g)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("logits shape", func(t *testing.T) {
		batch, err := NewCollator(NewConfig(), newWordTokenizer()).Collate([]Example{{
			Query: "q", Responses: []string{"a", "b"}, Scores: []float64{1, 0},
		}})
		require.NoError(t, err)
		_, err = e.Compute(batch, NewTensor(3, batch.SeqLen(), 8))
		assert.ErrorIs(t, err, ErrShapeMismatch)
		_, err = e.Compute(batch, NewTensor(2, batch.SeqLen()+1, 8))
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("label outside vocabulary", func(t *testing.T) {
		batch, err := NewCollator(NewConfig(), newWordTokenizer()).Collate([]Example{{
			Query: "q", Responses: []string{"a b c d e", "f g h i j"}, Scores: []float64{1, 0},
		}})
		require.NoError(t, err)
		_, err = e.Compute(batch, NewTensor(2, batch.SeqLen(), 4))
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestLossEmptyGroup(t *testing.T) {
	batch, g := gatheredBatch([]int{0, 0, 1}, []float64{1, 0, 1}, [][]float64{{-1}, {-2}, {-3}})
	_, err := NewLossEngine(NewConfig()).ComputeGathered(batch, g)
	assert.ErrorIs(t, err, ErrEmptyGroup)
}

func TestLossTokenGradMatchesFiniteDifferences(t *testing.T) {
	cfg := NewConfig(WithRRHFWeight(3), WithLengthPenalty(0.7))
	e := NewLossEngine(cfg)
	// Scores are well separated so small perturbations never flip a pair.
	batch, g := gatheredBatch([]int{0, 0, 0, 1, 1}, []float64{0.9, 0.5, 0.1, 0.2, 0.8},
		[][]float64{{-2.0, -1.5, -3.0}, {-0.2, -0.4}, {-1.0}, {-0.5, -0.6}, {-4.0, -3.5, -2.5}})

	loss, err := e.ComputeGathered(batch, g)
	require.NoError(t, err)
	require.Positive(t, loss.Disagreements)

	const eps = 1e-6
	for i, row := range g.Values {
		for j := range row {
			if !g.Valid[i][j] {
				continue
			}
			orig := row[j]
			row[j] = orig + eps
			plus, err := e.ComputeGathered(batch, g)
			require.NoError(t, err)
			row[j] = orig - eps
			minus, err := e.ComputeGathered(batch, g)
			require.NoError(t, err)
			row[j] = orig

			numeric := (plus.Total - minus.Total) / (2 * eps)
			assert.InDelta(t, numeric, loss.TokenGrad[i][j], 1e-5, "slot %d position %d", i, j)
		}
	}
}

func TestLossRandomBatchIsFinite(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tok := newWordTokenizer()
	cfg := NewConfig()
	batch, err := NewCollator(cfg, tok).Collate([]Example{
		{Query: "how are you", Responses: []string{"fine thanks", "go away", "good"}, Scores: []float64{0.8, -1, 0.5}},
		{Query: "what time is it", Responses: []string{"noon", "I do not know"}, Scores: []float64{1, 0}},
	})
	require.NoError(t, err)

	logits := NewTensor(batch.NumSlots(), batch.SeqLen(), 32)
	for i := range logits.Data {
		logits.Data[i] = float32(rng.NormFloat64() * 3)
	}
	loss, err := NewLossEngine(cfg).Compute(batch, logits)
	require.NoError(t, err)

	require.NotNil(t, loss.LogProbs)
	assert.Len(t, loss.Best, 2)
	assert.GreaterOrEqual(t, loss.RRHF, 0.0)
	assert.Greater(t, loss.SFT, 0.0)
	assert.False(t, math.IsNaN(loss.Total) || math.IsInf(loss.Total, 0))
	for i, valid := range loss.Valid {
		assert.True(t, valid, "slot %d", i)
	}
}
