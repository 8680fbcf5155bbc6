package rrhf

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSoftmaxNormalizes(t *testing.T) {
	logits, err := FromData([]float32{
		1, 2, 3, 4,
		0, 0, 0, 0,
		-5, 10, 0.5, 2,
	}, 1, 3, 4)
	require.NoError(t, err)

	lp := LogSoftmax(logits)
	assert.Equal(t, logits.Shape, lp.Shape)
	for j := 0; j < 3; j++ {
		var sum float64
		for _, l := range lp.Row(0, j) {
			assert.LessOrEqual(t, l, float32(0))
			sum += math.Exp(float64(l))
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "row %d", j)
	}
	assert.InDelta(t, -math.Log(4), lp.At(0, 1, 2), 1e-6)
}

func TestLogSoftmaxLargeLogits(t *testing.T) {
	logits, err := FromData([]float32{1000, 1001, 999}, 1, 1, 3)
	require.NoError(t, err)

	lp := LogSoftmax(logits)
	for _, l := range lp.Data {
		assert.False(t, math.IsNaN(float64(l)) || math.IsInf(float64(l), 0))
	}
	assert.Greater(t, lp.At(0, 0, 1), lp.At(0, 0, 0))
}

func TestGather(t *testing.T) {
	logits, err := FromData([]float32{
		0, 1, 2,
		3, 1, 0,
		1, 1, 1,
		2, 0, 2,
	}, 2, 2, 3)
	require.NoError(t, err)
	lp := LogSoftmax(logits)

	g, err := Gather(lp, [][]int{{2, IgnoreIndex}, {IgnoreIndex, 0}})
	require.NoError(t, err)

	assert.Equal(t, [][]bool{{true, false}, {false, true}}, g.Valid)
	assert.Equal(t, []int{1, 1}, g.Counts())
	assert.InDelta(t, float64(lp.At(0, 0, 2)), g.Values[0][0], 1e-12)
	assert.InDelta(t, float64(lp.At(1, 1, 0)), g.Values[1][1], 1e-12)
	assert.Zero(t, g.Values[0][1])
	assert.Zero(t, g.Values[1][0])
}

func TestGatherShapeMismatch(t *testing.T) {
	lp := NewTensor(2, 3, 5)

	tests := []struct {
		name   string
		lp     *Tensor
		labels [][]int
	}{
		{"not 3D", NewTensor(6, 5), [][]int{{0, 0, 0}, {0, 0, 0}}},
		{"slot count", lp, [][]int{{0, 0, 0}}},
		{"row length", lp, [][]int{{0, 0, 0}, {0, 0}}},
		{"label too large", lp, [][]int{{0, 0, 5}, {0, 0, 0}}},
		{"negative label", lp, [][]int{{0, -1, 0}, {0, 0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Gather(tt.lp, tt.labels)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestLogitGradMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n, seqLen, vocab = 2, 3, 5
	logits := NewTensor(n, seqLen, vocab)
	for i := range logits.Data {
		logits.Data[i] = float32(rng.NormFloat64())
	}
	labels := [][]int{{1, 4, IgnoreIndex}, {IgnoreIndex, 0, 2}}
	tokenGrad := [][]float64{{0.7, -1.3, 5}, {2, 0.4, -0.9}}

	// f(logits) = sum over valid positions of tokenGrad * log p(label)
	f := func() float64 {
		g, err := Gather(LogSoftmax(logits), labels)
		require.NoError(t, err)
		var sum float64
		for i := range labels {
			for j := range labels[i] {
				if g.Valid[i][j] {
					sum += tokenGrad[i][j] * g.Values[i][j]
				}
			}
		}
		return sum
	}

	grad := LogitGrad(LogSoftmax(logits), labels, tokenGrad)
	require.Equal(t, logits.Shape, grad.Shape)

	const eps = 1e-2
	for k := range logits.Data {
		orig := logits.Data[k]
		logits.Data[k] = orig + eps
		plus := f()
		logits.Data[k] = orig - eps
		minus := f()
		logits.Data[k] = orig

		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, float64(grad.Data[k]), 2e-3, "logit %d", k)
	}

	// Ignored positions get no gradient.
	for _, g := range grad.Row(0, 2) {
		assert.Zero(t, g)
	}
}

func TestTensorFromData(t *testing.T) {
	_, err := FromData([]float32{1, 2, 3}, 2, 2)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = FromData(nil, -1)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	tensor, err := FromData([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, float32(5), tensor.At(0, 1, 1))
	assert.Equal(t, []float32{4, 5, 6}, tensor.Row(0, 1))

	tensor.Set(9, 0, 0, 2)
	assert.Equal(t, float32(9), tensor.Data[2])
}
