package rrhf

import (
	"math"

	"github.com/pkg/errors"
)

// Gathered holds the log-probability of the label token at every position of
// every slot. Values are exactly 0 where Valid is false.
type Gathered struct {
	Values [][]float64
	Valid  [][]bool
}

// Counts returns the number of valid positions per slot.
func (g *Gathered) Counts() []int {
	counts := make([]int, len(g.Valid))
	for i, row := range g.Valid {
		for _, ok := range row {
			if ok {
				counts[i]++
			}
		}
	}
	return counts
}

// LogSoftmax normalizes the last axis of logits into log-probabilities and
// returns a new tensor of the same shape.
func LogSoftmax(logits *Tensor) *Tensor {
	out := NewTensor(logits.Shape...)
	v := logits.Shape[len(logits.Shape)-1]
	if v == 0 {
		return out
	}
	for start := 0; start < len(logits.Data); start += v {
		row := logits.Data[start : start+v]

		// Find max for numerical stability
		maxLogit := row[0]
		for _, l := range row[1:] {
			if l > maxLogit {
				maxLogit = l
			}
		}

		var sum float64
		for _, l := range row {
			sum += math.Exp(float64(l - maxLogit))
		}
		logSum := float64(maxLogit) + math.Log(sum)
		for i, l := range row {
			out.Data[start+i] = float32(float64(l) - logSum)
		}
	}
	return out
}

// Gather selects, for every slot and position, the log-probability of the
// label token. logProbs has shape [N, T, V] and labels is N rows of T ids.
func Gather(logProbs *Tensor, labels [][]int) (*Gathered, error) {
	if len(logProbs.Shape) != 3 {
		return nil, errors.Wrapf(ErrShapeMismatch, "log-probs must be 3D [slots, seq, vocab], got shape %v", logProbs.Shape)
	}
	n, t, v := logProbs.Shape[0], logProbs.Shape[1], logProbs.Shape[2]
	if n != len(labels) {
		return nil, errors.Wrapf(ErrShapeMismatch, "log-probs have %d slots, labels have %d", n, len(labels))
	}
	g := &Gathered{
		Values: make([][]float64, n),
		Valid:  make([][]bool, n),
	}
	for i, row := range labels {
		if len(row) != t {
			return nil, errors.Wrapf(ErrShapeMismatch, "labels[%d] has length %d, log-probs sequence length is %d", i, len(row), t)
		}
		g.Values[i] = make([]float64, t)
		g.Valid[i] = make([]bool, t)
		for j, label := range row {
			if label == IgnoreIndex {
				continue
			}
			if label < 0 || label >= v {
				return nil, errors.Wrapf(ErrShapeMismatch, "labels[%d][%d]=%d outside vocabulary of size %d", i, j, label, v)
			}
			g.Values[i][j] = float64(logProbs.Row(i, j)[label])
			g.Valid[i][j] = true
		}
	}
	return g, nil
}

// LogitGrad back-propagates tokenGrad, the gradient with respect to the
// gathered log-probabilities, through the log-softmax:
//
//	dL/dlogit[v] = g * (onehot(label)[v] - softmax[v])
//
// Ignored positions receive a zero gradient.
func LogitGrad(logProbs *Tensor, labels [][]int, tokenGrad [][]float64) *Tensor {
	grad := NewTensor(logProbs.Shape...)
	for i, row := range labels {
		for j, label := range row {
			if label == IgnoreIndex {
				continue
			}
			g := tokenGrad[i][j]
			if g == 0 {
				continue
			}
			lp := logProbs.Row(i, j)
			out := grad.Row(i, j)
			for k, l := range lp {
				out[k] = float32(-g * math.Exp(float64(l)))
			}
			out[label] += float32(g)
		}
	}
	return grad
}
