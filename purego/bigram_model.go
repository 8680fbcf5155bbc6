package purego

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"rrhf-go/rrhf"
)

// BigramModel is the smallest trainable next-token model: the logits at a
// position depend only on the token at that position, through a
// [vocab, vocab] table.
type BigramModel struct {
	mu        sync.RWMutex
	vocabSize int
	weights   []float32 // row-major [current token, next token]
}

// NewBigramModel creates a model with small random weights
func NewBigramModel(vocabSize int, seed int64) *BigramModel {
	rng := rand.New(rand.NewSource(seed))
	weights := make([]float32, vocabSize*vocabSize)
	for i := range weights {
		weights[i] = float32(rng.NormFloat64() * 0.01)
	}
	return &BigramModel{
		vocabSize: vocabSize,
		weights:   weights,
	}
}

// VocabSize returns the vocabulary size
func (m *BigramModel) VocabSize() int {
	return m.vocabSize
}

// Forward returns [N, T, V] logits for the batch
func (m *BigramModel) Forward(ctx context.Context, inputIDs [][]int, attentionMask [][]bool) (*rrhf.Tensor, error) {
	if len(inputIDs) == 0 {
		return nil, errors.New("no sequences to process")
	}
	seqLen := len(inputIDs[0])
	logits := rrhf.NewTensor(len(inputIDs), seqLen, m.vocabSize)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, row := range inputIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(row) != seqLen {
			return nil, errors.Wrapf(rrhf.ErrShapeMismatch, "input_ids[%d] has length %d, expected %d", i, len(row), seqLen)
		}
		for t, tok := range row {
			if tok < 0 || tok >= m.vocabSize {
				return nil, errors.Errorf("input_ids[%d][%d]=%d outside vocabulary of size %d", i, t, tok, m.vocabSize)
			}
			copy(logits.Row(i, t), m.weights[tok*m.vocabSize:(tok+1)*m.vocabSize])
		}
	}
	return logits, nil
}

// NextTokenLogProbs returns the log-probability distribution of the token
// following tok.
func (m *BigramModel) NextTokenLogProbs(tok int) []float32 {
	m.mu.RLock()
	row := rrhf.NewTensor(1, 1, m.vocabSize)
	copy(row.Data, m.weights[tok*m.vocabSize:(tok+1)*m.vocabSize])
	m.mu.RUnlock()
	return rrhf.LogSoftmax(row).Data
}

// Close cleans up resources
func (m *BigramModel) Close() error {
	return nil
}

// SGD is plain stochastic gradient descent over a BigramModel, with optional
// global-norm gradient clipping.
type SGD struct {
	model        *BigramModel
	learningRate float64
	clipNorm     float64
}

// NewSGD creates an optimizer for model. clipNorm <= 0 disables clipping.
func NewSGD(model *BigramModel, learningRate, clipNorm float64) *SGD {
	return &SGD{
		model:        model,
		learningRate: learningRate,
		clipNorm:     clipNorm,
	}
}

// Step applies one update from the gradient of the step's loss
func (o *SGD) Step(ctx context.Context, update *rrhf.Update) error {
	logitGrad := update.LogitGrad()
	if logitGrad == nil {
		return errors.New("SGD needs the loss computed from logits, got gathered log-probs only")
	}
	v := o.model.vocabSize
	grad := make([]float64, v*v)
	for i, row := range update.Batch.InputIDs {
		for t, tok := range row {
			g := logitGrad.Row(i, t)
			base := tok * v
			for k, val := range g {
				grad[base+k] += float64(val)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	scale := o.learningRate
	if o.clipNorm > 0 {
		var sq float64
		for _, g := range grad {
			sq += g * g
		}
		if norm := math.Sqrt(sq); norm > o.clipNorm {
			scale *= o.clipNorm / norm
		}
	}

	o.model.mu.Lock()
	defer o.model.mu.Unlock()
	for i, g := range grad {
		if g != 0 {
			o.model.weights[i] -= float32(scale * g)
		}
	}
	return nil
}
