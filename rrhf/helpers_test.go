package rrhf

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	testPadID = 0
	testEOSID = 1
)

// wordTokenizer assigns ids to whitespace-separated words in order of first
// appearance, starting at 2.
type wordTokenizer struct {
	mu    sync.Mutex
	ids   map[string]int
	words []string
	calls int
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{ids: make(map[string]int), words: []string{"<pad>", "</s>"}}
}

func (t *wordTokenizer) Encode(text string) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	var tokens []int
	for _, w := range strings.Fields(text) {
		id, ok := t.ids[w]
		if !ok {
			id = len(t.words)
			t.ids[w] = id
			t.words = append(t.words, w)
		}
		tokens = append(tokens, id)
	}
	return tokens, nil
}

func (t *wordTokenizer) Decode(tokenIDs []int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	words := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == testPadID {
			continue
		}
		words = append(words, t.words[id])
	}
	return strings.Join(words, " "), nil
}

func (t *wordTokenizer) EOSTokenID() int { return testEOSID }
func (t *wordTokenizer) PadTokenID() int { return testPadID }

func (t *wordTokenizer) numCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

var errTokenizerBroken = errors.New("tokenizer broken")

type failingTokenizer struct{ wordTokenizer }

func (t *failingTokenizer) Encode(string) ([]int, error) { return nil, errTokenizerBroken }

// tableModel returns logits[i][t][v] = scale * ((token*7 + v*3) % 11), a fixed
// deterministic function of the input token.
type tableModel struct {
	vocab  int
	scale  float32
	err    error
	calls  int
	closed bool
}

func (m *tableModel) Forward(ctx context.Context, inputIDs [][]int, _ [][]bool) (*Tensor, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logits := NewTensor(len(inputIDs), len(inputIDs[0]), m.vocab)
	for i, row := range inputIDs {
		for t, tok := range row {
			out := logits.Row(i, t)
			for v := range out {
				out[v] = m.scale * float32((tok*7+v*3)%11)
			}
		}
	}
	return logits, nil
}

func (m *tableModel) Close() error {
	m.closed = true
	return nil
}

type recordingOptimizer struct {
	updates []*Update
	err     error
}

func (o *recordingOptimizer) Step(_ context.Context, u *Update) error {
	if o.err != nil {
		return o.err
	}
	o.updates = append(o.updates, u)
	return nil
}

// gatheredBatch builds a batch and matching gathered values where slot i has
// one valid position per value in logProbs[i].
func gatheredBatch(idxs []int, external []float64, logProbs [][]float64) (*Batch, *Gathered) {
	seqLen := 1
	for _, lp := range logProbs {
		seqLen = max(seqLen, len(lp))
	}
	b := &Batch{Idxs: idxs, Scores: external, Labels: make([][]int, len(idxs))}
	g := &Gathered{Values: make([][]float64, len(idxs)), Valid: make([][]bool, len(idxs))}
	for i, lp := range logProbs {
		b.Labels[i] = make([]int, seqLen)
		g.Values[i] = make([]float64, seqLen)
		g.Valid[i] = make([]bool, seqLen)
		for t := range seqLen {
			if t < len(lp) {
				b.Labels[i][t] = 2
				g.Values[i][t] = lp[t]
				g.Valid[i][t] = true
			} else {
				b.Labels[i][t] = IgnoreIndex
			}
		}
	}
	return b, g
}
