package rrhf

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loss is the result of one loss computation. It is step-local.
type Loss struct {
	Total float64
	RRHF  float64
	SFT   float64

	// Scores is the length-normalized log-probability of each slot. Scores of
	// slots with Valid false are 0 and take no part in the loss.
	Scores []float64
	Valid  []bool

	// Best holds, per group in Batch.Groups order, the slot used by the
	// supervised term, or -1 if the group has no valid slot.
	Best []int

	// Disagreements is the number of pairs whose model ordering contradicts
	// the external scores.
	Disagreements int

	// TokenGrad is dTotal/d(gathered log-prob) per slot and position.
	TokenGrad [][]float64

	Gathered *Gathered
	LogProbs *Tensor // nil when computed from gathered values
}

// LossEngine computes the RRHF training loss:
//
//	Total = RRHFWeight * RRHF + SFT
//
// RRHF is the sum, over every pair of slots of the same example whose model
// scores order them opposite to their external scores, of the model score
// gap. SFT is the negative mean token log-probability of the best externally
// scored candidate of each example.
type LossEngine struct {
	config Config
}

// NewLossEngine creates a loss engine
func NewLossEngine(config Config) *LossEngine {
	return &LossEngine{config: config}
}

// Compute applies log-softmax to logits ([slots, seqLen, vocab]), gathers the
// label log-probabilities and computes the loss.
func (e *LossEngine) Compute(batch *Batch, logits *Tensor) (*Loss, error) {
	if err := batch.CheckShape(); err != nil {
		return nil, err
	}
	if len(logits.Shape) != 3 || logits.Shape[0] != batch.NumSlots() || logits.Shape[1] != batch.SeqLen() {
		return nil, errors.Wrapf(ErrShapeMismatch, "logits shape %v, batch is [%d, %d, vocab]",
			logits.Shape, batch.NumSlots(), batch.SeqLen())
	}
	logProbs := LogSoftmax(logits)
	gathered, err := Gather(logProbs, batch.Labels)
	if err != nil {
		return nil, err
	}
	loss, err := e.ComputeGathered(batch, gathered)
	if err != nil {
		return nil, err
	}
	loss.LogProbs = logProbs
	return loss, nil
}

// ComputeGathered computes the loss from label log-probabilities that were
// already gathered.
func (e *LossEngine) ComputeGathered(batch *Batch, gathered *Gathered) (*Loss, error) {
	if err := batch.CheckShape(); err != nil {
		return nil, err
	}
	n := len(batch.Labels)
	if len(gathered.Values) != n || len(gathered.Valid) != n {
		return nil, errors.Wrapf(ErrShapeMismatch, "gathered has %d slots, batch has %d", len(gathered.Values), n)
	}
	for i := range gathered.Values {
		if len(gathered.Values[i]) != len(batch.Labels[i]) || len(gathered.Valid[i]) != len(batch.Labels[i]) {
			return nil, errors.Wrapf(ErrShapeMismatch, "gathered row %d has length %d, labels have %d",
				i, len(gathered.Values[i]), len(batch.Labels[i]))
		}
	}
	groups := batch.Groups()
	for _, g := range groups {
		if len(g.Slots) < 2 {
			return nil, errors.Wrapf(ErrEmptyGroup, "example %d has %d slot(s)", g.Index, len(g.Slots))
		}
	}

	loss := &Loss{
		Gathered:  gathered,
		TokenGrad: make([][]float64, n),
	}
	counts := gathered.Counts()
	loss.Scores, loss.Valid = SequenceScores(gathered, counts, e.config.LengthPenalty)

	rrhf, disagreements, scoreGrad := RankingLoss(groups, loss.Scores, loss.Valid, batch.Scores)
	loss.RRHF = rrhf
	loss.Disagreements = disagreements

	loss.Best = BestCandidates(groups, loss.Valid, batch.Scores)
	numBest := 0
	for _, slot := range loss.Best {
		if slot >= 0 {
			numBest++
		}
	}
	sftGrad := make([]float64, n)
	for _, slot := range loss.Best {
		if slot < 0 {
			continue
		}
		var sum float64
		for t, ok := range gathered.Valid[slot] {
			if ok {
				sum += gathered.Values[slot][t]
			}
		}
		loss.SFT -= sum / float64(counts[slot]) / float64(numBest)
		sftGrad[slot] = -1 / float64(counts[slot]) / float64(numBest)
	}
	if numBest == 0 {
		klog.Warningf("batch of %d slots has no slot with a valid response token, loss is 0", n)
	}

	loss.Total = e.config.RRHFWeight*loss.RRHF + loss.SFT

	for slot := 0; slot < n; slot++ {
		row := make([]float64, len(gathered.Values[slot]))
		if loss.Valid[slot] {
			perToken := e.config.RRHFWeight*scoreGrad[slot]/lengthNorm(counts[slot], e.config.LengthPenalty) + sftGrad[slot]
			for t, ok := range gathered.Valid[slot] {
				if ok {
					row[t] = perToken
				}
			}
		}
		loss.TokenGrad[slot] = row
	}
	return loss, nil
}

func lengthNorm(count int, lengthPenalty float64) float64 {
	return math.Pow(float64(count), lengthPenalty)
}

// SequenceScores returns sum(valid log-probs) / count^lengthPenalty per slot.
// Slots without valid positions, or whose score is not finite, are marked
// invalid with a score of 0.
func SequenceScores(gathered *Gathered, counts []int, lengthPenalty float64) (scores []float64, valid []bool) {
	scores = make([]float64, len(counts))
	valid = make([]bool, len(counts))
	for slot, count := range counts {
		if count == 0 {
			continue
		}
		var sum float64
		for t, ok := range gathered.Valid[slot] {
			if ok {
				sum += gathered.Values[slot][t]
			}
		}
		s := sum / lengthNorm(count, lengthPenalty)
		if math.IsNaN(s) || math.IsInf(s, 0) {
			klog.Warningf("slot %d has a non-finite score (%g), excluding it", slot, s)
			continue
		}
		scores[slot] = s
		valid[slot] = true
	}
	return scores, valid
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// RankingLoss compares every pair of valid slots inside each group. A pair is
// penalized when its external score difference and its model score
// difference have strictly opposite, non-zero signs; the penalty is the model
// score gap. scoreGrad is dLoss/dscore per slot.
func RankingLoss(groups []Group, scores []float64, valid []bool, external []float64) (loss float64, disagreements int, scoreGrad []float64) {
	scoreGrad = make([]float64, len(scores))
	for _, g := range groups {
		for i, a := range g.Slots {
			if !valid[a] {
				continue
			}
			for _, b := range g.Slots[i+1:] {
				if !valid[b] {
					continue
				}
				rw := sign(external[a] - external[b])
				diff := sign(scores[a] - scores[b])
				if rw == 0 || diff == 0 || rw == diff {
					continue
				}
				// preferred is ranked higher externally but scored lower by the model.
				preferred, other := a, b
				if rw < 0 {
					preferred, other = b, a
				}
				loss += scores[other] - scores[preferred]
				scoreGrad[other]++
				scoreGrad[preferred]--
				disagreements++
			}
		}
	}
	return loss, disagreements, scoreGrad
}

// BestCandidates returns, per group, the valid slot with the highest external
// score; ties go to the earliest slot. Groups without valid slots get -1.
func BestCandidates(groups []Group, valid []bool, external []float64) []int {
	best := make([]int, len(groups))
	for gi, g := range groups {
		best[gi] = -1
		for _, slot := range g.Slots {
			if !valid[slot] {
				continue
			}
			if best[gi] < 0 || external[slot] > external[best[gi]] {
				best[gi] = slot
			}
		}
	}
	return best
}
