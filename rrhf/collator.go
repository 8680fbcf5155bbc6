package rrhf

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Collator turns a list of examples into one padded Batch.
type Collator struct {
	config    Config
	tokenizer Tokenizer
	cache     *QueryCache
}

// NewCollator creates a collator. When config.QueryCacheSize is positive,
// query tokenizations are memoized across calls.
func NewCollator(config Config, tokenizer Tokenizer) *Collator {
	c := &Collator{
		config:    config,
		tokenizer: tokenizer,
	}
	if config.QueryCacheSize > 0 {
		c.cache = NewQueryCache(config.QueryCacheSize)
	}
	return c
}

// QueryCache returns the query tokenization cache, or nil if disabled
func (c *Collator) QueryCache() *QueryCache {
	return c.cache
}

// StopResponse cuts text at the earliest occurrence of any marker and trims
// surrounding whitespace. Text without markers is returned unchanged.
func StopResponse(text string, markers []string) string {
	cut := -1
	for _, m := range markers {
		if i := strings.Index(text, m); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text
	}
	return strings.TrimSpace(text[:cut])
}

// Sequences tokenizes every selected (example, candidate) pair, in
// example-then-candidate order.
func (c *Collator) Sequences(examples []Example) ([]*TokenSequence, error) {
	if len(examples) == 0 {
		return nil, errors.Wrap(ErrInvalidExample, "empty batch")
	}
	eos := c.tokenizer.EOSTokenID()
	seqs := make([]*TokenSequence, 0, len(examples)*2)
	for exIdx := range examples {
		ex := &examples[exIdx]
		if err := ex.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "example %d", exIdx)
		}
		candidates := ex.selectedCandidates(c.config)
		if len(candidates) < 2 {
			return nil, errors.Wrapf(ErrInvalidExample, "example %d has %d candidates after selection, ranking needs 2", exIdx, len(candidates))
		}

		queryIDs, err := c.encodeQuery(ex.Query)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode query of example %d", exIdx)
		}
		if len(queryIDs) == 0 {
			return nil, errors.Wrapf(ErrInvalidExample, "example %d: query has no tokens", exIdx)
		}
		budget := c.config.ModelMaxLength - len(queryIDs)
		if budget <= 0 {
			klog.V(1).Infof("example %d: query has %d tokens, no room left for responses under model_max_length=%d",
				exIdx, len(queryIDs), c.config.ModelMaxLength)
			budget = 0
		}

		for _, cand := range candidates {
			text := ex.Responses[cand]
			if c.config.StopResponse {
				text = StopResponse(text, c.config.StopMarkers)
			}
			responseIDs, err := c.tokenizer.Encode(text)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to encode response %d of example %d", cand, exIdx)
			}
			responseIDs = append(responseIDs, eos)
			if len(responseIDs) > budget {
				responseIDs = responseIDs[:budget]
			}

			seq := NewTokenSequence(queryIDs, responseIDs)
			seq.ExampleIndex = exIdx
			seq.CandidateIndex = cand
			seq.Score = ex.Scores[cand]
			seq.Reference = ex.IsReference(cand)
			seqs = append(seqs, seq)
		}
	}
	return seqs, nil
}

// Collate builds the padded batch for examples.
func (c *Collator) Collate(examples []Example) (*Batch, error) {
	seqs, err := c.Sequences(examples)
	if err != nil {
		return nil, err
	}
	return Pad(seqs, c.tokenizer.PadTokenID()), nil
}

// Pad right-pads seqs to the longest one: input ids with padID, labels with
// IgnoreIndex.
func Pad(seqs []*TokenSequence, padID int) *Batch {
	maxLen := 0
	for _, seq := range seqs {
		if seq.Len() > maxLen {
			maxLen = seq.Len()
		}
	}

	b := &Batch{
		InputIDs:      make([][]int, len(seqs)),
		AttentionMask: make([][]bool, len(seqs)),
		Labels:        make([][]int, len(seqs)),
		Idxs:          make([]int, len(seqs)),
		Scores:        make([]float64, len(seqs)),
		Reference:     make([]bool, len(seqs)),
	}
	for i, seq := range seqs {
		ids := make([]int, maxLen)
		mask := make([]bool, maxLen)
		labels := make([]int, maxLen)
		copy(labels, seq.Labels())
		for j := range ids {
			if j < seq.Len() {
				ids[j] = seq.TokenIDs[j]
			} else {
				ids[j] = padID
				labels[j] = IgnoreIndex
			}
			mask[j] = ids[j] != padID
		}
		b.InputIDs[i] = ids
		b.AttentionMask[i] = mask
		b.Labels[i] = labels
		b.Idxs[i] = seq.ExampleIndex
		b.Scores[i] = seq.Score
		b.Reference[i] = seq.Reference
	}
	return b
}

func (c *Collator) encodeQuery(query string) ([]int, error) {
	if c.cache != nil {
		if ids, ok := c.cache.Get(query); ok {
			return ids, nil
		}
	}
	ids, err := c.tokenizer.Encode(query)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Put(query, ids)
	}
	return ids, nil
}
