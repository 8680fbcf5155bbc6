//go:build tokenizers
// +build tokenizers

package purego

import (
	"github.com/daulet/tokenizers"
	"github.com/pkg/errors"
)

// HFTokenizer implements Tokenizer with a HuggingFace tokenizer.json, through
// the Rust tokenizers library linked via CGo. Build with -tags tokenizers and
// libtokenizers.a on the linker path.
type HFTokenizer struct {
	tk               *tokenizers.Tokenizer
	eosID            int
	padID            int
	addSpecialTokens bool
}

// NewHFTokenizer loads tokenizer.json from path. eosID and padID must be
// given explicitly since tokenizer.json does not name them.
func NewHFTokenizer(path string, eosID, padID int, addSpecialTokens bool) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load tokenizer from %q", path)
	}
	return &HFTokenizer{
		tk:               tk,
		eosID:            eosID,
		padID:            padID,
		addSpecialTokens: addSpecialTokens,
	}, nil
}

// Encode converts text to token IDs
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, t.addSpecialTokens)
	tokens := make([]int, len(ids))
	for i, id := range ids {
		tokens[i] = int(id)
	}
	return tokens, nil
}

// Decode converts token IDs to text, skipping special tokens
func (t *HFTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the EOS token ID
func (t *HFTokenizer) EOSTokenID() int {
	return t.eosID
}

// PadTokenID returns the padding token ID
func (t *HFTokenizer) PadTokenID() int {
	return t.padID
}

// VocabSize returns the vocabulary size
func (t *HFTokenizer) VocabSize() int {
	return int(t.tk.VocabSize())
}

// Close releases the native tokenizer
func (t *HFTokenizer) Close() error {
	return t.tk.Close()
}
