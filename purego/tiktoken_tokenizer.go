package purego

import (
	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
)

// DefaultTiktokenEncoding is used when no encoding name is given
const DefaultTiktokenEncoding = "cl100k_base"

const tiktokenEndOfText = "<|endoftext|>"

// TiktokenTokenizer tokenizes text using OpenAI's tiktoken BPE encodings.
// The end marker is <|endoftext|>; unless overridden, padding reuses it.
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
	eosID    int
	padID    int
}

// NewTiktokenTokenizer loads the named encoding (e.g. "cl100k_base",
// "o200k_base"). Encoding files are downloaded on first use unless
// TIKTOKEN_CACHE_DIR already holds them.
func NewTiktokenTokenizer(encodingName string) (*TiktokenTokenizer, error) {
	if encodingName == "" {
		encodingName = DefaultTiktokenEncoding
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get tiktoken encoding %q", encodingName)
	}
	ids := enc.Encode(tiktokenEndOfText, []string{tiktokenEndOfText}, nil)
	if len(ids) != 1 {
		return nil, errors.Errorf("encoding %q has no single %s token", encodingName, tiktokenEndOfText)
	}
	return &TiktokenTokenizer{
		encoding: enc,
		eosID:    ids[0],
		padID:    ids[0],
	}, nil
}

// WithPadTokenID returns a copy of the tokenizer padding with id
func (t *TiktokenTokenizer) WithPadTokenID(id int) *TiktokenTokenizer {
	c := *t
	c.padID = id
	return &c
}

// Encode converts text to token IDs. Special tokens in text are encoded as
// ordinary text.
func (t *TiktokenTokenizer) Encode(text string) ([]int, error) {
	return t.encoding.Encode(text, nil, nil), nil
}

// Decode converts token IDs to text
func (t *TiktokenTokenizer) Decode(tokenIDs []int) (string, error) {
	return t.encoding.Decode(tokenIDs), nil
}

// EOSTokenID returns the EOS token ID
func (t *TiktokenTokenizer) EOSTokenID() int {
	return t.eosID
}

// PadTokenID returns the padding token ID
func (t *TiktokenTokenizer) PadTokenID() int {
	return t.padID
}
