package rrhf

// TokenSequence is one (example, candidate) pair tokenized as query tokens
// followed by response tokens.
type TokenSequence struct {
	ExampleIndex   int
	CandidateIndex int
	Score          float64
	Reference      bool

	TokenIDs       []int
	NumQueryTokens int
}

// NewTokenSequence concatenates query and response tokens. Both slices are
// copied.
func NewTokenSequence(queryIDs, responseIDs []int) *TokenSequence {
	tokens := make([]int, 0, len(queryIDs)+len(responseIDs))
	tokens = append(tokens, queryIDs...)
	tokens = append(tokens, responseIDs...)
	return &TokenSequence{
		TokenIDs:       tokens,
		NumQueryTokens: len(queryIDs),
	}
}

// Len returns the number of tokens in the sequence
func (s *TokenSequence) Len() int {
	return len(s.TokenIDs)
}

// QueryTokenIDs returns the query token IDs
func (s *TokenSequence) QueryTokenIDs() []int {
	return s.TokenIDs[:s.NumQueryTokens]
}

// ResponseTokenIDs returns the response token IDs
func (s *TokenSequence) ResponseTokenIDs() []int {
	return s.TokenIDs[s.NumQueryTokens:]
}

// NumResponseTokens returns the number of response tokens
func (s *TokenSequence) NumResponseTokens() int {
	return len(s.TokenIDs) - s.NumQueryTokens
}

// Labels returns the shifted label row, the same length as the sequence:
//
//	IgnoreIndex * (numQuery-1) ++ response ++ IgnoreIndex
//
// Position t holds token t+1, so the last query position predicts the first
// response token.
func (s *TokenSequence) Labels() []int {
	labels := make([]int, 0, len(s.TokenIDs))
	for i := 0; i < s.NumQueryTokens-1; i++ {
		labels = append(labels, IgnoreIndex)
	}
	labels = append(labels, s.ResponseTokenIDs()...)
	return append(labels, IgnoreIndex)
}
