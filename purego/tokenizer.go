package purego

import "strings"

// Special token IDs of SimpleTokenizer
const (
	SimplePadID = 0
	SimpleBOSID = 1
	SimpleEOSID = 2
	SimpleUNKID = 3
)

// commonWords seeds the SimpleTokenizer vocabulary
var commonWords = []string{
	"hello", "world", "the", "is", "a", "an", "in", "on", "at",
	"to", "from", "with", "for", "of", "and", "or", "but",
	"this", "that", "these", "those", "it", "he", "she", "they",
	"what", "where", "when", "why", "how", "who", "which",
	"are", "you", "was", "were", "be", "been", "have", "has", "had",
	"do", "does", "did", "can", "could", "will", "would", "should",
	"Human:", "Assistant:", "yes", "no", "not", "sure", "sorry", "help",
}

// SimpleTokenizer is a word-level tokenizer with character fallback.
// It has no external dependencies and is deterministic, which makes it the
// tokenizer of choice for tests and demos.
type SimpleTokenizer struct {
	vocab  map[string]int
	invVoc map[int]string
}

// NewSimpleTokenizer creates a tokenizer whose vocabulary holds the special
// tokens, a list of common words, extraWords, ASCII letters and digits, and
// punctuation.
func NewSimpleTokenizer(extraWords ...string) *SimpleTokenizer {
	t := &SimpleTokenizer{
		vocab:  make(map[string]int),
		invVoc: make(map[int]string),
	}
	for _, token := range []string{"<pad>", "<s>", "</s>", "<unk>"} {
		t.add(token)
	}
	for _, word := range commonWords {
		t.add(word)
	}
	for _, word := range extraWords {
		t.add(word)
	}

	// Add character tokens for fallback
	for ch := 'a'; ch <= 'z'; ch++ {
		t.add(string(ch))
	}
	for ch := 'A'; ch <= 'Z'; ch++ {
		t.add(string(ch))
	}
	for ch := '0'; ch <= '9'; ch++ {
		t.add(string(ch))
	}
	for _, p := range []string{" ", ".", ",", "!", "?", ":", ";", "-", "'", "\"", "\n"} {
		t.add(p)
	}
	return t
}

func (t *SimpleTokenizer) add(token string) {
	if _, ok := t.vocab[token]; ok {
		return
	}
	id := len(t.vocab)
	t.vocab[token] = id
	t.invVoc[id] = token
}

// Encode converts text to token IDs. Spaces and newlines are tokens of their
// own; unknown words fall back to characters, unknown characters to <unk>.
func (t *SimpleTokenizer) Encode(text string) ([]int, error) {
	result := []int{}

	words := []string{}
	var current strings.Builder
	for _, ch := range text {
		if ch == ' ' || ch == '\n' {
			if current.Len() > 0 {
				words = append(words, current.String())
				current.Reset()
			}
			words = append(words, string(ch))
		} else {
			current.WriteRune(ch)
		}
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}

	for _, word := range words {
		if id, ok := t.vocab[word]; ok {
			result = append(result, id)
			continue
		}
		for _, ch := range word {
			if id, ok := t.vocab[string(ch)]; ok {
				result = append(result, id)
			} else {
				result = append(result, SimpleUNKID)
			}
		}
	}
	return result, nil
}

// Decode converts token IDs to text, dropping padding
func (t *SimpleTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		if id == SimplePadID {
			continue
		}
		if token, ok := t.invVoc[id]; ok {
			sb.WriteString(token)
		}
	}
	return sb.String(), nil
}

// EOSTokenID returns the EOS token ID
func (t *SimpleTokenizer) EOSTokenID() int {
	return SimpleEOSID
}

// PadTokenID returns the padding token ID
func (t *SimpleTokenizer) PadTokenID() int {
	return SimplePadID
}

// VocabSize returns the vocabulary size
func (t *SimpleTokenizer) VocabSize() int {
	return len(t.vocab)
}
