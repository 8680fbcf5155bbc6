package rrhf

import "context"

// Tokenizer is an interface for tokenizing text.
// Implementations live in package purego:
// - a dependency-free word/character tokenizer
// - tiktoken BPE encodings
// - HuggingFace tokenizers via CGo
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the end marker appended to every response
	EOSTokenID() int

	// PadTokenID returns the id used to right-pad input_ids
	PadTokenID() int
}

// Model scores token sequences. Forward returns unnormalized logits of shape
// [len(inputIDs), T, V], where T is the common row length of inputIDs.
// Log-softmax is applied by the loss engine.
type Model interface {
	Forward(ctx context.Context, inputIDs [][]int, attentionMask [][]bool) (*Tensor, error)

	// Close cleans up resources
	Close() error
}

// Optimizer performs one update given the result of a training step.
type Optimizer interface {
	Step(ctx context.Context, update *Update) error
}

// Update is what the trainer hands to the Optimizer after the loss of a
// batch is fully computed.
type Update struct {
	Step  int
	Batch *Batch
	Loss  *Loss
}

// LogitGrad returns dLoss/dlogits with the same [N, T, V] shape as the
// logits the model produced. It returns nil when the loss was computed from
// already gathered log-probabilities.
func (u *Update) LogitGrad() *Tensor {
	if u.Loss.LogProbs == nil {
		return nil
	}
	return LogitGrad(u.Loss.LogProbs, u.Batch.Labels, u.Loss.TokenGrad)
}
