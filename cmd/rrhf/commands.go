package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"rrhf-go/purego"
	"rrhf-go/rrhf"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the examples, tokenize every candidate and report problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, tok, examples, err := setup()
		if err != nil {
			return err
		}

		collator := rrhf.NewCollator(cfg, tok)
		eos := tok.EOSTokenID()
		var invalid, slots, tokens, truncated, empty int
		for i := range examples {
			seqs, err := collator.Sequences(examples[i : i+1])
			if err != nil {
				fmt.Printf("example %d: %v\n", i, err)
				invalid++
				continue
			}
			for _, seq := range seqs {
				slots++
				tokens += seq.Len()
				n := seq.NumResponseTokens()
				switch {
				case n == 0:
					empty++
				case seq.ResponseTokenIDs()[n-1] != eos:
					truncated++
				}
			}
		}

		fmt.Printf("Examples:            %s\n", humanize.Comma(int64(len(examples))))
		fmt.Printf("Invalid examples:    %s\n", humanize.Comma(int64(invalid)))
		fmt.Printf("Slots:               %s\n", humanize.Comma(int64(slots)))
		fmt.Printf("Tokens:              %s\n", humanize.Comma(int64(tokens)))
		fmt.Printf("Truncated responses: %s\n", humanize.Comma(int64(truncated)))
		fmt.Printf("Empty responses:     %s\n", humanize.Comma(int64(empty)))
		if invalid > 0 {
			return errors.Errorf("%d of %d examples are invalid", invalid, len(examples))
		}
		return nil
	},
}

var collateCmd = &cobra.Command{
	Use:   "collate",
	Short: "Print the layout of one collated batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, tok, examples, err := setup()
		if err != nil {
			return err
		}
		batches := rrhf.EpochBatches(examples, cfg.BatchSize, nil)
		index := must.M1(cmd.Flags().GetInt("batch"))
		if index < 0 || index >= len(batches) {
			return errors.Errorf("batch %d out of range, the data has %d batches", index, len(batches))
		}

		seqs, err := rrhf.NewCollator(cfg, tok).Sequences(batches[index])
		if err != nil {
			return err
		}
		batch := rrhf.Pad(seqs, tok.PadTokenID())
		counts := batch.ValidCounts()
		fmt.Printf("Batch %d: %d slots, sequence length %d, %s tokens\n",
			index, batch.NumSlots(), batch.SeqLen(), humanize.Comma(int64(batch.NumTokens())))
		for i, seq := range seqs {
			response, err := tok.Decode(seq.ResponseTokenIDs())
			if err != nil {
				return errors.Wrapf(err, "failed to decode slot %d", i)
			}
			ref := ""
			if batch.Reference[i] {
				ref = " (reference)"
			}
			fmt.Printf("  slot %d: example %d candidate %d%s score=%.4f query=%d response=%d %q\n",
				i, batch.Idxs[i], seq.CandidateIndex, ref, batch.Scores[i], seq.NumQueryTokens, counts[i], response)
		}
		return nil
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model on the examples with the RRHF loss",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		cfg, tok, examples, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		model, optimizer, err := newModel(ctx, must.M1(flags.GetString("model")), cfg, tok, cmd)
		if err != nil {
			return err
		}
		trainer := rrhf.NewTrainer(cfg, model, optimizer, tok)
		defer trainer.Close()

		summary, err := trainer.Train(ctx, examples, must.M1(flags.GetBool("progress")))
		if err != nil {
			return err
		}
		fmt.Printf("Run %s: %d steps over %d epoch(s), %s tokens in %s\n",
			summary.RunID, summary.Steps, summary.Epochs, humanize.Comma(int64(summary.NumTokens)),
			summary.Duration.Round(time.Millisecond))
		fmt.Printf("Last loss %.4f, mean loss of the last epoch %.4f\n", summary.LastLoss, summary.MeanLoss)
		return nil
	},
}

func init() {
	collateCmd.Flags().Int("batch", 0, "index of the batch to print, in file order")

	flags := trainCmd.Flags()
	flags.String("model", "bigram", "model: bigram, onnx or http")
	flags.String("onnx-path", "", "ONNX model file for --model=onnx")
	flags.String("server-url", "http://localhost:8000", "model server for --model=http")
	flags.Duration("timeout", time.Minute, "request timeout for --model=http")
	flags.Int("vocab-size", 0, "vocabulary size, defaults to the tokenizer's")
	flags.Int("threads", 4, "intra-op threads for --model=onnx")
	flags.Float64("learning-rate", 0.5, "SGD learning rate for --model=bigram")
	flags.Float64("clip-norm", 1.0, "gradient norm clipping for --model=bigram, 0 disables")
	flags.Bool("progress", true, "show a progress bar")
}

func setup() (rrhf.Config, rrhf.Tokenizer, []rrhf.Example, error) {
	cfg, err := loadConfig()
	if err != nil {
		return rrhf.Config{}, nil, nil, err
	}
	tok, err := newTokenizer()
	if err != nil {
		return rrhf.Config{}, nil, nil, err
	}
	examples, err := loadExamples()
	if err != nil {
		return rrhf.Config{}, nil, nil, err
	}
	return cfg, tok, examples, nil
}

// maxBigramVocab keeps the V x V table under 1GiB of float32.
const maxBigramVocab = 16384

type vocabSizer interface {
	VocabSize() int
}

func vocabSize(cmd *cobra.Command, tok rrhf.Tokenizer) (int, error) {
	if n := must.M1(cmd.Flags().GetInt("vocab-size")); n > 0 {
		return n, nil
	}
	if vs, ok := tok.(vocabSizer); ok {
		return vs.VocabSize(), nil
	}
	return 0, errors.New("--vocab-size is required for this tokenizer")
}

// newModel creates the model and the optimizer that updates it. Models that
// live outside this process are evaluated only: their loss is computed and
// reported, but no weights change.
func newModel(ctx context.Context, kind string, cfg rrhf.Config, tok rrhf.Tokenizer, cmd *cobra.Command) (rrhf.Model, rrhf.Optimizer, error) {
	flags := cmd.Flags()
	switch kind {
	case "bigram":
		v, err := vocabSize(cmd, tok)
		if err != nil {
			return nil, nil, err
		}
		if v > maxBigramVocab {
			return nil, nil, errors.Errorf("vocabulary of %s is too large for the bigram model (max %s)",
				humanize.Comma(int64(v)), humanize.Comma(maxBigramVocab))
		}
		m := purego.NewBigramModel(v, cfg.Seed)
		opt := purego.NewSGD(m, must.M1(flags.GetFloat64("learning-rate")), must.M1(flags.GetFloat64("clip-norm")))
		return m, opt, nil
	case "onnx":
		v, err := vocabSize(cmd, tok)
		if err != nil {
			return nil, nil, err
		}
		m, err := purego.NewONNXModel(must.M1(flags.GetString("onnx-path")), v, must.M1(flags.GetInt("threads")))
		if err != nil {
			return nil, nil, err
		}
		klog.Warning("ONNX models are evaluated only, weights are not updated")
		return m, evalOnly{}, nil
	case "http":
		m, err := purego.NewHTTPModel(ctx, must.M1(flags.GetString("server-url")), must.M1(flags.GetDuration("timeout")))
		if err != nil {
			return nil, nil, err
		}
		klog.Warning("remote models are evaluated only, weights are not updated")
		return m, evalOnly{}, nil
	default:
		return nil, nil, errors.Errorf("unknown model %q", kind)
	}
}

// evalOnly is the optimizer of models this process cannot update
type evalOnly struct{}

func (evalOnly) Step(_ context.Context, update *rrhf.Update) error {
	klog.V(2).Infof("step %d: loss %.4f (not applied)", update.Step, update.Loss.Total)
	return nil
}
