package main

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
	"rrhf-go/purego"
	"rrhf-go/rrhf"
)

func main() {
	config := rrhf.NewConfig(
		rrhf.WithRRHFWeight(1),
		rrhf.WithBatchSize(2),
		rrhf.WithNumEpochs(30),
		rrhf.WithStopResponse(true),
	)

	tokenizer := purego.NewSimpleTokenizer("Paris", "London", "capital", "France")
	model := purego.NewBigramModel(tokenizer.VocabSize(), config.Seed)
	optimizer := purego.NewSGD(model, 1.0, 5.0)

	trainer := rrhf.NewTrainer(config, model, optimizer, tokenizer)
	defer trainer.Close()

	// Queries with candidates ranked by an external reward
	examples := []rrhf.Example{
		{
			Query:     "Human: what is the capital of France?\n\nAssistant:",
			Responses: []string{"Paris", "London", "Paris.\n\nHuman: and Spain?", "sorry"},
			Scores:    []float64{1.0, -1.0, 0.8, -0.5},
		},
		{
			Query:     "Human: can you help?\n\nAssistant:",
			Responses: []string{"sure, I can help", "no", "help"},
			Scores:    []float64{0.9, -0.8, 0.1},
		},
	}

	ctx := context.Background()
	fmt.Println("Model scores before training:")
	printScores(ctx, trainer, examples)

	summary, err := trainer.Train(ctx, examples, true)
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	fmt.Printf("\n\nTrained %d steps, last loss %.4f\n\n", summary.Steps, summary.LastLoss)

	fmt.Println("Model scores after training:")
	printScores(ctx, trainer, examples)
}

// printScores shows the length-normalized log-probability the model assigns
// to every candidate next to its reward.
func printScores(ctx context.Context, trainer *rrhf.Trainer, examples []rrhf.Example) {
	batch, loss, err := trainer.Evaluate(ctx, examples)
	if err != nil {
		klog.Fatalf("Evaluation failed: %+v", err)
	}
	for slot, ex := range batch.Idxs {
		fmt.Printf("  example %d  reward %5.2f  model %8.4f\n", ex, batch.Scores[slot], loss.Scores[slot])
	}
	fmt.Printf("  loss %.4f, ranking disagreements: %d\n", loss.Total, loss.Disagreements)
}
