package rrhf

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// StepResult represents the output of one training step
type StepResult struct {
	Step      int
	Epoch     int
	Loss      *Loss
	NumSlots  int
	NumTokens int
	Duration  time.Duration
}

// StepHook is called after every successful step. Returning an error stops
// training.
type StepHook func(result *StepResult) error

// TrainSummary describes a finished Train run
type TrainSummary struct {
	RunID     string
	Steps     int
	Epochs    int
	NumTokens int
	LastLoss  float64
	MeanLoss  float64 // over the last epoch
	Duration  time.Duration
}

// Trainer runs RRHF training steps: collate, forward, loss, optimizer step.
type Trainer struct {
	config    Config
	model     Model
	optimizer Optimizer
	collator  *Collator
	engine    *LossEngine
	runID     string
	step      int
	hooks     []StepHook
}

// NewTrainer creates a new trainer
func NewTrainer(config Config, model Model, optimizer Optimizer, tokenizer Tokenizer) *Trainer {
	return &Trainer{
		config:    config,
		model:     model,
		optimizer: optimizer,
		collator:  NewCollator(config, tokenizer),
		engine:    NewLossEngine(config),
		runID:     uuid.NewString(),
	}
}

// Close cleans up resources
func (t *Trainer) Close() error {
	return t.model.Close()
}

// RunID identifies this trainer in logs
func (t *Trainer) RunID() string {
	return t.runID
}

// Collator returns the collator used by the trainer
func (t *Trainer) Collator() *Collator {
	return t.collator
}

// GlobalStep returns the number of steps run so far
func (t *Trainer) GlobalStep() int {
	return t.step
}

// OnStep registers a hook run after every step of Train, in registration
// order
func (t *Trainer) OnStep(hook StepHook) {
	t.hooks = append(t.hooks, hook)
}

// Step collates examples into a batch and runs one training step on it.
func (t *Trainer) Step(ctx context.Context, examples []Example) (*StepResult, error) {
	batch, err := t.collator.Collate(examples)
	if err != nil {
		return nil, err
	}
	return t.StepBatch(ctx, batch)
}

// StepBatch runs one training step on an already collated batch. The
// optimizer is only called once the loss is fully computed, so a cancelled or
// failed step leaves the model untouched.
func (t *Trainer) StepBatch(ctx context.Context, batch *Batch) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	logits, err := t.model.Forward(ctx, batch.InputIDs, batch.AttentionMask)
	if err != nil {
		return nil, errors.Wrapf(err, "model forward failed at step %d", t.step)
	}
	loss, err := t.engine.Compute(batch, logits)
	if err != nil {
		return nil, errors.WithMessagef(err, "loss at step %d", t.step)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.optimizer.Step(ctx, &Update{Step: t.step, Batch: batch, Loss: loss}); err != nil {
		return nil, errors.Wrapf(err, "optimizer step %d failed", t.step)
	}

	result := &StepResult{
		Step:      t.step,
		Loss:      loss,
		NumSlots:  batch.NumSlots(),
		NumTokens: batch.NumTokens(),
		Duration:  time.Since(start),
	}
	t.step++
	klog.V(1).Infof("run %s step %d: loss=%.4f rrhf=%.4f sft=%.4f disagreements=%d slots=%d tokens=%s (%s)",
		t.runID, result.Step, loss.Total, loss.RRHF, loss.SFT, loss.Disagreements,
		result.NumSlots, humanize.Comma(int64(result.NumTokens)), result.Duration)
	return result, nil
}

// Evaluate computes the loss of examples without updating the model or
// advancing the step counter.
func (t *Trainer) Evaluate(ctx context.Context, examples []Example) (*Batch, *Loss, error) {
	batch, err := t.collator.Collate(examples)
	if err != nil {
		return nil, nil, err
	}
	logits, err := t.model.Forward(ctx, batch.InputIDs, batch.AttentionMask)
	if err != nil {
		return nil, nil, errors.Wrap(err, "model forward failed")
	}
	loss, err := t.engine.Compute(batch, logits)
	if err != nil {
		return nil, nil, err
	}
	return batch, loss, nil
}

type epochBatch struct {
	epoch int
	batch *Batch
}

// Train runs config.NumEpochs passes over examples in shuffled batches of
// config.BatchSize. The next batches are collated while the current step
// runs, up to config.PrefetchBatches ahead.
func (t *Trainer) Train(ctx context.Context, examples []Example, useProgressBar bool) (*TrainSummary, error) {
	if len(examples) == 0 {
		return nil, errors.Wrap(ErrInvalidExample, "no examples to train on")
	}
	stepsPerEpoch := (len(examples) + t.config.BatchSize - 1) / t.config.BatchSize
	totalSteps := stepsPerEpoch * t.config.NumEpochs
	klog.Infof("run %s: training on %s examples, %d epoch(s), %s steps",
		t.runID, humanize.Comma(int64(len(examples))), t.config.NumEpochs, humanize.Comma(int64(totalSteps)))

	// Set up progress bar
	var bar *progressbar.ProgressBar
	if useProgressBar {
		bar = progressbar.NewOptions(totalSteps,
			progressbar.OptionSetDescription("Training"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	summary := &TrainSummary{RunID: t.runID, Epochs: t.config.NumEpochs}
	start := time.Now()
	rng := rand.New(rand.NewSource(t.config.Seed))
	batches := make(chan epochBatch, t.config.PrefetchBatches)
	g, gctx := errgroup.WithContext(ctx)

	// Producer: collates ahead of the model.
	g.Go(func() error {
		defer close(batches)
		for epoch := 0; epoch < t.config.NumEpochs; epoch++ {
			for _, exs := range EpochBatches(examples, t.config.BatchSize, rng) {
				batch, err := t.collator.Collate(exs)
				if err != nil {
					return errors.WithMessagef(err, "epoch %d", epoch)
				}
				select {
				case batches <- epochBatch{epoch: epoch, batch: batch}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})

	// Consumer: runs the steps.
	g.Go(func() error {
		currentEpoch := 0
		var epochLoss float64
		var epochSteps int
		endEpoch := func() {
			if epochSteps == 0 {
				return
			}
			summary.MeanLoss = epochLoss / float64(epochSteps)
			klog.Infof("run %s epoch %d done: %d steps, mean loss %.4f", t.runID, currentEpoch, epochSteps, summary.MeanLoss)
		}
		for eb := range batches {
			if eb.epoch != currentEpoch {
				endEpoch()
				currentEpoch, epochLoss, epochSteps = eb.epoch, 0, 0
			}
			result, err := t.StepBatch(gctx, eb.batch)
			if err != nil {
				return err
			}
			result.Epoch = eb.epoch
			for _, hook := range t.hooks {
				if err := hook(result); err != nil {
					return errors.WithMessagef(err, "step hook at step %d", result.Step)
				}
			}
			epochLoss += result.Loss.Total
			epochSteps++
			summary.Steps++
			summary.NumTokens += result.NumTokens
			summary.LastLoss = result.Loss.Total
			if bar != nil {
				bar.Describe(fmt.Sprintf("Training [epoch %d, loss %.4f]", eb.epoch, result.Loss.Total))
				_ = bar.Add(1)
			}
		}
		endEpoch()
		return nil
	})

	err := g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}
	summary.Duration = time.Since(start)
	if err != nil {
		return summary, err
	}
	klog.Infof("run %s finished: %d steps, %s tokens in %s", t.runID, summary.Steps,
		humanize.Comma(int64(summary.NumTokens)), summary.Duration)
	return summary, nil
}
