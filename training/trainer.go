// Package training drives the classifier's training: the epoch loop with
// exponential learning-rate decay, validation tracking, best-checkpoint
// persistence and patience-based early stopping, plus the learning-rate grid
// search and the test-set evaluator.
package training

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/petml/animalvision/datasets"
	"github.com/petml/animalvision/model"
)

// optimizerStateScope is the context scope gomlx keeps shared optimizer
// variables under (the learning rate). Adam's own state (first/second
// moments, step counter) lives under its default scope instead; both are
// deleted between epochs so each epoch's freshly built optimizer starts cold.
const optimizerStateScope = "optimizers"

// adamWeightDecay matches the AdamW default the pipeline was tuned with.
const adamWeightDecay = 0.01

// Config holds one training invocation's hyperparameters.
type Config struct {
	// LearningRate the first epoch's optimizer is built with.
	LearningRate float64

	// Gamma is the multiplicative learning-rate decay applied once per
	// epoch, unconditionally. Defaults to 0.9 when zero.
	Gamma float64

	// Epochs is the maximum epoch count; early stopping may end the run
	// sooner.
	Epochs int

	// Patience is the number of consecutive non-improving validation epochs
	// tolerated before stopping.
	Patience int

	// CheckpointDir is where the best model is persisted. The directory is
	// recreated at the start of every invocation.
	CheckpointDir string

	// Verbose enables per-epoch progress lines.
	Verbose bool
}

// EpochStats records one epoch's losses. TrainLoss and ValLoss are sums of
// per-batch mean losses over the epoch's batches.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
}

// Trainer runs training invocations against a fixed backend. History holds
// the last invocation's per-epoch losses.
type Trainer struct {
	backend backends.Backend
	cfg     Config

	History []EpochStats
}

// New returns a trainer for the given backend and configuration.
func New(backend backends.Backend, cfg Config) *Trainer {
	if cfg.Gamma == 0 {
		cfg.Gamma = 0.9
	}
	return &Trainer{backend: backend, cfg: cfg}
}

// TrainValidate runs one full training invocation: per epoch, a training
// pass, one unconditional learning-rate decay step, and a no-gradient
// validation pass. A strict validation-loss improvement (summed over
// validation batches, not averaged) persists the full model to the
// checkpoint directory and resets the stall counter; otherwise the counter
// increments, and reaching patience terminates the run immediately.
// Checkpoint persistence failures are returned as-is; the caller treats them
// as fatal.
//
// Loss, optimizer and scheduler state are rebuilt from scratch every epoch --
// Adam's moments included, by dropping its slot variables between epochs.
// Resetting optimizer state at every epoch boundary costs convergence speed,
// but the grid search and patience settings were calibrated against exactly
// these dynamics, so the reconstruction is kept.
func (t *Trainer) TrainValidate(m *model.Classifier, trainDS, valDS *datasets.ImageDataset) error {
	ctx := m.Context()

	// Fresh invocation: recreate the checkpoint directory so a previous
	// run's best model cannot leak into this one.
	if err := os.RemoveAll(t.cfg.CheckpointDir); err != nil {
		return fmt.Errorf("failed to clear checkpoint dir %s: %w", t.cfg.CheckpointDir, err)
	}
	handler, err := checkpoints.Build(ctx).Dir(t.cfg.CheckpointDir).Keep(1).Done()
	if err != nil {
		return fmt.Errorf("failed to set up checkpointing in %s: %w", t.cfg.CheckpointDir, err)
	}

	t.History = t.History[:0]
	stopper := newEarlyStop(t.cfg.Patience)
	rate := t.cfg.LearningRate

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		resetOptimizerState(ctx)
		opt := optimizers.Adam().LearningRate(rate).WeightDecay(adamWeightDecay).Done()
		gomlxTrainer := train.NewTrainer(t.backend, ctx, m.ModelGraph,
			losses.SparseCategoricalCrossEntropyLogits, opt, nil, nil)

		trainLoss, trainBatches, err := t.runPass(gomlxTrainer, trainDS, true)
		if err != nil {
			return fmt.Errorf("epoch %d train pass: %w", epoch, err)
		}

		// Scheduler step: unconditional exponential decay, independent of
		// the validation outcome.
		rate *= t.cfg.Gamma

		valLoss, valBatches, err := t.runPass(gomlxTrainer, valDS, false)
		if err != nil {
			return fmt.Errorf("epoch %d validation pass: %w", epoch, err)
		}

		if t.cfg.Verbose {
			log.Printf("epoch %d: train loss %.3f, val loss %.3f",
				epoch+1, trainLoss/float64(trainBatches), valLoss/float64(valBatches))
		}
		t.History = append(t.History, EpochStats{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss})

		improved, stop := stopper.Observe(valLoss)
		if improved {
			if t.cfg.Verbose {
				log.Printf("saving model to %s", t.cfg.CheckpointDir)
			}
			if err := handler.Save(); err != nil {
				return fmt.Errorf("failed to persist checkpoint to %s: %w", t.cfg.CheckpointDir, err)
			}
		} else if stop {
			if t.cfg.Verbose {
				log.Printf("validation loss has not improved for %d epochs, stopping training", t.cfg.Patience)
			}
			return nil
		}
	}
	if t.cfg.Verbose {
		log.Printf("finished training")
	}
	return nil
}

// resetOptimizerState drops every optimizer variable from the context: the
// shared learning-rate variable and Adam's moment/step variables, which live
// under Adam's own default scope. A freshly built optimizer would otherwise
// silently pick up the previous epoch's moments.
func resetOptimizerState(ctx *context.Context) {
	ctx.In(optimizerStateScope).DeleteVariablesInScope()
	ctx.In(optimizers.AdamDefaultScope).DeleteVariablesInScope()
}

// runPass runs one full pass over the dataset, training when training is
// true and evaluating (no gradients, no parameter updates) otherwise.
// It returns the sum of per-batch mean losses and the batch count.
func (t *Trainer) runPass(gomlxTrainer *train.Trainer, ds *datasets.ImageDataset, training bool) (sum float64, batches int, err error) {
	defer recoverToError(&err)
	ds.Reset()
	for {
		spec, inputs, labels, yerr := ds.Yield()
		if yerr == io.EOF {
			break
		}
		if yerr != nil {
			return sum, batches, fmt.Errorf("batch %d of %s: %w", batches, ds.Name(), yerr)
		}
		var metrics []*tensors.Tensor
		if training {
			metrics = gomlxTrainer.TrainStep(spec, inputs, labels)
		} else {
			metrics = gomlxTrainer.EvalStep(spec, inputs, labels)
		}
		loss, lerr := scalarLoss(metrics)
		if lerr != nil {
			return sum, batches, lerr
		}
		sum += loss
		batches++
	}
	if batches == 0 {
		return sum, batches, fmt.Errorf("dataset %s yielded no batches", ds.Name())
	}
	return sum, batches, nil
}

// ValidationLoss computes the summed no-gradient validation loss of a model,
// outside any training invocation. Used by the grid search after reloading
// the best checkpoint.
func ValidationLoss(backend backends.Backend, m *model.Classifier, ds *datasets.ImageDataset) (sum float64, err error) {
	defer recoverToError(&err)
	exec, err := context.NewExec(backend, m.Context(), func(ctx *context.Context, images, labels *graph.Node) *graph.Node {
		logits := m.Forward(ctx, images)
		loss := losses.SparseCategoricalCrossEntropyLogits([]*graph.Node{labels}, []*graph.Node{logits})
		return graph.ReduceAllMean(loss)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to build validation graph: %w", err)
	}

	ds.Reset()
	batches := 0
	for {
		_, inputs, labels, yerr := ds.Yield()
		if yerr == io.EOF {
			break
		}
		if yerr != nil {
			return sum, fmt.Errorf("batch %d of %s: %w", batches, ds.Name(), yerr)
		}
		out := exec.MustExec(inputs[0], labels[0])
		loss, lerr := scalarLoss(out)
		if lerr != nil {
			return sum, lerr
		}
		sum += loss
		batches++
	}
	if batches == 0 {
		return sum, fmt.Errorf("dataset %s yielded no batches", ds.Name())
	}
	return sum, nil
}

// scalarLoss extracts the batch-mean loss from a step's metric tensors; the
// loss is always the first metric.
func scalarLoss(metrics []*tensors.Tensor) (float64, error) {
	if len(metrics) == 0 {
		return 0, fmt.Errorf("step returned no metrics")
	}
	switch v := metrics[0].Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, fmt.Errorf("unexpected loss metric type %T", metrics[0].Value())
}

// recoverToError converts gomlx's panic-style graph/execution errors into an
// error return.
func recoverToError(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = e
			return
		}
		*err = fmt.Errorf("%v", r)
	}
}
