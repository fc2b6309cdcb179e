// Package training drives the epoch loop: mini-batch optimization, validation
// scoring, plateau learning-rate reduction, best-checkpoint selection and
// early stopping.
package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/domain/dataset"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/internal/nn"
	"flowids/ports"

	"gonum.org/v1/gonum/floats"
)

// Result is the outcome of a completed training run. Final holds the
// validation metrics of the reloaded best checkpoint.
type Result struct {
	Network    *nn.Network
	History    *artifacts.History
	Checkpoint *artifacts.Checkpoint
	Final      Metrics
}

// Controller owns the model parameters for the duration of training
type Controller struct {
	train   config.TrainingConfig
	model   config.ModelConfig
	policy  CheckpointPolicy
	ckpts   ports.CheckpointStore
	history ports.HistoryStore
	rng     ports.RNGPort
	logger  *internal.Logger
	runID   core.RunID
	classes []string
}

// Option customizes a Controller
type Option func(*Controller)

// WithPolicy overrides the checkpoint policy derived from configuration
func WithPolicy(p CheckpointPolicy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithRunID stamps checkpoints with the run identifier
func WithRunID(id core.RunID) Option {
	return func(c *Controller) { c.runID = id }
}

// WithClassNames labels per-class metrics in the saved history
func WithClassNames(names []string) Option {
	return func(c *Controller) { c.classes = append([]string(nil), names...) }
}

// NewController builds a controller. history may be nil to skip persisting it.
func NewController(train config.TrainingConfig, model config.ModelConfig, ckpts ports.CheckpointStore,
	history ports.HistoryStore, rng ports.RNGPort, logger *internal.Logger, opts ...Option) (*Controller, error) {
	policy, err := PolicyFor(train.CheckpointMetric)
	if err != nil {
		return nil, errors.ConfigInvalid(err.Error())
	}
	c := &Controller{
		train:   train,
		model:   model,
		policy:  policy,
		ckpts:   ckpts,
		history: history,
		rng:     rng,
		logger:  internal.OrDefault(logger).WithComponent("training"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Train fits a new network on train, scoring on val after every epoch
func (c *Controller) Train(ctx context.Context, train, val *dataset.Split, numClasses int) (*Result, error) {
	if train.Len() == 0 || val.Len() == 0 {
		return nil, errors.InputContract("training and validation splits must be non-empty")
	}
	if err := train.Validate(numClasses); err != nil {
		return nil, errors.Wrap(errors.InputContract(err.Error()), "invalid training split")
	}
	if err := val.Validate(numClasses); err != nil {
		return nil, errors.Wrap(errors.InputContract(err.Error()), "invalid validation split")
	}
	if train.Dim() != val.Dim() {
		return nil, errors.InputContract(fmt.Sprintf("train has %d features, validation has %d", train.Dim(), val.Dim()))
	}

	net, err := nn.New(train.Dim(), numClasses, c.model.HiddenDims, c.model.DropoutRate, c.rng.Stream("init", c.train.Seed))
	if err != nil {
		return nil, errors.ConfigInvalid(err.Error())
	}
	c.logger.Info("training %d-%v-%d network (%d params) on %d rows, batch %d, max %d epochs",
		net.InputDim, net.HiddenDims, net.NumClasses, net.NumParams(), train.Len(), c.train.BatchSize, c.train.Epochs)

	opt := nn.NewAdam(c.train.LearningRate)
	sched := NewPlateauScheduler(c.train.LearningRate, c.train.LRFactor, c.train.LRPatience, c.train.LRThreshold, c.train.MinLearningRate)
	shuffle := c.rng.Stream("shuffle", c.train.Seed)
	dropout := c.rng.Stream("dropout", c.train.Seed)

	hist := &artifacts.History{ClassNames: c.classes}
	best := c.policy.Worst()
	sinceBest := 0

	for epoch := 1; epoch <= c.train.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		started := time.Now()

		trainLoss, trainAcc, err := c.runEpoch(ctx, net, opt, train, shuffle, dropout)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}
		vm := Evaluate(net, val, c.train.BatchSize)
		if !isFinite(vm.Loss) {
			return nil, errors.TrainingUnstable(fmt.Sprintf("validation loss is %v at epoch %d", vm.Loss, epoch))
		}

		rec := artifacts.EpochRecord{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			TrainAcc:     trainAcc,
			ValLoss:      vm.Loss,
			ValAcc:       vm.Accuracy,
			ValPrecision: vm.Precision,
			ValRecall:    vm.Recall,
			ValF1:        vm.F1,
			LearningRate: opt.LR,
		}

		if score := c.policy.Score(vm); c.policy.Better(score, best) {
			best = score
			sinceBest = 0
			if err := c.ckpts.SaveCheckpoint(ctx, c.checkpoint(net, epoch, vm, opt.LR)); err != nil {
				return nil, errors.Wrap(err, "failed to save checkpoint")
			}
			rec.Checkpointed = true
			hist.BestEpoch = epoch
		} else {
			sinceBest++
		}

		if lr, reduced := sched.Step(vm.Loss); reduced {
			c.logger.Info("validation loss plateaued; learning rate %.3g -> %.3g", opt.LR, lr)
			opt.LR = lr
		}

		rec.DurationMS = time.Since(started).Milliseconds()
		hist.Epochs = append(hist.Epochs, rec)
		c.logger.Info("epoch %d/%d train_loss=%.4f train_acc=%.4f val_loss=%.4f val_acc=%.4f val_f1=%.4f lr=%.3g%s",
			epoch, c.train.Epochs, trainLoss, trainAcc, vm.Loss, vm.Accuracy, vm.F1, rec.LearningRate, marker(rec.Checkpointed))

		if sinceBest >= c.train.Patience {
			hist.StoppedEarly = true
			c.logger.Info("early stopping after %d epochs without improvement in %s", sinceBest, c.policy.Metric())
			break
		}
	}

	ckpt, err := c.ckpts.LoadCheckpoint(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.MissingPrerequisite("best checkpoint", err), "failed to reload best model")
	}
	if err := net.LoadParams(ckpt.Layers); err != nil {
		return nil, errors.Wrap(err, "checkpoint does not fit the trained topology")
	}

	final := Evaluate(net, val, c.train.BatchSize)
	hist.FinalValLoss = final.Loss
	hist.FinalValAcc = final.Accuracy
	hist.FinalValF1 = final.F1
	hist.PerClassF1 = final.PerClassF1
	c.logger.Info("best epoch %d: val_loss=%.4f val_acc=%.4f val_f1=%.4f", ckpt.Epoch, final.Loss, final.Accuracy, final.F1)

	if c.history != nil {
		if err := c.history.SaveHistory(ctx, hist); err != nil {
			return nil, errors.Wrap(err, "failed to save training history")
		}
	}
	return &Result{Network: net, History: hist, Checkpoint: ckpt, Final: final}, nil
}

// runEpoch performs one shuffled pass of mini-batch updates. Loss and
// accuracy are taken from the training-mode forward passes.
func (c *Controller) runEpoch(ctx context.Context, net *nn.Network, opt *nn.Adam, s *dataset.Split,
	shuffle, dropout *rand.Rand) (float64, float64, error) {
	perm := shuffle.Perm(s.Len())
	rows := make([][]float64, 0, c.train.BatchSize)
	labels := make([]int, 0, c.train.BatchSize)

	lossSum, batches, correct := 0.0, 0, 0
	for start := 0; start < len(perm); start += c.train.BatchSize {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		end := start + c.train.BatchSize
		if end > len(perm) {
			end = len(perm)
		}
		rows, labels = rows[:0], labels[:0]
		for _, i := range perm[start:end] {
			rows = append(rows, s.Features[i])
			labels = append(labels, s.Labels[i])
		}

		pass := net.Forward(nn.ToDense(rows, net.InputDim), nn.ModeTrain, dropout)
		loss, dLogits := nn.CrossEntropy(pass.Logits, labels)
		if !isFinite(loss) {
			return 0, 0, errors.TrainingUnstable(fmt.Sprintf("training loss is %v at batch %d", loss, batches+1))
		}
		opt.Step(net, net.Backward(pass, dLogits))

		for r, y := range labels {
			if floats.MaxIdx(pass.Logits.RawRowView(r)) == y {
				correct++
			}
		}
		lossSum += loss
		batches++
	}
	return lossSum / float64(batches), float64(correct) / float64(len(perm)), nil
}

func (c *Controller) checkpoint(net *nn.Network, epoch int, vm Metrics, lr float64) *artifacts.Checkpoint {
	return &artifacts.Checkpoint{
		RunID:        c.runID,
		Epoch:        epoch,
		ValLoss:      vm.Loss,
		ValF1:        vm.F1,
		Metric:       c.policy.Metric(),
		MetricValue:  c.policy.Score(vm),
		InputDim:     net.InputDim,
		NumClasses:   net.NumClasses,
		HiddenDims:   append([]int(nil), net.HiddenDims...),
		DropoutRate:  net.DropoutRate,
		LearningRate: lr,
		Layers:       net.Params(),
		CreatedAt:    core.Now(),
	}
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func marker(saved bool) string {
	if saved {
		return " *"
	}
	return ""
}

