package training

import (
	"context"
	"math"
	"testing"

	"flowids/domain/dataset"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/internal/nn"
	"flowids/internal/preprocess"
	"flowids/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioSplits(t *testing.T, mutate func(*testkit.FlowGeneratorConfig)) *preprocess.Result {
	t.Helper()
	gen := testkit.DefaultFlowConfig()
	if mutate != nil {
		mutate(&gen)
	}
	p := preprocess.NewPreprocessor(config.Default().Preprocess, testkit.NewMemoryStore(), testkit.RNGAdapter{}, internal.NewNopLogger())
	res, err := p.Run(context.Background(), testkit.NewFlowGenerator(gen).Generate(), nil)
	require.NoError(t, err)
	return res
}

func testConfig() (config.TrainingConfig, config.ModelConfig) {
	cfg := config.Default()
	cfg.Training.BatchSize = 32
	return cfg.Training, cfg.Model
}

func newController(t *testing.T, tc config.TrainingConfig, mc config.ModelConfig, store *testkit.MemoryStore, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(tc, mc, store, store, testkit.RNGAdapter{}, internal.NewNopLogger(), opts...)
	require.NoError(t, err)
	return c
}

func TestScenarioReachesTrainAccuracy(t *testing.T) {
	data := scenarioSplits(t, nil)
	tc, mc := testConfig()
	store := testkit.NewMemoryStore()

	res, err := newController(t, tc, mc, store).Train(context.Background(), data.Splits.Train, data.Splits.Val, data.Taxonomy.Len())
	require.NoError(t, err)

	assert.LessOrEqual(t, len(res.History.Epochs), 50)
	trainMetrics := Evaluate(res.Network, data.Splits.Train, 256)
	assert.GreaterOrEqual(t, trainMetrics.Accuracy, 0.9)

	saved, err := store.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.History, saved)
}

func TestCheckpointMonotonicityAndFinalMetrics(t *testing.T) {
	data := scenarioSplits(t, func(c *testkit.FlowGeneratorConfig) {
		c.Separation = 1
		c.Noise = 1.5
	})
	tc, mc := testConfig()
	tc.Epochs = 30
	tc.Patience = 4
	store := testkit.NewMemoryStore()

	res, err := newController(t, tc, mc, store).Train(context.Background(), data.Splits.Train, data.Splits.Val, data.Taxonomy.Len())
	require.NoError(t, err)

	h := res.History
	require.True(t, h.Epochs[0].Checkpointed, "first epoch must checkpoint")

	bestSoFar := math.Inf(-1)
	saves := 0
	for _, e := range h.Epochs {
		if e.Checkpointed {
			assert.Greater(t, e.ValF1, bestSoFar, "epoch %d", e.Epoch)
			bestSoFar = e.ValF1
			saves++
		} else {
			assert.LessOrEqual(t, e.ValF1, bestSoFar, "epoch %d", e.Epoch)
		}
	}
	assert.Equal(t, saves, store.CheckpointSaves)

	// early stop bound
	assert.LessOrEqual(t, len(h.Epochs), h.BestEpoch+tc.Patience)
	if h.StoppedEarly {
		assert.Equal(t, h.BestEpoch+tc.Patience, len(h.Epochs))
	}

	// final metrics come from the best checkpoint, not the last epoch
	best := h.Epochs[h.BestEpoch-1]
	assert.Equal(t, h.BestEpoch, res.Checkpoint.Epoch)
	assert.InDelta(t, best.ValF1, res.Final.F1, 1e-12)
	assert.InDelta(t, best.ValLoss, res.Final.Loss, 1e-12)
	assert.InDelta(t, best.ValF1, h.FinalValF1, 1e-12)

	// learning rate never increases
	lrs := h.LearningRates()
	for i := 1; i < len(lrs); i++ {
		assert.LessOrEqual(t, lrs[i], lrs[i-1])
	}
}

func TestLossPolicyCheckpointsOnDecrease(t *testing.T) {
	data := scenarioSplits(t, nil)
	tc, mc := testConfig()
	tc.Epochs = 8
	tc.CheckpointMetric = config.MetricValLoss
	store := testkit.NewMemoryStore()

	res, err := newController(t, tc, mc, store).Train(context.Background(), data.Splits.Train, data.Splits.Val, data.Taxonomy.Len())
	require.NoError(t, err)

	best := math.Inf(1)
	for _, e := range res.History.Epochs {
		if e.Checkpointed {
			assert.Less(t, e.ValLoss, best)
			best = e.ValLoss
		}
	}
	assert.Equal(t, config.MetricValLoss, res.Checkpoint.Metric)
	assert.InDelta(t, best, res.Final.Loss, 1e-12)
}

func TestNonFiniteLossAbortsBeforeCheckpoint(t *testing.T) {
	data := scenarioSplits(t, nil)
	train := *data.Splits.Train
	train.Features = make([][]float64, len(data.Splits.Train.Features))
	for i, row := range data.Splits.Train.Features {
		train.Features[i] = append([]float64(nil), row...)
		train.Features[i][0] = math.NaN()
	}
	tc, mc := testConfig()
	store := testkit.NewMemoryStore()

	_, err := newController(t, tc, mc, store).Train(context.Background(), &train, data.Splits.Val, data.Taxonomy.Len())
	require.Error(t, err)
	assert.Equal(t, errors.CodeTrainingUnstable, errors.GetCode(err))
	assert.Equal(t, 0, store.CheckpointSaves)
}

func TestCancellationStopsTraining(t *testing.T) {
	data := scenarioSplits(t, nil)
	tc, mc := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newController(t, tc, mc, testkit.NewMemoryStore()).Train(ctx, data.Splits.Train, data.Splits.Val, data.Taxonomy.Len())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainRejectsMismatchedSplits(t *testing.T) {
	tc, mc := testConfig()
	c := newController(t, tc, mc, testkit.NewMemoryStore())
	train := &dataset.Split{Name: dataset.SplitTrain, Features: [][]float64{{1, 2}}, Labels: []int{0}}
	val := &dataset.Split{Name: dataset.SplitVal, Features: [][]float64{{1}}, Labels: []int{0}}
	_, err := c.Train(context.Background(), train, val, 2)
	assert.Equal(t, errors.CodeInputContract, errors.GetCode(err))
}

func TestUnknownCheckpointMetric(t *testing.T) {
	tc, mc := testConfig()
	tc.CheckpointMetric = "val_auc"
	_, err := NewController(tc, mc, testkit.NewMemoryStore(), nil, testkit.RNGAdapter{}, nil)
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
}

func TestPlateauSchedulerPatience(t *testing.T) {
	s := NewPlateauScheduler(1e-3, 0.5, 5, 1e-4, 0)
	var reducedAt []int
	for step := 1; step <= 13; step++ {
		if _, reduced := s.Step(1.0); reduced {
			reducedAt = append(reducedAt, step)
		}
	}
	assert.Equal(t, []int{7, 13}, reducedAt)
	assert.InDelta(t, 2.5e-4, s.LR(), 1e-15)
}

func TestPlateauSchedulerThresholdAndFloor(t *testing.T) {
	s := NewPlateauScheduler(1e-3, 0.5, 0, 1e-4, 4e-4)
	s.Step(1.0)
	// a relative gain below the threshold is not an improvement
	lr, reduced := s.Step(0.99995)
	assert.True(t, reduced)
	assert.InDelta(t, 5e-4, lr, 1e-15)

	lr, reduced = s.Step(1.0)
	assert.True(t, reduced)
	assert.InDelta(t, 4e-4, lr, 1e-15)

	_, reduced = s.Step(1.0)
	assert.False(t, reduced, "rate already at the floor")

	_, reduced = s.Step(0.5)
	assert.False(t, reduced, "real improvement resets the counter")
}

func TestFromConfusionWeighted(t *testing.T) {
	m := FromConfusion([][]int{{2, 1}, {0, 1}})
	assert.InDelta(t, 0.75, m.Accuracy, 1e-12)
	assert.InDelta(t, 0.875, m.Precision, 1e-12)
	assert.InDelta(t, 0.75, m.Recall, 1e-12)
	assert.InDelta(t, 0.75*0.8+0.25*(2.0/3.0), m.F1, 1e-12)
	assert.Equal(t, []int{3, 1}, m.Support)
}

func TestFromConfusionZeroDivision(t *testing.T) {
	m := FromConfusion([][]int{{1, 0}, {1, 0}})
	assert.Equal(t, 0.0, m.PerClassF1[1])
	assert.InDelta(t, 0.5*(2.0/3.0), m.F1, 1e-12)

	empty := FromConfusion([][]int{{0, 0}, {0, 0}})
	assert.Equal(t, 0.0, empty.F1)
}

func TestEvaluateMatchesPredict(t *testing.T) {
	data := scenarioSplits(t, nil)
	tc, mc := testConfig()
	tc.Epochs = 2
	res, err := newController(t, tc, mc, testkit.NewMemoryStore()).Train(context.Background(), data.Splits.Train, data.Splits.Val, data.Taxonomy.Len())
	require.NoError(t, err)

	m := Evaluate(res.Network, data.Splits.Test, 7)
	preds := res.Network.Predict(data.Splits.Test.Features)
	correct := 0
	for i, p := range preds {
		if p == data.Splits.Test.Labels[i] {
			correct++
		}
	}
	assert.InDelta(t, float64(correct)/float64(len(preds)), m.Accuracy, 1e-12)

	rebuilt, err := nn.FromCheckpoint(res.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, res.Network.Predict(data.Splits.Test.Features), rebuilt.Predict(data.Splits.Test.Features))
}
