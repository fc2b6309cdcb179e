package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/domain/dataset"
	"flowids/internal"
	"flowids/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.ArtifactDir = t.TempDir()
	return New(cfg, internal.NewNopLogger())
}

func testSplits() *dataset.Splits {
	names := []string{"Flow Duration", "Total Fwd Packets"}
	mk := func(name dataset.SplitName, rows [][]float64, labels []int) *dataset.Split {
		return &dataset.Split{Name: name, FeatureNames: names, Features: rows, Labels: labels}
	}
	return &dataset.Splits{
		Train: mk(dataset.SplitTrain, [][]float64{{0.1, -1.5}, {1e-17, 3}}, []int{0, 1}),
		Val:   mk(dataset.SplitVal, [][]float64{{2.25, 0}}, []int{1}),
		Test:  mk(dataset.SplitTest, [][]float64{{-0.333333333333, 7}}, []int{0}),
	}
}

func TestSplitsRoundTripExactly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	in := testSplits()
	require.NoError(t, s.SaveSplits(ctx, in))

	for _, name := range dataset.AllSplits {
		got, err := s.LoadSplit(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, in.Get(name), got)
	}

	raw, err := os.ReadFile(s.Path(artifacts.KindTrainSplit))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "Flow Duration,Total Fwd Packets,Label\n"))
}

func TestMissingArtifactIsNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.LoadCheckpoint(ctx)
	assert.ErrorIs(t, err, core.ErrCheckpointNotFound)
	_, err = s.LoadScalerParams(ctx)
	assert.True(t, core.IsNotFoundError(err))
	_, err = s.LoadSplit(ctx, dataset.SplitVal)
	assert.True(t, core.IsNotFoundError(err))
}

func TestScalerParamsJSONShape(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := &dataset.ScalerParams{Mean: []float64{1, 2}, Scale: []float64{0.5, 1}, FeatureNames: []string{"a", "b"}}
	require.NoError(t, s.SaveScalerParams(ctx, p))

	raw, err := os.ReadFile(s.Path(artifacts.KindScalerParams))
	require.NoError(t, err)
	for _, key := range []string{`"mean"`, `"scale"`, `"feature_names"`} {
		assert.Contains(t, string(raw), key)
	}

	got, err := s.LoadScalerParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.Mean, got.Mean)
	assert.Equal(t, p.FeatureNames, got.FeatureNames)
}

func TestCorruptArtifactFailsValidation(t *testing.T) {
	s := newStore(t)
	path := s.Path(artifacts.KindScalerParams)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"mean":[1],"scale":[0],"feature_names":["a"]}`), 0o644))

	_, err := s.LoadScalerParams(context.Background())
	assert.Error(t, err)
}

func testCheckpoint() *artifacts.Checkpoint {
	return &artifacts.Checkpoint{
		RunID:       "run-1",
		Epoch:       7,
		ValF1:       0.93,
		Metric:      config.MetricValF1,
		MetricValue: 0.93,
		InputDim:    2,
		NumClasses:  2,
		HiddenDims:  []int{3},
		DropoutRate: 0.3,
		Layers: []artifacts.LayerParams{
			{In: 2, Out: 3, Weights: make([]float64, 6), Bias: make([]float64, 3)},
			{In: 3, Out: 2, Weights: make([]float64, 6), Bias: make([]float64, 2)},
		},
	}
}

func TestCheckpointOverwriteAndInspect(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := testCheckpoint()
	require.NoError(t, s.SaveCheckpoint(ctx, c))
	c.Epoch = 9
	require.NoError(t, s.SaveCheckpoint(ctx, c))

	got, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Epoch)

	info, err := s.InspectCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, 9, info.Epoch)
	assert.Equal(t, "run-1", info.RunID)
	assert.Equal(t, []int{3}, info.HiddenDims)
	assert.Equal(t, 17, info.NumParams)
	assert.InDelta(t, 0.93, info.ValF1, 1e-12)

	entries, err := os.ReadDir(filepath.Dir(s.Path(artifacts.KindCheckpoint)))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestHistoryWritesJSONAndCSV(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	h := &artifacts.History{
		Epochs: []artifacts.EpochRecord{
			{Epoch: 1, TrainLoss: 1.2, ValLoss: 1.1, ValF1: 0.5, LearningRate: 1e-3, Checkpointed: true},
			{Epoch: 2, TrainLoss: 0.9, ValLoss: 0.95, ValF1: 0.6, LearningRate: 1e-3, Checkpointed: true},
		},
		BestEpoch: 2,
	}
	require.NoError(t, s.SaveHistory(ctx, h))

	got, err := s.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.Epochs, got.Epochs)

	rows, err := s.LoadHistoryCSV(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[1].Epoch)
	assert.InDelta(t, 0.6, rows[1].ValF1, 1e-12)
}

func TestGraphAndRecord(t *testing.T) {
	s := newStore(t)
	path, err := s.SaveGraph(context.Background(), []byte("graph-bytes"))
	require.NoError(t, err)
	assert.Equal(t, s.GraphPath(), path)

	rec, err := s.Record(artifacts.KindGraph)
	require.NoError(t, err)
	assert.Equal(t, core.NewHash([]byte("graph-bytes")), rec.SHA256)
	assert.Equal(t, int64(11), rec.Bytes)
}

func TestTaxonomyRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tax := dataset.NewTaxonomy([]string{"PortScan", "BENIGN", "DDoS"})
	require.NoError(t, s.SaveTaxonomy(ctx, tax))

	got, err := s.LoadTaxonomy(ctx)
	require.NoError(t, err)
	assert.Equal(t, tax.Labels(), got.Labels())
}
