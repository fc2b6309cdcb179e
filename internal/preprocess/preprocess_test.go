package preprocess

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"testing"

	"flowids/domain/dataset"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/internal/testkit"

	"github.com/montanaflynn/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPreprocessor(store *testkit.MemoryStore) *Preprocessor {
	return NewPreprocessor(config.Default().Preprocess, store, testkit.RNGAdapter{}, internal.NewNopLogger())
}

func scenarioTable(mutate func(*testkit.FlowGeneratorConfig)) *dataset.Table {
	cfg := testkit.DefaultFlowConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return testkit.NewFlowGenerator(cfg).Generate()
}

func TestScenarioSplitSizes(t *testing.T) {
	res, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), scenarioTable(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 750, res.Splits.Train.Len())
	assert.Equal(t, 125, res.Splits.Val.Len())
	assert.Equal(t, 125, res.Splits.Test.Len())
	assert.Equal(t, 4, res.Taxonomy.Len())
	assert.Empty(t, res.Warnings)
}

func TestFeatureCountAndOrderPreserved(t *testing.T) {
	table := scenarioTable(nil)
	names := append([]string(nil), table.FeatureNames...)

	store := testkit.NewMemoryStore()
	res, err := newTestPreprocessor(store).Run(context.Background(), table, nil)
	require.NoError(t, err)

	assert.Equal(t, names, res.Scaler.FeatureNames)
	for _, name := range dataset.AllSplits {
		s := res.Splits.Get(name)
		assert.Equal(t, names, s.FeatureNames)
		for _, row := range s.Features {
			require.Len(t, row, len(names))
		}
	}
	persisted, err := store.LoadScalerParams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, names, persisted.FeatureNames)
}

func TestStandardizationRoundTrip(t *testing.T) {
	res, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), scenarioTable(nil), nil)
	require.NoError(t, err)

	train := res.Splits.Train
	for j := range res.Scaler.FeatureNames {
		col := make(stats.Float64Data, train.Len())
		for i, row := range train.Features {
			col[i] = row[j]
		}
		mean, _ := stats.Mean(col)
		std, _ := stats.StandardDeviationPopulation(col)
		assert.InDelta(t, 0, mean, 1e-9, "feature %d", j)
		assert.InDelta(t, 1, std, 1e-9, "feature %d", j)
	}

	raw := unstandardize(res.Scaler, train.Features)
	refit, err := FitScaler(raw, res.Scaler.FeatureNames)
	require.NoError(t, err)
	for j := range refit.Mean {
		assert.InDelta(t, res.Scaler.Mean[j], refit.Mean[j], 1e-9)
		assert.InDelta(t, res.Scaler.Scale[j], refit.Scale[j], 1e-9)
	}
}

// The scaler must be fitted on training rows only.
func TestNoLeakageFromHeldOutRows(t *testing.T) {
	table := scenarioTable(nil)
	res, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), table, nil)
	require.NoError(t, err)

	var all [][]float64
	for _, name := range dataset.AllSplits {
		all = append(all, unstandardize(res.Scaler, res.Splits.Get(name).Features)...)
	}
	full, err := FitScaler(all, res.Scaler.FeatureNames)
	require.NoError(t, err)

	differs := false
	for j := range full.Mean {
		if math.Abs(full.Mean[j]-res.Scaler.Mean[j]) > 1e-9 {
			differs = true
		}
	}
	assert.True(t, differs, "scaler parameters equal full-data statistics")
}

func TestStratificationWithinOneRow(t *testing.T) {
	table := scenarioTable(func(c *testkit.FlowGeneratorConfig) {
		c.Rows = 997
		c.Classes = []string{"BENIGN", "Bot", "DDoS", "PortScan", "Web Attack"}
	})
	// unbalance the classes
	for i := range table.Labels {
		if i%7 == 0 {
			table.Labels[i] = "BENIGN"
		}
	}

	res, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), table, nil)
	require.NoError(t, err)

	total := res.Splits.Train.Len() + res.Splits.Val.Len() + res.Splits.Test.Len()
	assert.Equal(t, 997, total)

	overall := make([]int, res.Taxonomy.Len())
	for _, name := range dataset.AllSplits {
		for k, c := range res.ClassDist[name] {
			overall[k] += c
		}
	}
	for _, name := range dataset.AllSplits {
		n := float64(res.Splits.Get(name).Len())
		for k, c := range res.ClassDist[name] {
			expected := n * float64(overall[k]) / float64(total)
			assert.InDelta(t, expected, float64(c), 2.0, "class %d in %s", k, name)
		}
	}
}

func TestDeterministicScalerParams(t *testing.T) {
	a, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), scenarioTable(nil), nil)
	require.NoError(t, err)
	b, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), scenarioTable(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, a.Scaler, b.Scaler)
	assert.Equal(t, a.Splits.Train.Labels, b.Splits.Train.Labels)
}

func TestConstantFeatureGetsUnitScale(t *testing.T) {
	table := scenarioTable(func(c *testkit.FlowGeneratorConfig) { c.ConstantFeatures = []int{2} })
	res, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), table, nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, res.Scaler.Scale[2])
	assert.Equal(t, []string{"f02"}, res.Scaler.ZeroVarianceFeatures)
	for _, name := range dataset.AllSplits {
		for _, row := range res.Splits.Get(name).Features {
			assert.Equal(t, 0.0, row[2])
		}
	}
}

func TestInfiniteAndMissingValuesCleaned(t *testing.T) {
	table := scenarioTable(func(c *testkit.FlowGeneratorConfig) { c.InfRate = 0.02 })
	table.Features[0][0] = math.NaN()
	table.Features[1][1] = math.Inf(-1)

	res, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), table, nil)
	require.NoError(t, err)

	assert.Greater(t, res.Clean.InfReplaced, 1)
	assert.Equal(t, res.Clean.InfReplaced+1, res.Clean.MissingFilled)
	for _, name := range dataset.AllSplits {
		for _, row := range res.Splits.Get(name).Features {
			for _, v := range row {
				require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
			}
		}
	}
}

func TestClassMissingFromTrainIsFatal(t *testing.T) {
	tax := dataset.NewTaxonomy([]string{"BENIGN", "DDoS", "DoS", "Heartbleed", "PortScan"})
	_, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), scenarioTable(nil), tax)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInputContract, errors.GetCode(err))
	assert.Contains(t, err.Error(), "Heartbleed")
}

func TestRareClassMissingFromHeldOutWarns(t *testing.T) {
	table := scenarioTable(nil)
	table.Labels[0] = "Heartbleed"
	table.Labels[1] = "Heartbleed"

	res, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), table, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warnings)

	strict := config.Default().Preprocess
	strict.RequireAllInVT = true
	p := NewPreprocessor(strict, testkit.NewMemoryStore(), testkit.RNGAdapter{}, internal.NewNopLogger())
	table = scenarioTable(nil)
	table.Labels[0] = "Heartbleed"
	table.Labels[1] = "Heartbleed"
	_, err = p.Run(context.Background(), table, nil)
	assert.Equal(t, errors.CodeInputContract, errors.GetCode(err))
}

func TestUnknownLabelIsInputContract(t *testing.T) {
	tax := dataset.NewTaxonomy([]string{"BENIGN", "DDoS", "DoS"})
	_, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), scenarioTable(nil), tax)
	assert.Equal(t, errors.CodeInputContract, errors.GetCode(err))
}

func TestRunRawContracts(t *testing.T) {
	p := newTestPreprocessor(testkit.NewMemoryStore())

	raw := testkit.NewFlowGenerator(testkit.DefaultFlowConfig()).GenerateRaw()
	res, err := p.RunRaw(context.Background(), raw, nil)
	require.NoError(t, err)
	assert.Len(t, res.Scaler.FeatureNames, 10)

	noLabel := &dataset.RawTable{Header: []string{"a", "b"}, Rows: [][]string{{"1", "2"}}}
	_, err = p.RunRaw(context.Background(), noLabel, nil)
	assert.Equal(t, errors.CodeInputContract, errors.GetCode(err))

	bad := &dataset.RawTable{Header: []string{"a", "Label"}, Rows: [][]string{{"abc", "BENIGN"}}}
	_, err = p.RunRaw(context.Background(), bad, nil)
	assert.Equal(t, errors.CodeInputContract, errors.GetCode(err))
}

func TestParseTableAcceptsInfinityTokens(t *testing.T) {
	raw := &dataset.RawTable{
		Header: []string{"Flow Bytes/s", "Label"},
		Rows:   [][]string{{"Infinity", "DDoS"}, {"", "BENIGN"}, {"NaN", "BENIGN"}, {"-inf", "Bot"}},
	}
	table, err := ParseTable(raw, "Label")
	require.NoError(t, err)
	assert.True(t, math.IsInf(table.Features[0][0], 1))
	assert.True(t, math.IsNaN(table.Features[1][0]))

	st := Clean(table)
	assert.Equal(t, CleanStats{InfReplaced: 2, MissingFilled: 4}, st)
}

// recordingStore fails if splits are saved before the scaler parameters.
type recordingStore struct {
	*testkit.MemoryStore
	order []string
}

func (r *recordingStore) SaveScalerParams(ctx context.Context, p *dataset.ScalerParams) error {
	r.order = append(r.order, "scaler")
	return r.MemoryStore.SaveScalerParams(ctx, p)
}

func (r *recordingStore) SaveSplits(ctx context.Context, s *dataset.Splits) error {
	r.order = append(r.order, "splits")
	return r.MemoryStore.SaveSplits(ctx, s)
}

func TestScalerPersistedBeforeSplits(t *testing.T) {
	store := &recordingStore{MemoryStore: testkit.NewMemoryStore()}
	p := NewPreprocessor(config.Default().Preprocess, store, testkit.RNGAdapter{}, internal.NewNopLogger())
	_, err := p.Run(context.Background(), scenarioTable(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"scaler", "splits"}, store.order)
}

func TestPartitionDisjointAndExhaustive(t *testing.T) {
	labels := make([]int, 103)
	for i := range labels {
		labels[i] = i % 3
	}
	dp := NewDataPartitioner(rand.New(rand.NewSource(42)))
	keep, held, err := dp.Partition(labels, 3, 0.25)
	require.NoError(t, err)
	assert.Len(t, held, 26)

	all := append(append([]int(nil), keep...), held...)
	sort.Ints(all)
	for i, v := range all {
		require.Equal(t, i, v)
	}
}

func TestAllocateIsExact(t *testing.T) {
	assert.Equal(t, []int{2, 1, 1}, allocate([]int{5, 3, 2}, 4))
	assert.Equal(t, []int{63, 63, 62, 62}, allocate([]int{250, 250, 250, 250}, 250))
	assert.Equal(t, []int{0, 0}, allocate([]int{0, 0}, 0))
}

func unstandardize(p *dataset.ScalerParams, rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		r := make([]float64, len(row))
		for j, v := range row {
			r[j] = v*p.Scale[j] + p.Mean[j]
		}
		out[i] = r
	}
	return out
}

func TestProfileFeaturesKnownColumns(t *testing.T) {
	rows := make([][]float64, 8)
	for i := range rows {
		rows[i] = []float64{float64(i + 1), 3}
	}
	p := ProfileFeatures(rows, []string{"Flow Duration", "Constant"})
	require.Len(t, p, 2)

	assert.Equal(t, "Flow Duration", p[0].Name)
	assert.InDelta(t, 4.5, p[0].Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(5.25), p[0].StdDev, 1e-12)
	assert.Equal(t, 1.0, p[0].Min)
	assert.Equal(t, 8.0, p[0].Max)
	assert.InDelta(t, 4.5, p[0].Median, 1e-12)
	assert.Equal(t, 2.0, p[0].Q25)
	assert.Equal(t, 6.0, p[0].Q75)

	assert.Equal(t, 0.0, p[1].StdDev)
	assert.Equal(t, 3.0, p[1].Q25)
	assert.Equal(t, 3.0, p[1].Max)
}

func TestRunProfilesRawTrainingSplit(t *testing.T) {
	res, err := newTestPreprocessor(testkit.NewMemoryStore()).Run(context.Background(), scenarioTable(nil), nil)
	require.NoError(t, err)

	require.Len(t, res.Profile, len(res.Scaler.FeatureNames))
	for j, p := range res.Profile {
		assert.Equal(t, res.Scaler.FeatureNames[j], p.Name)
		assert.InDelta(t, res.Scaler.Mean[j], p.Mean, 1e-9)
		assert.InDelta(t, res.Scaler.Scale[j], p.StdDev, 1e-9)
		assert.LessOrEqual(t, p.Min, p.Q25)
		assert.LessOrEqual(t, p.Q75, p.Max)
	}
}
