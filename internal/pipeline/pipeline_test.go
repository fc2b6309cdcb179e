package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"flowids/adapters/filestore"
	"flowids/adapters/ledger"
	"flowids/domain/artifacts"
	"flowids/domain/dataset"
	"flowids/domain/stage"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/internal/testkit"
	"flowids/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.ArtifactDir = t.TempDir()
	cfg.Training.BatchSize = 32
	cfg.Training.Epochs = 30
	return cfg
}

func TestRunScenarioEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	store := filestore.New(cfg, internal.NewNopLogger())
	l, err := ledger.Open(context.Background(), config.LedgerConfig{
		Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "runs.db"),
	}, internal.NewNopLogger())
	require.NoError(t, err)
	defer l.Close()

	raw := testkit.NewFlowGenerator(testkit.DefaultFlowConfig()).GenerateRaw()
	p := New(cfg, store, nil, testkit.RNGAdapter{}, internal.NewNopLogger(), WithLedger(l), WithCodeVersion("test"))

	out, err := p.Run(context.Background(), raw, nil)
	require.NoError(t, err)

	splits := out.Preprocess.Splits
	assert.Equal(t, 750, splits.Train.Len())
	assert.Equal(t, 125, splits.Val.Len())
	assert.Equal(t, 125, splits.Test.Len())
	assert.GreaterOrEqual(t, out.Training.Final.F1, 0.9)
	require.NotNil(t, out.Verification)
	assert.True(t, out.Verification.Verified)
	assert.Less(t, out.Verification.MaxProbDelta, 1e-5)

	m := out.Manifest
	assert.True(t, m.Succeeded)
	require.Len(t, m.Stages, 4)
	for i, name := range []stage.Name{stage.StagePreprocess, stage.StageTrain, stage.StageExport, stage.StageVerify} {
		assert.Equal(t, name, m.Stages[i].Stage)
		assert.True(t, m.Stages[i].Succeeded())
	}
	for _, kind := range []artifacts.Kind{
		artifacts.KindScalerParams, artifacts.KindLabelMap, artifacts.KindCheckpoint,
		artifacts.KindGraph, artifacts.KindVerification, artifacts.KindReport, artifacts.KindReportHTML,
	} {
		rec, ok := m.Artifacts[string(kind)]
		if assert.True(t, ok, "manifest is missing %s", kind) {
			assert.False(t, rec.SHA256.IsEmpty())
		}
		assert.True(t, store.Exists(kind), "%s not written", kind)
	}
	assert.True(t, store.Exists(artifacts.KindRunManifest))

	md, err := os.ReadFile(store.Path(artifacts.KindReport))
	require.NoError(t, err)
	assert.Contains(t, string(md), "### Feature profile")
	assert.Contains(t, string(md), "| f00 |")

	runs, err := l.ListRuns(context.Background(), ports.RunFilters{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, p.RunID(), runs[0].RunID)
	assert.True(t, runs[0].Verified)
}

func TestStoredStagesMatchFullRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.Epochs = 5
	store := filestore.New(cfg, nil)
	p := New(cfg, store, nil, testkit.RNGAdapter{}, nil)
	ctx := context.Background()

	raw := testkit.NewFlowGenerator(testkit.DefaultFlowConfig()).GenerateRaw()
	_, err := p.Preprocess(ctx, raw, nil)
	require.NoError(t, err)

	splits, tax, err := p.LoadSplits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, tax.Len())
	_, err = p.Train(ctx, splits, tax)
	require.NoError(t, err)

	res, err := p.ExportStored(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.GraphPath(), res.Path)

	rep, err := p.VerifyStored(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Verified)
}

func TestStoredStagesNeedPrerequisites(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg, filestore.New(cfg, nil), nil, testkit.RNGAdapter{}, nil)
	ctx := context.Background()

	_, _, err := p.LoadSplits(ctx)
	assert.Equal(t, errors.CodeMissingPrerequisite, errors.GetCode(err))
	_, err = p.ExportStored(ctx)
	assert.Equal(t, errors.CodeMissingPrerequisite, errors.GetCode(err))
	_, err = p.VerifyStored(ctx)
	assert.Equal(t, errors.CodeMissingPrerequisite, errors.GetCode(err))
}

func TestRunRecordsFailedStageAndSkipsRest(t *testing.T) {
	cfg := testConfig(t)
	store := filestore.New(cfg, nil)
	p := New(cfg, store, nil, testkit.RNGAdapter{}, nil)

	raw := &dataset.RawTable{Header: []string{"f00", "f01"}, Rows: [][]string{{"1", "2"}}}
	out, err := p.Run(context.Background(), raw, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInputContract, errors.GetCode(err))

	m := out.Manifest
	assert.False(t, m.Succeeded)
	require.Len(t, m.Stages, 4)
	assert.Equal(t, stage.StatusFailed, m.Stages[0].Status)
	assert.Equal(t, errors.CodeInputContract, m.Stages[0].ErrorCode)
	for _, s := range m.Stages[1:] {
		assert.Equal(t, stage.StatusSkipped, s.Status)
	}

	saved, err := store.LoadManifest(context.Background())
	require.NoError(t, err)
	assert.False(t, saved.Succeeded)
	_, err = os.Stat(store.Path(artifacts.KindReport))
	assert.NoError(t, err)
}

func TestRunHonoursCancellation(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg, filestore.New(cfg, nil), nil, testkit.RNGAdapter{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := p.Run(ctx, testkit.NewFlowGenerator(testkit.DefaultFlowConfig()).GenerateRaw(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	for _, s := range out.Manifest.Stages {
		assert.Equal(t, stage.StatusSkipped, s.Status)
	}
}

func TestRunnerForPicksEngine(t *testing.T) {
	cfg := config.Default().Export
	assert.Equal(t, "reference", RunnerFor(cfg).Name())

	cfg.ORTLibPath = "/usr/lib/libonnxruntime.so"
	assert.Equal(t, "onnxruntime", RunnerFor(cfg).Name())

	cfg.Engine = config.EngineReference
	assert.Equal(t, "reference", RunnerFor(cfg).Name())
}
