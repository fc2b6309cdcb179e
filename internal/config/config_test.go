package config

import (
	"os"
	"path/filepath"
	"testing"

	"flowids/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idsctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []int{128, 64, 32}, cfg.Model.HiddenDims)
	assert.Equal(t, 0.75, cfg.Preprocess.TrainFraction)
	assert.Equal(t, MetricValF1, cfg.Training.CheckpointMetric)
	assert.Equal(t, int64(11), cfg.Export.Opset)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
paths:
  artifact_dir: /tmp/flowids
model:
  hidden_dims: [32, 16]
training:
  epochs: 5
  checkpoint_metric: val_loss
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []int{32, 16}, cfg.Model.HiddenDims)
	assert.Equal(t, 5, cfg.Training.Epochs)
	assert.Equal(t, MetricValLoss, cfg.Training.CheckpointMetric)
	assert.Equal(t, 256, cfg.Training.BatchSize, "unset keys keep their defaults")
	assert.Equal(t, "/tmp/flowids/models/onnx/ids_model.onnx", cfg.Resolve(cfg.Paths.Graph))
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	path := writeFile(t, "training:\n  batch_size: 64\n")
	t.Setenv("BATCH_SIZE", "128")
	t.Setenv("SEED", "7")
	t.Setenv("HIDDEN_DIMS", "64, 8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Training.BatchSize)
	assert.Equal(t, []int{64, 8}, cfg.Model.HiddenDims)
	for _, seed := range []int64{cfg.Ingest.Seed, cfg.Preprocess.Seed, cfg.Training.Seed, cfg.Export.Seed} {
		assert.Equal(t, int64(7), seed)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"fraction":  "preprocess:\n  train_fraction: 1.5\n",
		"topology":  "model:\n  hidden_dims: [16, 0]\n",
		"dropout":   "model:\n  dropout_rate: 1\n",
		"metric":    "training:\n  checkpoint_metric: accuracy\n",
		"lr factor": "training:\n  lr_factor: 1\n",
		"engine":    "export:\n  engine: tensorrt\n",
		"ort path":  "export:\n  engine: onnxruntime\n",
		"syntax":    "training: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.Error(t, err)
			assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
}

func TestHashIgnoresPathsAndLogging(t *testing.T) {
	a, b := Default(), Default()
	b.Paths.ArtifactDir = "/elsewhere"
	b.Logging.Level = "DEBUG"
	b.Export.ORTLibPath = "/usr/lib/libonnxruntime.so"
	assert.Equal(t, a.Hash(), b.Hash())

	b.Training.LearningRate = 0.01
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := Default()
	c.SetSeed(99)
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestResolveKeepsAbsolutePaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.ArtifactDir = "out"
	assert.Equal(t, filepath.Join("out", "dataset", "train.csv"), cfg.Resolve("dataset/train.csv"))
	assert.Equal(t, "/data/train.csv", cfg.Resolve("/data/train.csv"))
	assert.Equal(t, "", cfg.Resolve(""))
}

func TestResolvedEngineFollowsLibraryPath(t *testing.T) {
	cfg := Default()
	assert.Equal(t, EngineAuto, cfg.Export.Engine)
	assert.Equal(t, EngineReference, cfg.Export.ResolvedEngine())

	cfg.Export.ORTLibPath = "/usr/lib/libonnxruntime.so"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, EngineORT, cfg.Export.ResolvedEngine())

	cfg.Export.Engine = EngineReference
	assert.Equal(t, EngineReference, cfg.Export.ResolvedEngine())
}
