package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"flowids/internal/errors"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration. Each stage receives
// only its own section.
type Config struct {
	Paths      PathConfig       `yaml:"paths"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Export     ExportConfig     `yaml:"export"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PathConfig holds the artifact locations. Relative entries are resolved
// against ArtifactDir.
type PathConfig struct {
	ArtifactDir    string `yaml:"artifact_dir"`
	RawDir         string `yaml:"raw_dir"`
	DevTable       string `yaml:"dev_table"`
	LabelMap       string `yaml:"label_map"`
	ScalerParams   string `yaml:"scaler_params"`
	TrainSplit     string `yaml:"train_split"`
	ValSplit       string `yaml:"val_split"`
	TestSplit      string `yaml:"test_split"`
	Checkpoint     string `yaml:"checkpoint"`
	History        string `yaml:"history"`
	HistoryCSV     string `yaml:"history_csv"`
	Graph          string `yaml:"graph"`
	Verification   string `yaml:"verification"`
	Manifest       string `yaml:"manifest"`
	ReportMarkdown string `yaml:"report_markdown"`
	ReportHTML     string `yaml:"report_html"`
}

// IngestConfig controls raw flow ingestion and development sampling
type IngestConfig struct {
	LabelColumn    string  `yaml:"label_column"`
	SampleFraction float64 `yaml:"sample_fraction"`
	Encoding       string  `yaml:"encoding"`
	TaxonomyRules  string  `yaml:"taxonomy_rules"`
	Seed           int64   `yaml:"seed"`
}

// PreprocessConfig controls cleaning, splitting and standardization
type PreprocessConfig struct {
	LabelColumn    string  `yaml:"label_column"`
	TrainFraction  float64 `yaml:"train_fraction"`
	TestOfHoldout  float64 `yaml:"test_of_holdout"`
	Seed           int64   `yaml:"seed"`
	RequireAllInVT bool    `yaml:"require_all_classes_in_val_test"`
}

// ModelConfig is the classifier topology
type ModelConfig struct {
	HiddenDims  []int   `yaml:"hidden_dims"`
	DropoutRate float64 `yaml:"dropout_rate"`
}

// TrainingConfig enumerates every training hyperparameter
type TrainingConfig struct {
	BatchSize        int     `yaml:"batch_size"`
	LearningRate     float64 `yaml:"learning_rate"`
	Epochs           int     `yaml:"epochs"`
	Patience         int     `yaml:"patience"`
	LRFactor         float64 `yaml:"lr_factor"`
	LRPatience       int     `yaml:"lr_patience"`
	LRThreshold      float64 `yaml:"lr_threshold"`
	MinLearningRate  float64 `yaml:"min_learning_rate"`
	CheckpointMetric string  `yaml:"checkpoint_metric"`
	Seed             int64   `yaml:"seed"`
}

// ExportConfig controls graph export and parity verification
type ExportConfig struct {
	Opset        int64   `yaml:"opset"`
	SampleSize   int     `yaml:"sample_size"`
	Tolerance    float64 `yaml:"tolerance"`
	Engine       string  `yaml:"engine"`
	ORTLibPath   string  `yaml:"ort_lib_path"`
	Seed         int64   `yaml:"seed"`
	ProducerName string  `yaml:"producer_name"`
	ModelVersion int64   `yaml:"model_version"`
}

// LedgerConfig configures the optional SQL run ledger. An empty DSN disables it.
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Engine names accepted by ExportConfig.Engine. EngineAuto verifies with
// ONNX Runtime when ORTLibPath is set and with the reference runtime otherwise.
const (
	EngineAuto      = "auto"
	EngineReference = "reference"
	EngineORT       = "onnxruntime"
)

// Checkpoint metrics accepted by TrainingConfig.CheckpointMetric
const (
	MetricValF1   = "val_f1"
	MetricValLoss = "val_loss"
)

// Default returns the reference hyperparameters and artifact layout
func Default() *Config {
	return &Config{
		Paths: PathConfig{
			ArtifactDir:    "artifacts",
			RawDir:         "dataset/MachineLearningCVE",
			DevTable:       "dataset/cicids2017_dev.csv",
			LabelMap:       "dataset/label_map.json",
			ScalerParams:   "dataset/scaler_params.json",
			TrainSplit:     "dataset/train.csv",
			ValSplit:       "dataset/val.csv",
			TestSplit:      "dataset/test.csv",
			Checkpoint:     "models/checkpoints/best_model.json",
			History:        "models/logs/training_history.json",
			HistoryCSV:     "models/logs/training_history.csv",
			Graph:          "models/onnx/ids_model.onnx",
			Verification:   "models/onnx/verification.json",
			Manifest:       "models/run_manifest.json",
			ReportMarkdown: "models/report.md",
			ReportHTML:     "models/report.html",
		},
		Ingest: IngestConfig{
			LabelColumn:    "Label",
			SampleFraction: 0.1,
			Encoding:       "windows-1252",
			Seed:           42,
		},
		Preprocess: PreprocessConfig{
			LabelColumn:   "Label",
			TrainFraction: 0.75,
			TestOfHoldout: 0.5,
			Seed:          42,
		},
		Model: ModelConfig{
			HiddenDims:  []int{128, 64, 32},
			DropoutRate: 0.3,
		},
		Training: TrainingConfig{
			BatchSize:        256,
			LearningRate:     0.001,
			Epochs:           50,
			Patience:         10,
			LRFactor:         0.5,
			LRPatience:       5,
			LRThreshold:      1e-4,
			MinLearningRate:  0,
			CheckpointMetric: MetricValF1,
			Seed:             42,
		},
		Export: ExportConfig{
			Opset:        11,
			SampleSize:   100,
			Tolerance:    1e-5,
			Engine:       EngineAuto,
			Seed:         42,
			ProducerName: "flowids",
			ModelVersion: 1,
		},
		Ledger: LedgerConfig{
			Driver: "sqlite3",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file when present, and the process environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ConfigInvalid(err.Error()), "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ConfigInvalid(err.Error()), "failed to parse config file")
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ConfigInvalid(err.Error()), "failed to load .env")
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Paths.ArtifactDir = getEnvOrDefault("ARTIFACT_DIR", cfg.Paths.ArtifactDir)
	cfg.Paths.RawDir = getEnvOrDefault("RAW_DATA_DIR", cfg.Paths.RawDir)

	if seed := os.Getenv("SEED"); seed != "" {
		if v, err := strconv.ParseInt(seed, 10, 64); err == nil {
			cfg.SetSeed(v)
		}
	}

	cfg.Training.BatchSize = getEnvIntOrDefault("BATCH_SIZE", cfg.Training.BatchSize)
	cfg.Training.LearningRate = getEnvFloatOrDefault("LEARNING_RATE", cfg.Training.LearningRate)
	cfg.Training.Epochs = getEnvIntOrDefault("NUM_EPOCHS", cfg.Training.Epochs)
	cfg.Training.Patience = getEnvIntOrDefault("EARLY_STOPPING_PATIENCE", cfg.Training.Patience)
	cfg.Training.LRFactor = getEnvFloatOrDefault("LR_FACTOR", cfg.Training.LRFactor)
	cfg.Training.LRPatience = getEnvIntOrDefault("LR_PATIENCE", cfg.Training.LRPatience)
	cfg.Training.CheckpointMetric = getEnvOrDefault("CHECKPOINT_METRIC", cfg.Training.CheckpointMetric)

	if dims := os.Getenv("HIDDEN_DIMS"); dims != "" {
		if parsed, err := parseIntList(dims); err == nil {
			cfg.Model.HiddenDims = parsed
		}
	}
	cfg.Model.DropoutRate = getEnvFloatOrDefault("DROPOUT_RATE", cfg.Model.DropoutRate)

	cfg.Export.Engine = getEnvOrDefault("INFERENCE_ENGINE", cfg.Export.Engine)
	cfg.Export.ORTLibPath = getEnvOrDefault("ORT_LIB_PATH", cfg.Export.ORTLibPath)
	cfg.Export.SampleSize = getEnvIntOrDefault("VERIFY_SAMPLES", cfg.Export.SampleSize)

	cfg.Ledger.Driver = getEnvOrDefault("LEDGER_DRIVER", cfg.Ledger.Driver)
	cfg.Ledger.DSN = getEnvOrDefault("LEDGER_DSN", cfg.Ledger.DSN)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)
}

// Validate checks every option for a usable value
func (c *Config) Validate() error {
	if c.Paths.ArtifactDir == "" {
		return errors.ConfigInvalid("paths.artifact_dir is required")
	}
	if c.Ingest.SampleFraction <= 0 || c.Ingest.SampleFraction > 1 {
		return errors.ConfigInvalid("ingest.sample_fraction must be in (0, 1]")
	}
	if err := c.Preprocess.Validate(); err != nil {
		return err
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := c.Training.Validate(); err != nil {
		return err
	}
	return c.Export.Validate()
}

// Validate checks the split fractions
func (p PreprocessConfig) Validate() error {
	if p.LabelColumn == "" {
		return errors.ConfigInvalid("preprocess.label_column is required")
	}
	if p.TrainFraction <= 0 || p.TrainFraction >= 1 {
		return errors.ConfigInvalid("preprocess.train_fraction must be in (0, 1)")
	}
	if p.TestOfHoldout <= 0 || p.TestOfHoldout >= 1 {
		return errors.ConfigInvalid("preprocess.test_of_holdout must be in (0, 1)")
	}
	return nil
}

// Validate checks the topology
func (m ModelConfig) Validate() error {
	if len(m.HiddenDims) == 0 {
		return errors.ConfigInvalid("model.hidden_dims must name at least one layer")
	}
	for _, d := range m.HiddenDims {
		if d <= 0 {
			return errors.ConfigInvalid("model.hidden_dims entries must be positive")
		}
	}
	if m.DropoutRate < 0 || m.DropoutRate >= 1 {
		return errors.ConfigInvalid("model.dropout_rate must be in [0, 1)")
	}
	return nil
}

// Validate checks the training hyperparameters
func (t TrainingConfig) Validate() error {
	if t.BatchSize <= 0 {
		return errors.ConfigInvalid("training.batch_size must be positive")
	}
	if t.LearningRate <= 0 {
		return errors.ConfigInvalid("training.learning_rate must be positive")
	}
	if t.Epochs <= 0 {
		return errors.ConfigInvalid("training.epochs must be positive")
	}
	if t.Patience <= 0 {
		return errors.ConfigInvalid("training.patience must be positive")
	}
	if t.LRFactor <= 0 || t.LRFactor >= 1 {
		return errors.ConfigInvalid("training.lr_factor must be in (0, 1)")
	}
	if t.LRPatience < 0 {
		return errors.ConfigInvalid("training.lr_patience must not be negative")
	}
	switch t.CheckpointMetric {
	case MetricValF1, MetricValLoss:
	default:
		return errors.ConfigInvalid("training.checkpoint_metric must be val_f1 or val_loss")
	}
	return nil
}

// Validate checks the export and verification options
func (e ExportConfig) Validate() error {
	if e.Opset < 7 {
		return errors.ConfigInvalid("export.opset must be at least 7")
	}
	if e.SampleSize <= 0 {
		return errors.ConfigInvalid("export.sample_size must be positive")
	}
	if e.Tolerance <= 0 {
		return errors.ConfigInvalid("export.tolerance must be positive")
	}
	switch e.Engine {
	case EngineAuto, EngineReference:
	case EngineORT:
		if e.ORTLibPath == "" {
			return errors.ConfigInvalid("export.ort_lib_path is required for the onnxruntime engine")
		}
	default:
		return errors.ConfigInvalid("export.engine must be auto, reference or onnxruntime")
	}
	return nil
}

// SetSeed applies one seed to every stage that draws random numbers
func (c *Config) SetSeed(seed int64) {
	c.Ingest.Seed = seed
	c.Preprocess.Seed = seed
	c.Training.Seed = seed
	c.Export.Seed = seed
}

// ResolvedEngine returns the runtime verification will use
func (e ExportConfig) ResolvedEngine() string {
	if e.Engine == EngineAuto || e.Engine == "" {
		if e.ORTLibPath != "" {
			return EngineORT
		}
		return EngineReference
	}
	return e.Engine
}

// Resolve returns p joined to the artifact directory unless it is absolute
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.ArtifactDir, p)
}

// Hash fingerprints the hyperparameters that influence results. Paths and
// logging are excluded so relocating artifacts does not change it.
func (c *Config) Hash() string {
	payload := struct {
		Preprocess PreprocessConfig
		Model      ModelConfig
		Training   TrainingConfig
		Export     ExportConfig
	}{c.Preprocess, c.Model, c.Training, c.Export}
	payload.Export.ORTLibPath = ""

	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func parseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
