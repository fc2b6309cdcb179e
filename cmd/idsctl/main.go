package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"flowids/adapters/excel"
	"flowids/adapters/filestore"
	"flowids/adapters/ledger"
	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/domain/dataset"
	"flowids/domain/run"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/internal/ingest"
	"flowids/internal/pipeline"
	"flowids/internal/testkit"
	"flowids/ports"

	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=..."
var version = "dev"

// globals shared by every subcommand
type globals struct {
	configPath string
	seed       int64
}

func main() {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "idsctl",
		Short:         "Train, export and verify the flow intrusion detection classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().Int64Var(&g.seed, "seed", 0, "Seed for every stage (0 keeps the configured seeds)")

	rootCmd.AddCommand(
		newIngestCmd(g),
		newPreprocessCmd(g),
		newTrainCmd(g),
		newExportCmd(g),
		newVerifyCmd(g),
		newRunCmd(g),
		newInspectCmd(g),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error [%s]: %v\n", errors.GetCode(err), err)
		os.Exit(1)
	}
}

// env is the wiring every subcommand starts from
type env struct {
	cfg    *config.Config
	logger *internal.Logger
	store  *filestore.Store
}

func (g *globals) load() (*env, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.seed != 0 {
		cfg.SetSeed(g.seed)
	}
	level := internal.ParseLogLevel(cfg.Logging.Level)
	logger := internal.NewLogger(level)
	if cfg.Logging.Format == "json" {
		logger = internal.NewJSONLogger(level)
	}
	internal.DefaultLogger = logger
	return &env{cfg: cfg, logger: logger, store: filestore.New(cfg, logger)}, nil
}

func (e *env) pipeline(opts ...pipeline.Option) *pipeline.Pipeline {
	opts = append([]pipeline.Option{pipeline.WithCodeVersion(version)}, opts...)
	return pipeline.New(e.cfg, e.store, nil, testkit.RNGAdapter{}, e.logger, opts...)
}

// devTable reads path, or the configured development table when path is empty
func (e *env) devTable(ctx context.Context, path string) (*dataset.RawTable, error) {
	if path == "" {
		path = e.store.Path(artifacts.KindDevTable)
	}
	reader, err := excel.NewDataReader(excel.EncodingUTF8, e.logger)
	if err != nil {
		return nil, err
	}
	t, err := reader.ReadTable(ctx, path)
	if err != nil {
		return nil, errors.MissingPrerequisite(path, err)
	}
	return t, nil
}

// storedTaxonomy returns the label map written by ingest, or nil when there is none
func (e *env) storedTaxonomy(ctx context.Context) (*dataset.Taxonomy, error) {
	tax, err := e.store.LoadTaxonomy(ctx)
	if core.IsNotFoundError(err) {
		return nil, nil
	}
	return tax, err
}

func (e *env) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	if e.cfg.Ledger.DSN == "" {
		return nil, nil
	}
	return ledger.Open(ctx, e.cfg.Ledger, e.logger)
}

func newIngestCmd(g *globals) *cobra.Command {
	var rawDir string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Merge raw capture files into a stratified development table",
		Long: `Read every CSV and Excel capture under the raw directory, normalize the
attack labels and write a stratified sample with its label map.

Example: idsctl ingest --raw dataset/MachineLearningCVE --seed 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load()
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			if rawDir == "" {
				rawDir = e.cfg.Paths.RawDir
			}
			return runIngest(cmd.Context(), e, rawDir)
		},
	}

	cmd.Flags().StringVar(&rawDir, "raw", "", "Directory of raw capture files (default from config)")
	return cmd
}

func runIngest(ctx context.Context, e *env, rawDir string) error {
	rules, err := ingest.LoadRules(e.cfg.Ingest.TaxonomyRules)
	if err != nil {
		return err
	}
	reader, err := excel.NewDataReader(e.cfg.Ingest.Encoding, e.logger)
	if err != nil {
		return err
	}
	in := ingest.NewIngestor(e.cfg.Ingest, rules, reader, reader, e.store, testkit.RNGAdapter{}, e.logger)
	devPath := e.store.Path(artifacts.KindDevTable)
	res, err := in.Run(ctx, rawDir, devPath)
	if err != nil {
		return err
	}

	fmt.Printf("Ingested %d files: %d rows, %d dropped\n", len(res.Files), res.RawRows, res.DroppedRows)
	fmt.Printf("Development table: %d rows -> %s\n", res.DevRows, devPath)
	for _, label := range res.Taxonomy.Labels() {
		fmt.Printf("  %-12s %d\n", label, res.ClassCounts[label])
	}
	return nil
}

func newPreprocessCmd(g *globals) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Clean, split and standardize the development table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load()
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			ctx := cmd.Context()

			raw, err := e.devTable(ctx, input)
			if err != nil {
				return err
			}
			tax, err := e.storedTaxonomy(ctx)
			if err != nil {
				return err
			}
			res, err := e.pipeline().Preprocess(ctx, raw, tax)
			if err != nil {
				return err
			}

			fmt.Printf("Features: %d, classes: %v\n", len(res.Scaler.FeatureNames), res.Taxonomy.Labels())
			for _, name := range dataset.AllSplits {
				fmt.Printf("  %-5s %d rows %v\n", name, res.Splits.Get(name).Len(), res.ClassDist[name])
			}
			if n := len(res.Scaler.ZeroVarianceFeatures); n > 0 {
				fmt.Printf("Zero-variance features (scale forced to 1): %v\n", res.Scaler.ZeroVarianceFeatures)
			}
			for _, w := range res.Warnings {
				fmt.Printf("WARNING: %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Table to preprocess (default: the development table)")
	return cmd
}

func newTrainCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the classifier on the stored splits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load()
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			ctx := cmd.Context()

			p := e.pipeline()
			splits, tax, err := p.LoadSplits(ctx)
			if err != nil {
				return err
			}
			res, err := p.Train(ctx, splits, tax)
			if err != nil {
				return err
			}

			h := res.History
			stop := "epoch budget reached"
			if h.StoppedEarly {
				stop = "stopped early"
			}
			fmt.Printf("Trained %d epochs, best epoch %d (%s)\n", len(h.Epochs), h.BestEpoch, stop)
			fmt.Printf("Validation: loss %.4f, accuracy %.4f, F1 %.4f\n", res.Final.Loss, res.Final.Accuracy, res.Final.F1)
			fmt.Printf("Checkpoint: %s\n", e.store.Path(artifacts.KindCheckpoint))
			return nil
		},
	}
}

func newExportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export the best checkpoint as an ONNX graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load()
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			res, err := e.pipeline().ExportStored(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Exported epoch %d checkpoint to %s (%d bytes)\n", res.Checkpoint.Epoch, res.Path, res.Bytes)
			return nil
		},
	}
}

func newVerifyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare the exported graph with the checkpoint on test samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load()
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			rep, err := e.pipeline().VerifyStored(cmd.Context())
			if rep != nil {
				printVerification(rep)
			}
			return err
		},
	}
}

func printVerification(rep *artifacts.VerificationReport) {
	status := "PASSED"
	if !rep.Verified {
		status = "FAILED"
	}
	fmt.Printf("Verification %s (%s): %d/%d matched, max probability delta %.2e (tolerance %.0e)\n",
		status, rep.Engine, rep.Matched, rep.Samples, rep.MaxProbDelta, rep.Tolerance)
	for _, m := range rep.Mismatches {
		fmt.Printf("  sample %d: model class %d, graph class %d, delta %.2e\n", m.Index, m.ModelClass, m.GraphClass, m.MaxDelta)
	}
}

func newRunCmd(g *globals) *cobra.Command {
	var input string
	var withIngest bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run preprocess, train, export and verify, writing a manifest and report",
		Long: `Run the full pipeline on the development table. With --ingest the raw
captures are ingested first.

Example: idsctl run --ingest --seed 7 --config idsctl.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load()
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			ctx := cmd.Context()

			if withIngest {
				if err := runIngest(ctx, e, e.cfg.Paths.RawDir); err != nil {
					return err
				}
			}
			raw, err := e.devTable(ctx, input)
			if err != nil {
				return err
			}
			tax, err := e.storedTaxonomy(ctx)
			if err != nil {
				return err
			}

			var opts []pipeline.Option
			l, err := e.openLedger(ctx)
			if err != nil {
				return err
			}
			if l != nil {
				defer l.Close()
				opts = append(opts, pipeline.WithLedger(l))
			}

			out, runErr := e.pipeline(opts...).Run(ctx, raw, tax)
			if out != nil {
				fmt.Printf("Run %s\n", out.RunID)
				for _, s := range out.Manifest.Stages {
					line := fmt.Sprintf("  %-10s %-9s %6dms", s.Stage, s.Status, s.Duration)
					if s.ErrorCode != "" {
						line += " " + s.ErrorCode
					}
					fmt.Println(line)
				}
				if out.Verification != nil {
					printVerification(out.Verification)
				}
				fmt.Printf("Manifest: %s\n", e.store.Path(artifacts.KindRunManifest))
				fmt.Printf("Report:   %s\n", e.store.Path(artifacts.KindReport))
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Table to train on (default: the development table)")
	cmd.Flags().BoolVar(&withIngest, "ingest", false, "Ingest raw captures before preprocessing")
	return cmd
}

func newInspectCmd(g *globals) *cobra.Command {
	var runs int
	var runID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the stored checkpoint, last run manifest and ledger history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load()
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			ctx := cmd.Context()

			view := map[string]interface{}{}
			if info, err := e.store.InspectCheckpoint(); err == nil {
				view["checkpoint"] = info
			} else if !core.IsNotFoundError(err) {
				return err
			}
			if m, err := e.store.LoadManifest(ctx); err == nil {
				view["manifest"] = m
			} else if !core.IsNotFoundError(err) {
				return err
			}

			l, err := e.openLedger(ctx)
			if err != nil {
				return err
			}
			if l != nil {
				defer l.Close()
				if err := inspectLedger(ctx, l, runID, runs, view); err != nil {
					return err
				}
			}

			if asJSON {
				data, err := json.MarshalIndent(view, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			printInspect(view)
			return nil
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 10, "Number of ledger runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "Show the epochs of one ledger run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of text")
	return cmd
}

func inspectLedger(ctx context.Context, l ports.LedgerReaderPort, runID string, limit int, view map[string]interface{}) error {
	summaries, err := l.ListRuns(ctx, ports.RunFilters{Limit: limit})
	if err != nil {
		return err
	}
	view["runs"] = summaries
	if runID == "" {
		return nil
	}
	id, err := core.ParseRunID(runID)
	if err != nil {
		return errors.Wrap(errors.ConfigInvalid(err.Error()), "--run")
	}
	epochs, err := l.ListEpochs(ctx, id)
	if err != nil {
		return err
	}
	view["epochs"] = epochs
	return nil
}

func printInspect(view map[string]interface{}) {
	if info, ok := view["checkpoint"].(*filestore.CheckpointInfo); ok {
		fmt.Printf("Checkpoint: run %s epoch %d, %s=%.4f\n", info.RunID, info.Epoch, info.Metric, info.MetricValue)
		fmt.Printf("  architecture %d -> %v -> %d, %d parameters, dropout %.2f\n",
			info.InputDim, info.HiddenDims, info.NumClasses, info.NumParams, info.DropoutRate)
		fmt.Printf("  val loss %.4f, val F1 %.4f, created %s\n", info.ValLoss, info.ValF1, info.CreatedAt)
	} else {
		fmt.Println("Checkpoint: none")
	}

	if m, ok := view["manifest"].(*run.Manifest); ok {
		fmt.Printf("\nLast run %s: succeeded=%t seed=%d fingerprint=%s\n",
			m.RunID, m.Succeeded, m.Seed, m.Fingerprint.Fingerprint.Short())
		for _, s := range m.Stages {
			fmt.Printf("  %-10s %-9s %s\n", s.Stage, s.Status, s.ErrorCode)
		}
	}

	if summaries, ok := view["runs"].([]ports.RunSummary); ok {
		fmt.Printf("\nLedger (%d runs):\n", len(summaries))
		for _, r := range summaries {
			fmt.Printf("  %s  %s  seed=%d succeeded=%t best_epoch=%d val_f1=%.4f verified=%t\n",
				r.RunID, r.CreatedAt.Time().Format("2006-01-02 15:04:05"), r.Seed, r.Succeeded, r.BestEpoch, r.ValF1, r.Verified)
		}
	}
	if epochs, ok := view["epochs"].([]artifacts.EpochRecord); ok {
		fmt.Println("\nEpochs:")
		for _, ep := range epochs {
			fmt.Printf("  %3d  train_loss=%.4f val_loss=%.4f val_f1=%.4f lr=%.2e\n",
				ep.Epoch, ep.TrainLoss, ep.ValLoss, ep.ValF1, ep.LearningRate)
		}
	}
}
