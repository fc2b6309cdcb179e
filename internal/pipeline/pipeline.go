// Package pipeline sequences preprocessing, training, export and
// verification, recording every stage and artifact in a run manifest.
package pipeline

import (
	"context"
	"fmt"

	"flowids/adapters/onnx"
	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/domain/dataset"
	"flowids/domain/run"
	"flowids/domain/stage"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/internal/export"
	"flowids/internal/nn"
	"flowids/internal/preprocess"
	"flowids/internal/report"
	"flowids/internal/training"
	"flowids/ports"
)

// ArtifactStore is the persistence the pipeline needs beyond the stage ports
type ArtifactStore interface {
	ports.PreprocessStore
	ports.CheckpointStore
	ports.HistoryStore
	ports.VerificationStore
	ports.GraphStore
	SaveManifest(ctx context.Context, m *run.Manifest) error
	SaveReport(ctx context.Context, markdown, html []byte) error
	Record(kind artifacts.Kind) (run.ArtifactRecord, error)
}

// Outcome collects the products of a run. Fields for stages that did not
// complete are nil.
type Outcome struct {
	RunID        core.RunID
	Manifest     *run.Manifest
	Preprocess   *preprocess.Result
	Training     *training.Result
	Export       *export.Result
	Verification *artifacts.VerificationReport
}

// Pipeline owns the configuration and adapters shared by all stages
type Pipeline struct {
	cfg         *config.Config
	store       ArtifactStore
	runner      ports.GraphRunner
	rng         ports.RNGPort
	ledger      ports.LedgerWriterPort
	logger      *internal.Logger
	codeVersion string
	runID       core.RunID
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithLedger records finished runs in l
func WithLedger(l ports.LedgerWriterPort) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// WithCodeVersion stamps manifests with the build version
func WithCodeVersion(v string) Option {
	return func(p *Pipeline) { p.codeVersion = v }
}

// WithRunID fixes the run identifier instead of generating one
func WithRunID(id core.RunID) Option {
	return func(p *Pipeline) { p.runID = id }
}

// New creates a pipeline. runner may be nil to select one from cfg.Export.
func New(cfg *config.Config, store ArtifactStore, runner ports.GraphRunner, rng ports.RNGPort,
	logger *internal.Logger, opts ...Option) *Pipeline {
	if runner == nil {
		runner = RunnerFor(cfg.Export)
	}
	p := &Pipeline{
		cfg:         cfg,
		store:       store,
		runner:      runner,
		rng:         rng,
		logger:      internal.OrDefault(logger),
		codeVersion: "dev",
		runID:       core.NewRunID(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RunnerFor returns the graph runtime cfg resolves to
func RunnerFor(cfg config.ExportConfig) ports.GraphRunner {
	if cfg.ResolvedEngine() == config.EngineORT {
		return onnx.NewORTRunner(cfg.ORTLibPath)
	}
	return onnx.NewReferenceRunner()
}

// RunID returns the identifier stamped on checkpoints and the manifest
func (p *Pipeline) RunID() core.RunID { return p.runID }

// Preprocess cleans, splits and standardizes raw, persisting the label map,
// scaler parameters and splits
func (p *Pipeline) Preprocess(ctx context.Context, raw *dataset.RawTable, tax *dataset.Taxonomy) (*preprocess.Result, error) {
	return preprocess.NewPreprocessor(p.cfg.Preprocess, p.store, p.rng, p.logger).RunRaw(ctx, raw, tax)
}

// Train fits the classifier on the train split, selecting on val
func (p *Pipeline) Train(ctx context.Context, splits *dataset.Splits, tax *dataset.Taxonomy) (*training.Result, error) {
	ctrl, err := training.NewController(p.cfg.Training, p.cfg.Model, p.store, p.store, p.rng, p.logger,
		training.WithRunID(p.runID), training.WithClassNames(tax.Labels()))
	if err != nil {
		return nil, err
	}
	return ctrl.Train(ctx, splits.Train, splits.Val, tax.Len())
}

// Export writes the stored best checkpoint as a graph
func (p *Pipeline) Export(ctx context.Context, meta export.Metadata) (*export.Result, error) {
	if meta.ProducerVersion == "" {
		meta.ProducerVersion = p.codeVersion
	}
	return export.NewExporter(p.cfg.Export, p.store, p.store, p.logger).Export(ctx, meta)
}

// Verify checks the graph at graphPath against net on the test split
func (p *Pipeline) Verify(ctx context.Context, net *nn.Network, test *dataset.Split, graphPath string) (*artifacts.VerificationReport, error) {
	return export.NewVerifier(p.cfg.Export, p.runner, p.store, p.rng, p.logger).Verify(ctx, net, test, graphPath)
}

// LoadSplits reads the persisted splits and label map
func (p *Pipeline) LoadSplits(ctx context.Context) (*dataset.Splits, *dataset.Taxonomy, error) {
	tax, err := p.store.LoadTaxonomy(ctx)
	if err != nil {
		return nil, nil, prerequisite("label map", err)
	}
	splits := &dataset.Splits{}
	for _, name := range dataset.AllSplits {
		s, err := p.store.LoadSplit(ctx, name)
		if err != nil {
			return nil, nil, prerequisite(fmt.Sprintf("%s split", name), err)
		}
		switch name {
		case dataset.SplitTrain:
			splits.Train = s
		case dataset.SplitVal:
			splits.Val = s
		case dataset.SplitTest:
			splits.Test = s
		}
	}
	return splits, tax, nil
}

// ExportStored exports the best checkpoint, labelling the graph with the
// persisted label map and feature names when they are available
func (p *Pipeline) ExportStored(ctx context.Context) (*export.Result, error) {
	var meta export.Metadata
	if tax, err := p.store.LoadTaxonomy(ctx); err == nil {
		meta.ClassLabels = tax.Labels()
	} else if !core.IsNotFoundError(err) {
		return nil, err
	}
	if sp, err := p.store.LoadScalerParams(ctx); err == nil {
		meta.FeatureNames = sp.FeatureNames
	} else if !core.IsNotFoundError(err) {
		return nil, err
	}
	return p.Export(ctx, meta)
}

// VerifyStored rebuilds the model from the stored checkpoint and verifies
// the stored graph against it
func (p *Pipeline) VerifyStored(ctx context.Context) (*artifacts.VerificationReport, error) {
	ckpt, err := p.store.LoadCheckpoint(ctx)
	if err != nil {
		return nil, prerequisite("checkpoint", err)
	}
	net, err := nn.FromCheckpoint(ckpt)
	if err != nil {
		return nil, errors.Wrap(errors.InputContract(err.Error()), "rebuild model from checkpoint")
	}
	test, err := p.store.LoadSplit(ctx, dataset.SplitTest)
	if err != nil {
		return nil, prerequisite("test split", err)
	}
	return p.Verify(ctx, net, test, p.store.GraphPath())
}

func stageCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "CANCELLED"
	}
	return errors.GetCode(err)
}

func prerequisite(what string, err error) error {
	if core.IsNotFoundError(err) {
		return errors.MissingPrerequisite(what, err)
	}
	return err
}

// step is one stage of a full run. It returns the artifact kinds it wrote,
// including on failure when some were written anyway.
type step struct {
	name stage.Name
	fn   func(ctx context.Context, out *Outcome) ([]artifacts.Kind, map[string]float64, error)
}

// Run executes preprocess, train, export and verify in order. The manifest,
// report and ledger entry are written even when a stage fails; the first
// stage error is returned.
func (p *Pipeline) Run(ctx context.Context, raw *dataset.RawTable, tax *dataset.Taxonomy) (*Outcome, error) {
	logger := p.logger.WithComponent("pipeline").With("run_id", p.runID.String())
	out := &Outcome{
		RunID:    p.runID,
		Manifest: run.NewManifest(p.runID, p.cfg.Training.Seed, p.cfg.Hash(), p.codeVersion),
	}
	steps := []step{
		{stage.StagePreprocess, func(ctx context.Context, out *Outcome) ([]artifacts.Kind, map[string]float64, error) {
			return p.runPreprocess(ctx, out, raw, tax)
		}},
		{stage.StageTrain, p.runTrain},
		{stage.StageExport, p.runExport},
		{stage.StageVerify, p.runVerify},
	}

	var runErr error
	for _, s := range steps {
		if runErr == nil {
			runErr = ctx.Err()
		}
		if runErr != nil {
			skipped := stage.Start(s.name)
			skipped.Status = stage.StatusSkipped
			out.Manifest.RecordStage(skipped)
			continue
		}

		logger.Info("stage %s starting", s.name)
		res := stage.Start(s.name)
		kinds, metrics, err := s.fn(ctx, out)
		for k, v := range metrics {
			res.Metrics[k] = v
		}
		for _, kind := range kinds {
			rec, recErr := p.store.Record(kind)
			if recErr != nil {
				if err == nil {
					err = recErr
				}
				continue
			}
			out.Manifest.RecordArtifact(rec)
			res.Artifacts[string(kind)] = rec.Path
		}
		res.Finish(stageCode(err), err)
		out.Manifest.RecordStage(res)

		if err != nil {
			logger.Error("stage %s failed after %dms: %v", s.name, res.Duration, err)
			runErr = err
			continue
		}
		logger.Info("stage %s finished in %dms", s.name, res.Duration)
	}

	// artifacts of a cancelled run are still recorded
	if err := p.finalize(context.WithoutCancel(ctx), out); err != nil {
		if runErr == nil {
			return out, err
		}
		logger.Error("failed to finalize run after stage error: %v", err)
	}
	return out, runErr
}

func (p *Pipeline) runPreprocess(ctx context.Context, out *Outcome, raw *dataset.RawTable, tax *dataset.Taxonomy) ([]artifacts.Kind, map[string]float64, error) {
	res, err := p.Preprocess(ctx, raw, tax)
	if err != nil {
		return nil, nil, err
	}
	out.Preprocess = res
	metrics := map[string]float64{
		"features":       float64(len(res.Scaler.FeatureNames)),
		"classes":        float64(res.Taxonomy.Len()),
		"zero_variance":  float64(len(res.Scaler.ZeroVarianceFeatures)),
		"inf_replaced":   float64(res.Clean.InfReplaced),
		"missing_filled": float64(res.Clean.MissingFilled),
	}
	for _, name := range dataset.AllSplits {
		metrics[string(name)+"_rows"] = float64(res.Splits.Get(name).Len())
	}
	return []artifacts.Kind{
		artifacts.KindLabelMap, artifacts.KindScalerParams,
		artifacts.KindTrainSplit, artifacts.KindValSplit, artifacts.KindTestSplit,
	}, metrics, nil
}

func (p *Pipeline) runTrain(ctx context.Context, out *Outcome) ([]artifacts.Kind, map[string]float64, error) {
	res, err := p.Train(ctx, out.Preprocess.Splits, out.Preprocess.Taxonomy)
	if err != nil {
		return nil, nil, err
	}
	out.Training = res
	return []artifacts.Kind{artifacts.KindCheckpoint, artifacts.KindHistory, artifacts.KindHistoryCSV},
		map[string]float64{
			"epochs":     float64(len(res.History.Epochs)),
			"best_epoch": float64(res.History.BestEpoch),
			"val_loss":   res.Final.Loss,
			"val_acc":    res.Final.Accuracy,
			"val_f1":     res.Final.F1,
		}, nil
}

func (p *Pipeline) runExport(ctx context.Context, out *Outcome) ([]artifacts.Kind, map[string]float64, error) {
	res, err := p.Export(ctx, export.Metadata{
		ClassLabels:  out.Preprocess.Taxonomy.Labels(),
		FeatureNames: out.Preprocess.Scaler.FeatureNames,
	})
	if err != nil {
		return nil, nil, err
	}
	out.Export = res
	return []artifacts.Kind{artifacts.KindGraph}, map[string]float64{"bytes": float64(res.Bytes)}, nil
}

func (p *Pipeline) runVerify(ctx context.Context, out *Outcome) ([]artifacts.Kind, map[string]float64, error) {
	rep, err := p.Verify(ctx, out.Training.Network, out.Preprocess.Splits.Test, out.Export.Path)
	if rep == nil {
		return nil, nil, err
	}
	out.Verification = rep
	return []artifacts.Kind{artifacts.KindVerification}, map[string]float64{
		"samples":        float64(rep.Samples),
		"matched":        float64(rep.Matched),
		"max_prob_delta": rep.MaxProbDelta,
	}, err
}

// finalize renders the report, then seals and saves the manifest and
// appends the run to the ledger
func (p *Pipeline) finalize(ctx context.Context, out *Outcome) error {
	m := out.Manifest
	m.Seal()

	md := report.Markdown(p.reportInput(out))
	if err := p.store.SaveReport(ctx, md, report.HTML(md)); err != nil {
		return errors.Wrap(err, "save report")
	}
	for _, kind := range []artifacts.Kind{artifacts.KindReport, artifacts.KindReportHTML} {
		rec, err := p.store.Record(kind)
		if err != nil {
			return err
		}
		m.RecordArtifact(rec)
	}

	m.Seal()
	if err := m.Validate(); err != nil {
		return errors.Wrap(errors.InternalError(err.Error()), "invalid run manifest")
	}
	if err := p.store.SaveManifest(ctx, m); err != nil {
		return errors.Wrap(err, "save run manifest")
	}

	if p.ledger != nil {
		rec := ports.RunRecord{Manifest: m, Verification: out.Verification}
		if out.Training != nil {
			rec.History = out.Training.History
		}
		if err := p.ledger.RecordRun(ctx, rec); err != nil {
			return errors.Wrap(err, "record run in ledger")
		}
	}
	return nil
}

func (p *Pipeline) reportInput(out *Outcome) report.Input {
	in := report.Input{Manifest: out.Manifest, Verification: out.Verification}
	if pre := out.Preprocess; pre != nil {
		in.ClassNames = pre.Taxonomy.Labels()
		in.ClassDist = pre.ClassDist
		in.ZeroVariance = pre.Scaler.ZeroVarianceFeatures
		in.Profile = pre.Profile
		in.InfReplaced = pre.Clean.InfReplaced
		in.MissingFilled = pre.Clean.MissingFilled
		in.Warnings = pre.Warnings
		in.SplitSizes = map[dataset.SplitName]int{}
		for _, name := range dataset.AllSplits {
			in.SplitSizes[name] = pre.Splits.Get(name).Len()
		}
	}
	if out.Training != nil {
		in.History = out.Training.History
	}
	return in
}
