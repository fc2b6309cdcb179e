// Package preprocess turns a cleaned flow table into standardized, stratified
// train/validation/test splits and persists the parameters a consumer needs
// to reproduce the transform.
package preprocess

import (
	"context"
	"fmt"

	"flowids/domain/core"
	"flowids/domain/dataset"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/ports"
)

// Result is everything preprocessing produced
type Result struct {
	Taxonomy  *dataset.Taxonomy
	Scaler    *dataset.ScalerParams
	Splits    *dataset.Splits
	Clean     CleanStats
	Profile   []dataset.FeatureProfile
	Warnings  []string
	ClassDist map[dataset.SplitName][]int
}

// Preprocessor runs cleaning, encoding, splitting and standardization
type Preprocessor struct {
	cfg    config.PreprocessConfig
	store  ports.PreprocessStore
	rng    ports.RNGPort
	logger *internal.Logger
}

// NewPreprocessor wires a preprocessor to its artifact store
func NewPreprocessor(cfg config.PreprocessConfig, store ports.PreprocessStore, rng ports.RNGPort, logger *internal.Logger) *Preprocessor {
	return &Preprocessor{
		cfg:    cfg,
		store:  store,
		rng:    rng,
		logger: internal.OrDefault(logger).WithComponent("preprocess"),
	}
}

// RunRaw parses a raw table and runs the full preprocessing contract
func (p *Preprocessor) RunRaw(ctx context.Context, raw *dataset.RawTable, tax *dataset.Taxonomy) (*Result, error) {
	t, err := ParseTable(raw, p.cfg.LabelColumn)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, t, tax)
}

// Run cleans t in place, encodes labels with tax (or the sorted unique labels
// when tax is nil), splits, fits the scaler on the training split and
// persists taxonomy, scaler parameters and splits.
func (p *Preprocessor) Run(ctx context.Context, t *dataset.Table, tax *dataset.Taxonomy) (*Result, error) {
	if err := checkShape(t); err != nil {
		return nil, err
	}
	if t.NumRows() == 0 {
		return nil, errors.InputContract("table has no rows")
	}

	res := &Result{ClassDist: map[dataset.SplitName][]int{}}
	res.Clean = Clean(t)
	if res.Clean.InfReplaced > 0 || res.Clean.MissingFilled > 0 {
		p.logger.Info("cleaned %d infinite and %d missing values", res.Clean.InfReplaced, res.Clean.MissingFilled)
	}

	if tax == nil {
		tax = dataset.NewTaxonomy(t.Labels)
	}
	res.Taxonomy = tax
	labels, err := tax.Encode(t.Labels)
	if err != nil {
		return nil, errors.Wrap(errors.InputContract(err.Error()), "label encoding failed")
	}

	splits, err := p.split(t, labels, tax.Len())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.checkCoverage(splits, tax, res); err != nil {
		return nil, err
	}

	scaler, err := FitScaler(splits.Train.Features, t.FeatureNames)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fit scaler")
	}
	for _, name := range scaler.ZeroVarianceFeatures {
		p.logger.Warn("feature %q has zero variance on the training split; scale set to 1.0 (%s)", name, errors.CodeNumericDegeneracy)
	}
	res.Scaler = scaler
	res.Profile = ProfileFeatures(splits.Train.Features, t.FeatureNames)

	// parameters are persisted before any split is transformed
	if err := p.store.SaveTaxonomy(ctx, tax); err != nil {
		return nil, errors.Wrap(err, "failed to save label map")
	}
	if err := p.store.SaveScalerParams(ctx, scaler); err != nil {
		return nil, errors.Wrap(err, "failed to save scaler params")
	}

	for _, name := range dataset.AllSplits {
		s := splits.Get(name)
		std, err := scaler.Transform(s.Features)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to standardize %s split", name)
		}
		s.Features = std
	}
	if err := p.store.SaveSplits(ctx, splits); err != nil {
		return nil, errors.Wrap(err, "failed to save splits")
	}
	res.Splits = splits

	p.logger.Info("preprocessed %d rows x %d features into train=%d val=%d test=%d (%d classes)",
		t.NumRows(), t.NumFeatures(), splits.Train.Len(), splits.Val.Len(), splits.Test.Len(), tax.Len())
	return res, nil
}

// split performs the two sequential stratified partitions
func (p *Preprocessor) split(t *dataset.Table, labels []int, numClasses int) (*dataset.Splits, error) {
	dp := NewDataPartitioner(p.rng.Stream("split", p.cfg.Seed))

	trainIdx, restIdx, err := dp.Partition(labels, numClasses, 1-p.cfg.TrainFraction)
	if err != nil {
		return nil, errors.Wrap(errors.InputContract(err.Error()), "train/holdout split failed")
	}
	restFeatures, restLabels := Subset(t.Features, labels, restIdx)
	valPos, testPos, err := dp.Partition(restLabels, numClasses, p.cfg.TestOfHoldout)
	if err != nil {
		return nil, errors.Wrap(errors.InputContract(err.Error()), "validation/test split failed")
	}

	build := func(name dataset.SplitName, feats [][]float64, lbls []int, idx []int) *dataset.Split {
		f, l := Subset(feats, lbls, idx)
		// rows are copied so standardization never aliases the input table
		for i := range f {
			f[i] = append([]float64(nil), f[i]...)
		}
		return &dataset.Split{Name: name, FeatureNames: append([]string(nil), t.FeatureNames...), Features: f, Labels: l}
	}
	return &dataset.Splits{
		Train: build(dataset.SplitTrain, t.Features, labels, trainIdx),
		Val:   build(dataset.SplitVal, restFeatures, restLabels, valPos),
		Test:  build(dataset.SplitTest, restFeatures, restLabels, testPos),
	}, nil
}

// checkCoverage enforces non-empty splits and full class coverage in train
func (p *Preprocessor) checkCoverage(splits *dataset.Splits, tax *dataset.Taxonomy, res *Result) error {
	for _, name := range dataset.AllSplits {
		s := splits.Get(name)
		if s.Len() == 0 {
			return errors.InputContract(fmt.Sprintf("%s split is empty", name))
		}
		counts := s.ClassCounts(tax.Len())
		res.ClassDist[name] = counts
		for k, c := range counts {
			if c > 0 {
				continue
			}
			if name == dataset.SplitTrain {
				return errors.Wrap(
					errors.InputContract(fmt.Sprintf("class %q has no training rows", tax.Label(k))),
					core.ErrInsufficientData.Error())
			}
			msg := fmt.Sprintf("class %q absent from %s split", tax.Label(k), name)
			if p.cfg.RequireAllInVT {
				return errors.InputContract(msg)
			}
			res.Warnings = append(res.Warnings, msg)
			p.logger.Warn("%s", msg)
		}
	}
	return nil
}
