package export

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"flowids/domain/artifacts"
	"flowids/domain/dataset"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/internal/nn"
	"flowids/ports"

	"gonum.org/v1/gonum/floats"
)

// Verifier compares the in-memory model with an exported graph on a sample
// of test rows
type Verifier struct {
	cfg    config.ExportConfig
	runner ports.GraphRunner
	store  ports.VerificationStore
	rng    ports.RNGPort
	logger *internal.Logger
}

// NewVerifier creates a verifier. store may be nil to skip persisting reports.
func NewVerifier(cfg config.ExportConfig, runner ports.GraphRunner, store ports.VerificationStore,
	rng ports.RNGPort, logger *internal.Logger) *Verifier {
	return &Verifier{
		cfg:    cfg,
		runner: runner,
		store:  store,
		rng:    rng,
		logger: internal.OrDefault(logger).WithComponent("verify"),
	}
}

// Verify runs the parity check. On disagreement the report is still saved and
// returned together with a VERIFICATION_MISMATCH error.
func (v *Verifier) Verify(ctx context.Context, net *nn.Network, test *dataset.Split, graphPath string) (*artifacts.VerificationReport, error) {
	if _, err := os.Stat(graphPath); err != nil {
		return nil, errors.MissingPrerequisite(graphPath, err)
	}
	if test == nil || test.Len() == 0 {
		return nil, errors.InputContract("verification needs a non-empty test split")
	}
	if test.Dim() != net.InputDim {
		return nil, errors.InputContract(fmt.Sprintf("test split has %d features, model expects %d", test.Dim(), net.InputDim))
	}

	idx := sampleIndices(test.Len(), v.cfg.SampleSize, v.rng.Stream("verify", v.cfg.Seed))
	inputs := make([][]float32, len(idx))
	widened := make([][]float64, len(idx))
	for i, r := range idx {
		inputs[i] = make([]float32, net.InputDim)
		widened[i] = make([]float64, net.InputDim)
		for j, x := range test.Features[r] {
			inputs[i][j] = float32(x)
			widened[i][j] = float64(inputs[i][j])
		}
	}

	want := net.PredictProba(widened)
	logits, err := v.runner.Run(ctx, graphPath, inputs, net.NumClasses)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// a graph exported for another model cannot be evaluated on this one's inputs
		return nil, &errors.AppError{
			Code:    errors.CodeVerificationMismatch,
			Message: fmt.Sprintf("graph %s cannot be evaluated with the %s runtime on the model's inputs", graphPath, v.runner.Name()),
			Cause:   err,
		}
	}
	if len(logits) != len(idx) {
		return nil, errors.InternalError(fmt.Sprintf("runtime returned %d rows for %d inputs", len(logits), len(idx)))
	}

	report := Compare(want, logits, v.cfg.Tolerance)
	report.GraphPath = graphPath
	report.Engine = v.runner.Name()
	for i := range report.Mismatches {
		report.Mismatches[i].Index = idx[report.Mismatches[i].Index]
	}

	if v.store != nil {
		if err := v.store.SaveVerification(ctx, report); err != nil {
			return nil, errors.Wrap(err, "save verification report")
		}
	}

	if !report.Verified {
		v.logger.Error("graph disagrees with model on %d of %d samples (max prob delta %.3g, tolerance %.1g)",
			len(report.Mismatches), report.Samples, report.MaxProbDelta, report.Tolerance)
		return report, errors.VerificationMismatch(fmt.Sprintf(
			"%d of %d samples disagree, max probability delta %.3g exceeds %.1g",
			len(report.Mismatches), report.Samples, report.MaxProbDelta, report.Tolerance))
	}
	v.logger.Info("verified %s on %d samples with %s runtime (max prob delta %.3g)",
		graphPath, report.Samples, report.Engine, report.MaxProbDelta)
	return report, nil
}

// Compare scores graph logits against model probabilities. Mismatch indices
// refer to positions in the inputs.
func Compare(modelProba [][]float64, graphLogits [][]float32, tolerance float64) *artifacts.VerificationReport {
	report := &artifacts.VerificationReport{
		Samples:   len(modelProba),
		Tolerance: tolerance,
	}
	for i, p := range modelProba {
		q := make([]float64, len(graphLogits[i]))
		for j, l := range graphLogits[i] {
			q[j] = float64(l)
		}
		nn.SoftmaxRow(q)

		delta := 0.0
		if len(q) != len(p) {
			delta = math.Inf(1)
		} else {
			for j := range p {
				delta = math.Max(delta, math.Abs(p[j]-q[j]))
			}
		}
		if math.IsNaN(delta) {
			delta = math.Inf(1)
		}
		report.MaxProbDelta = math.Max(report.MaxProbDelta, delta)

		mc, gc := floats.MaxIdx(p), floats.MaxIdx(q)
		if mc == gc {
			report.Matched++
		}
		if mc != gc || delta >= tolerance {
			report.Mismatches = append(report.Mismatches, artifacts.SampleMismatch{
				Index:      i,
				ModelClass: mc,
				GraphClass: gc,
				MaxDelta:   delta,
			})
		}
	}
	report.Verified = len(report.Mismatches) == 0 && report.Samples > 0
	return report
}

// sampleIndices draws min(k, n) distinct rows, returned in ascending order
func sampleIndices(n, k int, rng interface{ Perm(int) []int }) []int {
	if k > n {
		k = n
	}
	idx := rng.Perm(n)[:k]
	sort.Ints(idx)
	return idx
}
