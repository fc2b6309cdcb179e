package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SoftmaxRow applies a numerically stable softmax in place
func SoftmaxRow(row []float64) {
	peak := floats.Max(row)
	sum := 0.0
	for i, v := range row {
		e := math.Exp(v - peak)
		row[i] = e
		sum += e
	}
	floats.Scale(1/sum, row)
}

// Softmax returns row-wise probabilities for a logits matrix
func Softmax(logits *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(logits)
	rows, _ := out.Dims()
	for r := 0; r < rows; r++ {
		SoftmaxRow(out.RawRowView(r))
	}
	return out
}

// CrossEntropy returns the mean negative log-likelihood of labels under
// softmax(logits) and its gradient with respect to the logits.
func CrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense) {
	probs := Softmax(logits)
	rows, _ := probs.Dims()
	if rows == 0 {
		return 0, probs
	}

	loss := 0.0
	for r := 0; r < rows; r++ {
		row := logits.RawRowView(r)
		// log-sum-exp keeps the loss finite for confident predictions
		peak := floats.Max(row)
		lse := 0.0
		for _, v := range row {
			lse += math.Exp(v - peak)
		}
		loss += peak + math.Log(lse) - row[labels[r]]

		pr := probs.RawRowView(r)
		pr[labels[r]] -= 1
	}
	probs.Scale(1/float64(rows), probs)
	return loss / float64(rows), probs
}
