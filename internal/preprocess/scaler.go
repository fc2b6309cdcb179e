package preprocess

import (
	"math"

	"flowids/domain/dataset"

	"github.com/montanaflynn/stats"
)

// FitScaler computes per-feature mean and population standard deviation.
// Columns whose variance is indistinguishable from zero get scale 1.0 and
// are listed in ZeroVarianceFeatures.
func FitScaler(features [][]float64, names []string) (*dataset.ScalerParams, error) {
	d := len(names)
	p := &dataset.ScalerParams{
		Mean:         make([]float64, d),
		Scale:        make([]float64, d),
		FeatureNames: append([]string(nil), names...),
	}
	col := make(stats.Float64Data, len(features))
	for j := 0; j < d; j++ {
		for i, row := range features {
			col[i] = row[j]
		}
		mean, err := stats.Mean(col)
		if err != nil {
			return nil, err
		}
		variance, err := stats.PopulationVariance(col)
		if err != nil {
			return nil, err
		}

		p.Mean[j] = mean
		if isConstant(variance, mean, len(col)) {
			p.Scale[j] = 1.0
			p.ZeroVarianceFeatures = append(p.ZeroVarianceFeatures, names[j])
			continue
		}
		p.Scale[j] = math.Sqrt(variance)
	}
	return p, nil
}

// isConstant treats variance within accumulated rounding error as zero
func isConstant(variance, mean float64, n int) bool {
	eps := math.Nextafter(1, 2) - 1
	bound := float64(n)*eps*variance + math.Pow(float64(n)*mean*eps, 2)
	return variance <= bound
}
