package preprocess

import (
	"flowids/domain/dataset"

	"github.com/montanaflynn/stats"
)

// ProfileFeatures computes distribution statistics for every column of rows
func ProfileFeatures(rows [][]float64, names []string) []dataset.FeatureProfile {
	out := make([]dataset.FeatureProfile, len(names))
	if len(rows) == 0 {
		for j, n := range names {
			out[j].Name = n
		}
		return out
	}
	col := make(stats.Float64Data, len(rows))
	for j, name := range names {
		for i, row := range rows {
			col[i] = row[j]
		}
		fp := dataset.FeatureProfile{Name: name}
		fp.Mean, _ = stats.Mean(col)
		fp.StdDev, _ = stats.StandardDeviationPopulation(col)
		fp.Min, _ = stats.Min(col)
		fp.Max, _ = stats.Max(col)
		fp.Median, _ = stats.Median(col)
		fp.Q25, _ = stats.Percentile(col, 25)
		fp.Q75, _ = stats.Percentile(col, 75)
		out[j] = fp
	}
	return out
}
