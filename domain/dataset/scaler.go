package dataset

import (
	"fmt"

	"flowids/domain/core"
)

// ScalerParams are the per-feature standardization parameters fitted on the
// training partition. Scale entries are never zero.
type ScalerParams struct {
	Mean                 []float64 `json:"mean"`
	Scale                []float64 `json:"scale"`
	FeatureNames         []string  `json:"feature_names"`
	ZeroVarianceFeatures []string  `json:"zero_variance_features,omitempty"`
}

// Validate checks lengths and that no scale is zero
func (p *ScalerParams) Validate() error {
	if len(p.Mean) != len(p.FeatureNames) {
		return core.NewShapeError("scaler mean", len(p.FeatureNames), len(p.Mean))
	}
	if len(p.Scale) != len(p.FeatureNames) {
		return core.NewShapeError("scaler scale", len(p.FeatureNames), len(p.Scale))
	}
	for i, s := range p.Scale {
		if s == 0 {
			return fmt.Errorf("scale for feature %q is zero", p.FeatureNames[i])
		}
	}
	return nil
}

// TransformRow standardizes one row in place
func (p *ScalerParams) TransformRow(row []float64) {
	for j := range row {
		row[j] = (row[j] - p.Mean[j]) / p.Scale[j]
	}
}

// Transform returns standardized copies of rows
func (p *ScalerParams) Transform(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(p.Mean) {
			return nil, core.NewShapeError(fmt.Sprintf("row %d", i), len(p.Mean), len(row))
		}
		cp := make([]float64, len(row))
		copy(cp, row)
		p.TransformRow(cp)
		out[i] = cp
	}
	return out, nil
}
