package preprocess

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"flowids/domain/dataset"
	"flowids/internal/errors"
)

// CleanStats counts the replacements made while cleaning
type CleanStats struct {
	InfReplaced   int `json:"inf_replaced"`
	MissingFilled int `json:"missing_filled"`
}

// ParseTable converts a raw string table into a numeric table. Every column
// except labelColumn is a feature, in header order. Empty cells become NaN;
// a non-empty cell that does not parse as a number is an input-contract error.
func ParseTable(raw *dataset.RawTable, labelColumn string) (*dataset.Table, error) {
	labelIdx := raw.ColumnIndex(labelColumn)
	if labelIdx < 0 {
		return nil, errors.InputContract(fmt.Sprintf("label column %q not found", labelColumn))
	}

	names := make([]string, 0, len(raw.Header)-1)
	cols := make([]int, 0, len(raw.Header)-1)
	for i, h := range raw.Header {
		if i == labelIdx {
			continue
		}
		names = append(names, h)
		cols = append(cols, i)
	}
	if len(names) == 0 {
		return nil, errors.InputContract("table has no feature columns")
	}

	t := &dataset.Table{
		FeatureNames: names,
		Features:     make([][]float64, len(raw.Rows)),
		Labels:       make([]string, len(raw.Rows)),
	}
	for r, row := range raw.Rows {
		if len(row) != len(raw.Header) {
			return nil, errors.InputContract(fmt.Sprintf("row %d has %d cells, header has %d", r, len(row), len(raw.Header)))
		}
		feats := make([]float64, len(cols))
		for j, c := range cols {
			v, err := parseCell(row[c])
			if err != nil {
				return nil, errors.InputContract(fmt.Sprintf("row %d column %q: cannot parse %q", r, names[j], row[c]))
			}
			feats[j] = v
		}
		t.Features[r] = feats
		t.Labels[r] = row[labelIdx]
	}
	return t, nil
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// Clean replaces infinities with missing values and then fills every missing
// value with zero, in place.
func Clean(t *dataset.Table) CleanStats {
	var st CleanStats
	for _, row := range t.Features {
		for j, v := range row {
			if math.IsInf(v, 0) {
				v = math.NaN()
				st.InfReplaced++
			}
			if math.IsNaN(v) {
				v = 0
				st.MissingFilled++
			}
			row[j] = v
		}
	}
	return st
}

// checkShape verifies that the table is rectangular and label-complete
func checkShape(t *dataset.Table) error {
	if t.NumFeatures() == 0 {
		return errors.InputContract("table has no feature columns")
	}
	if len(t.Labels) != len(t.Features) {
		return errors.InputContract(fmt.Sprintf("%d label values for %d rows", len(t.Labels), len(t.Features)))
	}
	for i, row := range t.Features {
		if len(row) != t.NumFeatures() {
			return errors.InputContract(fmt.Sprintf("row %d has %d features, expected %d", i, len(row), t.NumFeatures()))
		}
	}
	for i, l := range t.Labels {
		if strings.TrimSpace(l) == "" {
			return errors.InputContract(fmt.Sprintf("row %d has an empty label", i))
		}
	}
	return nil
}
