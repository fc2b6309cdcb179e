package dataset

import (
	"fmt"

	"flowids/domain/core"
)

// RawTable is a string-typed table as read from disk, before any parsing.
// Header names are trimmed; every row has len(Header) cells.
type RawTable struct {
	Header []string
	Rows   [][]string
}

// ColumnIndex returns the position of name in the header, or -1
func (t *RawTable) ColumnIndex(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// NumRows returns the row count
func (t *RawTable) NumRows() int { return len(t.Rows) }

// Table is a cleaned numeric table with string labels
type Table struct {
	FeatureNames []string
	Features     [][]float64
	Labels       []string
}

// NumRows returns the row count
func (t *Table) NumRows() int { return len(t.Features) }

// NumFeatures returns the column count
func (t *Table) NumFeatures() int { return len(t.FeatureNames) }

// SplitName identifies one of the three partitions
type SplitName string

const (
	SplitTrain SplitName = "train"
	SplitVal   SplitName = "val"
	SplitTest  SplitName = "test"
)

// AllSplits lists the partitions in persistence order
var AllSplits = []SplitName{SplitTrain, SplitVal, SplitTest}

// Split is a standardized partition with integer class labels
type Split struct {
	Name         SplitName
	FeatureNames []string
	Features     [][]float64
	Labels       []int
}

// Len returns the number of samples
func (s *Split) Len() int { return len(s.Features) }

// Dim returns the feature width, or 0 for an empty split
func (s *Split) Dim() int {
	if len(s.FeatureNames) > 0 {
		return len(s.FeatureNames)
	}
	if len(s.Features) > 0 {
		return len(s.Features[0])
	}
	return 0
}

// Validate checks that rows and labels line up and every label is in [0, numClasses)
func (s *Split) Validate(numClasses int) error {
	if len(s.Features) != len(s.Labels) {
		return core.NewShapeError(fmt.Sprintf("%s labels", s.Name), len(s.Features), len(s.Labels))
	}
	dim := s.Dim()
	for i, row := range s.Features {
		if len(row) != dim {
			return core.NewShapeError(fmt.Sprintf("%s row %d", s.Name, i), dim, len(row))
		}
	}
	for i, y := range s.Labels {
		if y < 0 || y >= numClasses {
			return fmt.Errorf("%w: %s row %d has class %d, taxonomy size %d", core.ErrUnknownLabel, s.Name, i, y, numClasses)
		}
	}
	return nil
}

// ClassCounts returns the per-class support
func (s *Split) ClassCounts(numClasses int) []int {
	counts := make([]int, numClasses)
	for _, y := range s.Labels {
		if y >= 0 && y < numClasses {
			counts[y]++
		}
	}
	return counts
}

// Splits groups the three partitions
type Splits struct {
	Train *Split
	Val   *Split
	Test  *Split
}

// Get returns the named split
func (s *Splits) Get(name SplitName) *Split {
	switch name {
	case SplitTrain:
		return s.Train
	case SplitVal:
		return s.Val
	case SplitTest:
		return s.Test
	}
	return nil
}
