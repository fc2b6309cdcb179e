package dataset

import (
	"encoding/json"
	"fmt"
	"sort"

	"flowids/domain/core"
)

// Taxonomy is the bijection between class names and indices 0..C-1. Indices
// follow lexicographic order of the names.
type Taxonomy struct {
	labels []string
	index  map[string]int
}

// NewTaxonomy builds a taxonomy from the distinct values of labels
func NewTaxonomy(labels []string) *Taxonomy {
	seen := make(map[string]struct{}, 16)
	for _, l := range labels {
		seen[l] = struct{}{}
	}
	uniq := make([]string, 0, len(seen))
	for l := range seen {
		uniq = append(uniq, l)
	}
	sort.Strings(uniq)
	return fromSorted(uniq)
}

// TaxonomyFromMap restores a taxonomy from its persisted name→index form.
// Indices must be exactly 0..len-1.
func TaxonomyFromMap(m map[string]int) (*Taxonomy, error) {
	labels := make([]string, len(m))
	for name, idx := range m {
		if idx < 0 || idx >= len(m) {
			return nil, fmt.Errorf("label %q has index %d outside [0, %d)", name, idx, len(m))
		}
		if labels[idx] != "" {
			return nil, fmt.Errorf("index %d assigned to both %q and %q", idx, labels[idx], name)
		}
		labels[idx] = name
	}
	return fromSorted(labels), nil
}

func fromSorted(labels []string) *Taxonomy {
	t := &Taxonomy{labels: labels, index: make(map[string]int, len(labels))}
	for i, l := range labels {
		t.index[l] = i
	}
	return t
}

// Len returns the number of classes
func (t *Taxonomy) Len() int { return len(t.labels) }

// Labels returns the class names in index order
func (t *Taxonomy) Labels() []string {
	out := make([]string, len(t.labels))
	copy(out, t.labels)
	return out
}

// Index returns the class index of name
func (t *Taxonomy) Index(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Label returns the class name at idx, or "" when out of range
func (t *Taxonomy) Label(idx int) string {
	if idx < 0 || idx >= len(t.labels) {
		return ""
	}
	return t.labels[idx]
}

// Encode maps every label to its index
func (t *Taxonomy) Encode(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		idx, ok := t.index[l]
		if !ok {
			return nil, fmt.Errorf("%w: %q at row %d", core.ErrUnknownLabel, l, i)
		}
		out[i] = idx
	}
	return out, nil
}

// Map returns the name→index mapping
func (t *Taxonomy) Map() map[string]int {
	out := make(map[string]int, len(t.index))
	for k, v := range t.index {
		out[k] = v
	}
	return out
}

// MarshalJSON writes the taxonomy as a plain name→index object
func (t *Taxonomy) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.index)
}

// UnmarshalJSON reads the name→index object
func (t *Taxonomy) UnmarshalJSON(data []byte) error {
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := TaxonomyFromMap(m)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}
