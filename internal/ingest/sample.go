package ingest

import (
	"math"
	"math/rand"
	"sort"
)

// StratifiedSample draws round(fraction * n_c) rows without replacement from
// every class c. Classes are visited in sorted order; the result lists row
// indices grouped by class.
func StratifiedSample(labels []string, fraction float64, rng *rand.Rand) []int {
	byClass := make(map[string][]int)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	classes := make([]string, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	var out []int
	for _, c := range classes {
		rows := byClass[c]
		k := int(math.RoundToEven(fraction * float64(len(rows))))
		if k > len(rows) {
			k = len(rows)
		}
		for _, p := range rng.Perm(len(rows))[:k] {
			out = append(out, rows[p])
		}
	}
	return out
}
