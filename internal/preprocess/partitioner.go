package preprocess

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// DataPartitioner performs seeded stratified splits over class-encoded rows
type DataPartitioner struct {
	rng *rand.Rand
}

// NewDataPartitioner creates a partitioner drawing from rng
func NewDataPartitioner(rng *rand.Rand) *DataPartitioner {
	return &DataPartitioner{rng: rng}
}

// Partition splits the positions 0..len(labels)-1 into kept and held-out
// sets. The held-out set has ceil(testSize*n) rows and each class
// contributes in proportion to its support, with largest-remainder rounding
// so the totals are exact.
func (dp *DataPartitioner) Partition(labels []int, numClasses int, testSize float64) (keep, held []int, err error) {
	n := len(labels)
	if testSize <= 0 || testSize >= 1 {
		return nil, nil, fmt.Errorf("test size %v outside (0, 1)", testSize)
	}
	nHeld := int(math.Ceil(testSize*float64(n) - 1e-9))
	if nHeld <= 0 || nHeld >= n {
		return nil, nil, fmt.Errorf("cannot hold out %d of %d rows", nHeld, n)
	}

	byClass := make([][]int, numClasses)
	for i, y := range labels {
		byClass[y] = append(byClass[y], i)
	}
	counts := make([]int, numClasses)
	for k := range byClass {
		counts[k] = len(byClass[k])
	}
	alloc := allocate(counts, nHeld)

	keep = make([]int, 0, n-nHeld)
	held = make([]int, 0, nHeld)
	for k, idx := range byClass {
		perm := dp.rng.Perm(len(idx))
		for j, p := range perm {
			if j < alloc[k] {
				held = append(held, idx[p])
			} else {
				keep = append(keep, idx[p])
			}
		}
	}
	dp.rng.Shuffle(len(keep), func(i, j int) { keep[i], keep[j] = keep[j], keep[i] })
	dp.rng.Shuffle(len(held), func(i, j int) { held[i], held[j] = held[j], held[i] })
	return keep, held, nil
}

// allocate distributes total draws across classes proportionally to counts.
// Remainders go to the largest fractional parts; ties favour the larger
// class, then the lower index.
func allocate(counts []int, total int) []int {
	n := 0
	for _, c := range counts {
		n += c
	}
	alloc := make([]int, len(counts))
	if n == 0 {
		return alloc
	}

	type rem struct {
		class int
		frac  float64
	}
	rems := make([]rem, 0, len(counts))
	assigned := 0
	for k, c := range counts {
		exact := float64(total) * float64(c) / float64(n)
		alloc[k] = int(math.Floor(exact))
		assigned += alloc[k]
		rems = append(rems, rem{class: k, frac: exact - float64(alloc[k])})
	}
	sort.SliceStable(rems, func(i, j int) bool {
		if rems[i].frac != rems[j].frac {
			return rems[i].frac > rems[j].frac
		}
		return counts[rems[i].class] > counts[rems[j].class]
	})
	for i := 0; assigned < total; i = (i + 1) % len(rems) {
		k := rems[i].class
		if alloc[k] < counts[k] {
			alloc[k]++
			assigned++
		}
	}
	return alloc
}

// Subset gathers rows and labels at the given positions
func Subset(features [][]float64, labels []int, idx []int) ([][]float64, []int) {
	f := make([][]float64, len(idx))
	l := make([]int, len(idx))
	for i, p := range idx {
		f[i] = features[p]
		l[i] = labels[p]
	}
	return f, l
}
