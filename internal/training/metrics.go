package training

import (
	"math"

	"flowids/domain/dataset"
	"flowids/internal/nn"

	"gonum.org/v1/gonum/floats"
)

// Metrics are the evaluation results of a model on one split. Precision,
// Recall and F1 are support-weighted averages; a class with an undefined
// ratio contributes 0.
type Metrics struct {
	Loss       float64   `json:"loss"`
	Accuracy   float64   `json:"accuracy"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	F1         float64   `json:"f1"`
	PerClassF1 []float64 `json:"per_class_f1"`
	Support    []int     `json:"support"`
	Confusion  [][]int   `json:"confusion"` // [true][predicted]
}

// Evaluate runs the network over s in ModeEval, batchSize rows at a time
func Evaluate(net *nn.Network, s *dataset.Split, batchSize int) Metrics {
	c := net.NumClasses
	confusion := make([][]int, c)
	for k := range confusion {
		confusion[k] = make([]int, c)
	}
	if s.Len() == 0 {
		return Metrics{Loss: math.NaN(), Confusion: confusion, Support: make([]int, c), PerClassF1: make([]float64, c)}
	}
	if batchSize <= 0 {
		batchSize = s.Len()
	}

	lossSum := 0.0
	for start := 0; start < s.Len(); start += batchSize {
		end := start + batchSize
		if end > s.Len() {
			end = s.Len()
		}
		x := nn.ToDense(s.Features[start:end], net.InputDim)
		y := s.Labels[start:end]
		p := net.Forward(x, nn.ModeEval, nil)
		loss, _ := nn.CrossEntropy(p.Logits, y)
		lossSum += loss * float64(end-start)

		for r := range y {
			pred := floats.MaxIdx(p.Logits.RawRowView(r))
			confusion[y[r]][pred]++
		}
	}

	m := FromConfusion(confusion)
	m.Loss = lossSum / float64(s.Len())
	return m
}

// FromConfusion derives accuracy and weighted precision/recall/F1
func FromConfusion(confusion [][]int) Metrics {
	c := len(confusion)
	m := Metrics{
		Confusion:  confusion,
		Support:    make([]int, c),
		PerClassF1: make([]float64, c),
	}
	predicted := make([]int, c)
	total, correct := 0, 0
	for t, row := range confusion {
		for p, n := range row {
			m.Support[t] += n
			predicted[p] += n
			total += n
			if t == p {
				correct += n
			}
		}
	}
	if total == 0 {
		return m
	}
	m.Accuracy = float64(correct) / float64(total)

	precision := make([]float64, c)
	recall := make([]float64, c)
	weights := make([]float64, c)
	for k := 0; k < c; k++ {
		tp := float64(confusion[k][k])
		precision[k] = safeDiv(tp, float64(predicted[k]))
		recall[k] = safeDiv(tp, float64(m.Support[k]))
		m.PerClassF1[k] = safeDiv(2*precision[k]*recall[k], precision[k]+recall[k])
		weights[k] = float64(m.Support[k]) / float64(total)
	}
	m.Precision = floats.Dot(weights, precision)
	m.Recall = floats.Dot(weights, recall)
	m.F1 = floats.Dot(weights, m.PerClassF1)
	return m
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
