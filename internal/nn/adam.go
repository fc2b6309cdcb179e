package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam is the Adam optimizer with bias-corrected moments and no weight decay
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	step int
	mW   []*mat.Dense
	vW   []*mat.Dense
	mB   [][]float64
	vB   [][]float64
}

// NewAdam returns an optimizer with the usual defaults (0.9, 0.999, 1e-8)
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// Steps returns the number of updates applied
func (a *Adam) Steps() int { return a.step }

// Step applies one update to n from g
func (a *Adam) Step(n *Network, g *Gradients) {
	if a.mW == nil {
		a.init(n)
	}
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))

	for i, l := range n.Layers {
		a.update(l.W.RawMatrix().Data, g.W[i].RawMatrix().Data, a.mW[i].RawMatrix().Data, a.vW[i].RawMatrix().Data, c1, c2)
		a.update(l.B, g.B[i], a.mB[i], a.vB[i], c1, c2)
	}
}

func (a *Adam) update(param, grad, m, v []float64, c1, c2 float64) {
	for k, gk := range grad {
		m[k] = a.Beta1*m[k] + (1-a.Beta1)*gk
		v[k] = a.Beta2*v[k] + (1-a.Beta2)*gk*gk
		mHat := m[k] / c1
		vHat := v[k] / c2
		param[k] -= a.LR * mHat / (math.Sqrt(vHat) + a.Eps)
	}
}

func (a *Adam) init(n *Network) {
	for _, l := range n.Layers {
		a.mW = append(a.mW, mat.NewDense(l.Out(), l.In(), nil))
		a.vW = append(a.vW, mat.NewDense(l.Out(), l.In(), nil))
		a.mB = append(a.mB, make([]float64, l.Out()))
		a.vB = append(a.vB, make([]float64, l.Out()))
	}
}
