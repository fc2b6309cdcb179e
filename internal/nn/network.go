// Package nn implements the feed-forward intrusion classifier: stacked
// Linear, ReLU and Dropout blocks followed by a Linear head producing logits.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"flowids/domain/artifacts"
	"flowids/domain/core"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Mode selects training or evaluation behaviour. Dropout is active only in ModeTrain.
type Mode int

const (
	ModeEval Mode = iota
	ModeTrain
)

func (m Mode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "eval"
}

// evalChunk bounds the rows evaluated per matrix multiply during prediction
const evalChunk = 4096

// Layer is one affine transform. W is out x in.
type Layer struct {
	W *mat.Dense
	B []float64
}

// In returns the input width
func (l *Layer) In() int { _, c := l.W.Dims(); return c }

// Out returns the output width
func (l *Layer) Out() int { r, _ := l.W.Dims(); return r }

// Network is the classifier. The final layer has no activation.
type Network struct {
	InputDim    int
	NumClasses  int
	HiddenDims  []int
	DropoutRate float64
	Layers      []*Layer
}

// New builds a network with uniform init U(-1/sqrt(fan_in), 1/sqrt(fan_in))
// for weights and biases drawn from rng.
func New(inputDim, numClasses int, hidden []int, dropout float64, rng *rand.Rand) (*Network, error) {
	if inputDim <= 0 || numClasses <= 0 {
		return nil, fmt.Errorf("input dim %d and class count %d must be positive", inputDim, numClasses)
	}
	if dropout < 0 || dropout >= 1 {
		return nil, fmt.Errorf("dropout rate %v outside [0, 1)", dropout)
	}
	n := &Network{
		InputDim:    inputDim,
		NumClasses:  numClasses,
		HiddenDims:  append([]int(nil), hidden...),
		DropoutRate: dropout,
	}
	widths := append(append([]int{inputDim}, hidden...), numClasses)
	for i := 0; i+1 < len(widths); i++ {
		in, out := widths[i], widths[i+1]
		if out <= 0 {
			return nil, fmt.Errorf("layer %d width %d must be positive", i, out)
		}
		bound := 1 / math.Sqrt(float64(in))
		w := make([]float64, out*in)
		for k := range w {
			w[k] = (rng.Float64()*2 - 1) * bound
		}
		b := make([]float64, out)
		for k := range b {
			b[k] = (rng.Float64()*2 - 1) * bound
		}
		n.Layers = append(n.Layers, &Layer{W: mat.NewDense(out, in, w), B: b})
	}
	return n, nil
}

// Pass caches the activations of one forward call for Backward
type Pass struct {
	Mode   Mode
	Inputs []*mat.Dense // input to each layer
	Pre    []*mat.Dense // pre-activation of each hidden layer
	Masks  []*mat.Dense // scaled dropout masks, nil in eval mode
	Logits *mat.Dense
}

// Forward evaluates x (batch x InputDim). rng drives dropout and may be nil in ModeEval.
func (n *Network) Forward(x *mat.Dense, mode Mode, rng *rand.Rand) *Pass {
	hidden := len(n.Layers) - 1
	p := &Pass{
		Mode:   mode,
		Inputs: make([]*mat.Dense, len(n.Layers)),
		Pre:    make([]*mat.Dense, hidden),
		Masks:  make([]*mat.Dense, hidden),
	}

	a := x
	for i, l := range n.Layers {
		p.Inputs[i] = a
		z := affine(a, l)
		if i == hidden {
			p.Logits = z
			break
		}
		p.Pre[i] = z

		rows, cols := z.Dims()
		h := mat.NewDense(rows, cols, nil)
		h.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, z)

		if mode == ModeTrain && n.DropoutRate > 0 {
			mask := dropoutMask(rows, cols, n.DropoutRate, rng)
			h.MulElem(h, mask)
			p.Masks[i] = mask
		}
		a = h
	}
	return p
}

func affine(a *mat.Dense, l *Layer) *mat.Dense {
	rows, _ := a.Dims()
	z := mat.NewDense(rows, l.Out(), nil)
	z.Mul(a, l.W.T())
	for r := 0; r < rows; r++ {
		floats.Add(z.RawRowView(r), l.B)
	}
	return z
}

// dropoutMask zeroes each unit with probability p and scales survivors by 1/(1-p)
func dropoutMask(rows, cols int, p float64, rng *rand.Rand) *mat.Dense {
	keep := 1 / (1 - p)
	data := make([]float64, rows*cols)
	for i := range data {
		if rng.Float64() >= p {
			data[i] = keep
		}
	}
	return mat.NewDense(rows, cols, data)
}

// Gradients mirrors the layer structure of a Network
type Gradients struct {
	W []*mat.Dense
	B [][]float64
}

// Backward propagates dLogits (batch x NumClasses) through the cached pass
func (n *Network) Backward(p *Pass, dLogits *mat.Dense) *Gradients {
	g := &Gradients{
		W: make([]*mat.Dense, len(n.Layers)),
		B: make([][]float64, len(n.Layers)),
	}

	dz := dLogits
	for i := len(n.Layers) - 1; i >= 0; i-- {
		l := n.Layers[i]
		rows, _ := dz.Dims()

		gw := mat.NewDense(l.Out(), l.In(), nil)
		gw.Mul(dz.T(), p.Inputs[i])
		g.W[i] = gw

		gb := make([]float64, l.Out())
		for r := 0; r < rows; r++ {
			floats.Add(gb, dz.RawRowView(r))
		}
		g.B[i] = gb

		if i == 0 {
			break
		}
		da := mat.NewDense(rows, l.In(), nil)
		da.Mul(dz, l.W)

		// back through dropout and ReLU of the previous hidden block
		prev := i - 1
		if mask := p.Masks[prev]; mask != nil {
			da.MulElem(da, mask)
		}
		pre := p.Pre[prev]
		da.Apply(func(r, c int, v float64) float64 {
			if pre.At(r, c) > 0 {
				return v
			}
			return 0
		}, da)
		dz = da
	}
	return g
}

// Logits evaluates rows in ModeEval
func (n *Network) Logits(x [][]float64) [][]float64 {
	out := make([][]float64, 0, len(x))
	for start := 0; start < len(x); start += evalChunk {
		end := start + evalChunk
		if end > len(x) {
			end = len(x)
		}
		p := n.Forward(ToDense(x[start:end], n.InputDim), ModeEval, nil)
		rows, _ := p.Logits.Dims()
		for r := 0; r < rows; r++ {
			out = append(out, append([]float64(nil), p.Logits.RawRowView(r)...))
		}
	}
	return out
}

// PredictProba returns softmax class probabilities, always in ModeEval
func (n *Network) PredictProba(x [][]float64) [][]float64 {
	logits := n.Logits(x)
	for _, row := range logits {
		SoftmaxRow(row)
	}
	return logits
}

// Predict returns the argmax class per row
func (n *Network) Predict(x [][]float64) []int {
	logits := n.Logits(x)
	out := make([]int, len(logits))
	for i, row := range logits {
		out[i] = floats.MaxIdx(row)
	}
	return out
}

// Params exports the weights in checkpoint layout
func (n *Network) Params() []artifacts.LayerParams {
	out := make([]artifacts.LayerParams, len(n.Layers))
	for i, l := range n.Layers {
		w := make([]float64, 0, l.Out()*l.In())
		for r := 0; r < l.Out(); r++ {
			w = append(w, l.W.RawRowView(r)...)
		}
		out[i] = artifacts.LayerParams{
			In:      l.In(),
			Out:     l.Out(),
			Weights: w,
			Bias:    append([]float64(nil), l.B...),
		}
	}
	return out
}

// LoadParams replaces the weights. Shapes must match the current topology.
func (n *Network) LoadParams(params []artifacts.LayerParams) error {
	if len(params) != len(n.Layers) {
		return core.NewShapeError("layer count", len(n.Layers), len(params))
	}
	for i, p := range params {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		l := n.Layers[i]
		if p.In != l.In() || p.Out != l.Out() {
			return core.NewShapeError(fmt.Sprintf("layer %d", i), l.Out()*l.In(), p.Out*p.In)
		}
	}
	for i, p := range params {
		n.Layers[i].W = mat.NewDense(p.Out, p.In, append([]float64(nil), p.Weights...))
		n.Layers[i].B = append([]float64(nil), p.Bias...)
	}
	return nil
}

// FromCheckpoint rebuilds a network from a persisted checkpoint
func FromCheckpoint(c *artifacts.Checkpoint) (*Network, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	n := &Network{
		InputDim:    c.InputDim,
		NumClasses:  c.NumClasses,
		HiddenDims:  append([]int(nil), c.HiddenDims...),
		DropoutRate: c.DropoutRate,
		Layers:      make([]*Layer, len(c.Layers)),
	}
	for i, p := range c.Layers {
		n.Layers[i] = &Layer{
			W: mat.NewDense(p.Out, p.In, append([]float64(nil), p.Weights...)),
			B: append([]float64(nil), p.Bias...),
		}
	}
	return n, nil
}

// NumParams counts trainable scalars
func (n *Network) NumParams() int {
	total := 0
	for _, l := range n.Layers {
		total += l.Out()*l.In() + l.Out()
	}
	return total
}

// ToDense copies rows into a batch matrix of the given width
func ToDense(rows [][]float64, width int) *mat.Dense {
	data := make([]float64, 0, len(rows)*width)
	for _, r := range rows {
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), width, data)
}
