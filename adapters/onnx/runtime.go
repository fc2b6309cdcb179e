package onnx

import (
	"context"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// ReferenceRunner evaluates Gemm/Relu graphs in pure Go. It decodes the file
// from disk on every call so it only ever sees what was written.
type ReferenceRunner struct{}

// NewReferenceRunner creates the pure-Go runtime
func NewReferenceRunner() *ReferenceRunner { return &ReferenceRunner{} }

// Name identifies the engine in verification reports
func (*ReferenceRunner) Name() string { return "reference" }

// Run loads graphPath and returns one row of outputs per input row
func (r *ReferenceRunner) Run(ctx context.Context, graphPath string, inputs [][]float32, outputWidth int) ([][]float32, error) {
	data, err := os.ReadFile(graphPath)
	if err != nil {
		return nil, err
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", graphPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Evaluate(m, inputs, outputWidth)
}

// Evaluate runs the model graph on inputs. Values flow in float64; the
// float32 initializers are widened once.
func Evaluate(m *Model, inputs [][]float32, outputWidth int) ([][]float32, error) {
	if m.Graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}
	g := m.Graph
	if len(g.Inputs) != 1 || len(g.Outputs) != 1 {
		return nil, fmt.Errorf("expected one graph input and output, got %d and %d", len(g.Inputs), len(g.Outputs))
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	width := len(inputs[0])
	if want, ok := declaredWidth(g.Inputs[0]); ok && want != width {
		return nil, fmt.Errorf("graph input %q takes %d features, got %d", g.Inputs[0].Name, want, width)
	}
	if width == 0 {
		return nil, fmt.Errorf("input rows are empty")
	}
	x := mat.NewDense(len(inputs), width, nil)
	for i, row := range inputs {
		if len(row) != width {
			return nil, fmt.Errorf("input row %d has %d values, want %d", i, len(row), width)
		}
		for j, v := range row {
			x.Set(i, j, float64(v))
		}
	}

	values := map[string]*mat.Dense{g.Inputs[0].Name: x}
	for _, n := range g.Nodes {
		out, err := evalNode(g, n, values)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", n.Name, n.OpType, err)
		}
		values[n.Outputs[0]] = out
	}

	y, ok := values[g.Outputs[0].Name]
	if !ok {
		return nil, fmt.Errorf("graph output %q never produced", g.Outputs[0].Name)
	}
	rows, cols := y.Dims()
	if cols != outputWidth {
		return nil, fmt.Errorf("graph output width %d, want %d", cols, outputWidth)
	}
	res := make([][]float32, rows)
	for i := range res {
		res[i] = make([]float32, cols)
		for j := range res[i] {
			res[i][j] = float32(y.At(i, j))
		}
	}
	return res, nil
}

func evalNode(g *Graph, n *Node, values map[string]*mat.Dense) (*mat.Dense, error) {
	if len(n.Outputs) != 1 {
		return nil, fmt.Errorf("expected one output, got %d", len(n.Outputs))
	}
	switch n.OpType {
	case "Relu":
		in, ok := values[n.Inputs[0]]
		if !ok {
			return nil, fmt.Errorf("unknown input %q", n.Inputs[0])
		}
		var out mat.Dense
		out.Apply(func(_, _ int, v float64) float64 {
			if v > 0 {
				return v
			}
			return 0
		}, in)
		return &out, nil
	case "Gemm":
		return evalGemm(g, n, values)
	default:
		return nil, fmt.Errorf("unsupported operator")
	}
}

// evalGemm computes alpha*A*op(B) + beta*C with C broadcast over rows
func evalGemm(g *Graph, n *Node, values map[string]*mat.Dense) (*mat.Dense, error) {
	if len(n.Inputs) < 2 {
		return nil, fmt.Errorf("gemm needs at least two inputs")
	}
	if n.IntAttr("transA", 0) != 0 {
		return nil, fmt.Errorf("transA is not supported")
	}
	a, ok := values[n.Inputs[0]]
	if !ok {
		return nil, fmt.Errorf("unknown input %q", n.Inputs[0])
	}
	bt := g.Initializer(n.Inputs[1])
	if bt == nil || len(bt.Dims) != 2 {
		return nil, fmt.Errorf("weight %q must be a 2-d initializer", n.Inputs[1])
	}
	if bt.Dims[0] <= 0 || bt.Dims[1] <= 0 || int64(len(bt.Floats)) != bt.NumElements() {
		return nil, fmt.Errorf("weight %q: %d values for dims %v", bt.Name, len(bt.Floats), bt.Dims)
	}
	b := mat.NewDense(int(bt.Dims[0]), int(bt.Dims[1]), widen(bt.Floats))

	transB := n.IntAttr("transB", 0) != 0
	inner := int(bt.Dims[0])
	if transB {
		inner = int(bt.Dims[1])
	}
	if _, cols := a.Dims(); cols != inner {
		return nil, fmt.Errorf("input %q has width %d but weight %q expects %d", n.Inputs[0], cols, bt.Name, inner)
	}

	var prod mat.Dense
	if transB {
		prod.Mul(a, b.T())
	} else {
		prod.Mul(a, b)
	}
	if alpha := float64(n.FloatAttr("alpha", 1)); alpha != 1 {
		prod.Scale(alpha, &prod)
	}

	if len(n.Inputs) > 2 && n.Inputs[2] != "" {
		ct := g.Initializer(n.Inputs[2])
		if ct == nil {
			return nil, fmt.Errorf("bias %q is not an initializer", n.Inputs[2])
		}
		_, cols := prod.Dims()
		if int(ct.NumElements()) != cols {
			return nil, fmt.Errorf("bias %q has %d values for width %d", ct.Name, ct.NumElements(), cols)
		}
		beta := float64(n.FloatAttr("beta", 1))
		bias := widen(ct.Floats)
		prod.Apply(func(_, j int, v float64) float64 { return v + beta*bias[j] }, &prod)
	}
	return &prod, nil
}

// declaredWidth returns the fixed feature dimension of a [batch, features] input
func declaredWidth(vi *ValueInfo) (int, bool) {
	if vi == nil || len(vi.Shape) != 2 {
		return 0, false
	}
	d := vi.Shape[1]
	if d.Dynamic() || d.Value <= 0 {
		return 0, false
	}
	return int(d.Value), true
}

func widen(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}
