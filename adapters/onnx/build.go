package onnx

import (
	"fmt"
	"strconv"
	"strings"

	"flowids/domain/artifacts"
	"flowids/domain/core"
)

// Tensor names shared with downstream consumers
const (
	InputName  = "features"
	OutputName = "logits"
	BatchDim   = "batch_size"

	DefaultOpset = 11

	MetaFeatureCount = "feature_count"
	MetaClassCount   = "class_count"
	MetaClassLabels  = "class_labels"
	MetaFeatureNames = "feature_names"
	MetaEpoch        = "checkpoint_epoch"
	MetaRunID        = "run_id"
)

// BuildOptions controls graph metadata
type BuildOptions struct {
	Opset           int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	ClassLabels     []string
	FeatureNames    []string
}

// BuildClassifier converts a checkpoint into a Gemm/Relu graph. Weights keep
// their [out][in] layout and each Gemm uses transB=1.
func BuildClassifier(ckpt *artifacts.Checkpoint, opts BuildOptions) (*Model, error) {
	if ckpt == nil {
		return nil, fmt.Errorf("nil checkpoint")
	}
	if err := ckpt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	if opts.Opset == 0 {
		opts.Opset = DefaultOpset
	}
	if opts.ModelVersion == 0 {
		opts.ModelVersion = 1
	}

	g := &Graph{Name: "ids_classifier"}
	cur := InputName
	last := len(ckpt.Layers) - 1
	for i, l := range ckpt.Layers {
		wName := fmt.Sprintf("fc%d.weight", i)
		bName := fmt.Sprintf("fc%d.bias", i)
		g.Initializers = append(g.Initializers,
			&Tensor{Name: wName, Dims: []int64{int64(l.Out), int64(l.In)}, DataType: TensorFloat, Floats: toFloat32(l.Weights)},
			&Tensor{Name: bName, Dims: []int64{int64(l.Out)}, DataType: TensorFloat, Floats: toFloat32(l.Bias)},
		)

		out := fmt.Sprintf("fc%d_out", i)
		if i == last {
			out = OutputName
		}
		g.Nodes = append(g.Nodes, &Node{
			Name:    fmt.Sprintf("Gemm_%d", i),
			OpType:  "Gemm",
			Inputs:  []string{cur, wName, bName},
			Outputs: []string{out},
			Attributes: []*Attribute{
				{Name: "alpha", Type: AttrFloat, F: 1},
				{Name: "beta", Type: AttrFloat, F: 1},
				{Name: "transB", Type: AttrInt, I: 1},
			},
		})
		cur = out
		if i == last {
			break
		}

		relu := fmt.Sprintf("relu%d_out", i)
		g.Nodes = append(g.Nodes, &Node{
			Name:    fmt.Sprintf("Relu_%d", i),
			OpType:  "Relu",
			Inputs:  []string{cur},
			Outputs: []string{relu},
		})
		cur = relu
	}

	g.Inputs = []*ValueInfo{{
		Name:     InputName,
		ElemType: TensorFloat,
		Shape:    []Dim{{Param: BatchDim}, {Value: int64(ckpt.InputDim)}},
	}}
	g.Outputs = []*ValueInfo{{
		Name:     OutputName,
		ElemType: TensorFloat,
		Shape:    []Dim{{Param: BatchDim}, {Value: int64(ckpt.NumClasses)}},
	}}

	m := &Model{
		IRVersion:       IRVersion6,
		ProducerName:    opts.ProducerName,
		ProducerVersion: opts.ProducerVersion,
		ModelVersion:    opts.ModelVersion,
		DocString:       "feed-forward network intrusion classifier; outputs raw logits",
		Graph:           g,
		OpsetImports:    []OperatorSetID{{Domain: "", Version: opts.Opset}},
		Metadata: []StringEntry{
			{Key: MetaFeatureCount, Value: strconv.Itoa(ckpt.InputDim)},
			{Key: MetaClassCount, Value: strconv.Itoa(ckpt.NumClasses)},
			{Key: MetaEpoch, Value: strconv.Itoa(ckpt.Epoch)},
		},
	}
	if len(opts.ClassLabels) > 0 {
		m.Metadata = append(m.Metadata, StringEntry{Key: MetaClassLabels, Value: strings.Join(opts.ClassLabels, ",")})
	}
	if len(opts.FeatureNames) > 0 {
		m.Metadata = append(m.Metadata, StringEntry{Key: MetaFeatureNames, Value: strings.Join(opts.FeatureNames, ",")})
	}
	if !core.ID(ckpt.RunID).IsEmpty() {
		m.Metadata = append(m.Metadata, StringEntry{Key: MetaRunID, Value: ckpt.RunID.String()})
	}
	return m, nil
}

func toFloat32(xs []float64) []float32 {
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = float32(x)
	}
	return out
}
