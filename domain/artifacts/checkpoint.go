package artifacts

import (
	"fmt"

	"flowids/domain/core"
)

// LayerParams holds one affine layer. Weights are row-major [Out][In], the
// same layout as the exported Gemm initializer with transB=1.
type LayerParams struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"weights"`
	Bias    []float64 `json:"bias"`
}

// Validate checks buffer sizes against the declared shape
func (l LayerParams) Validate() error {
	if l.In <= 0 || l.Out <= 0 {
		return fmt.Errorf("layer shape %dx%d must be positive", l.Out, l.In)
	}
	if len(l.Weights) != l.In*l.Out {
		return core.NewShapeError("layer weights", l.In*l.Out, len(l.Weights))
	}
	if len(l.Bias) != l.Out {
		return core.NewShapeError("layer bias", l.Out, len(l.Bias))
	}
	return nil
}

// Checkpoint is the persisted best model plus the metadata needed to rebuild
// and audit it.
type Checkpoint struct {
	RunID        core.RunID     `json:"run_id,omitempty"`
	Epoch        int            `json:"epoch"`
	ValLoss      float64        `json:"val_loss"`
	ValF1        float64        `json:"val_f1"`
	Metric       string         `json:"metric"`
	MetricValue  float64        `json:"metric_value"`
	InputDim     int            `json:"input_dim"`
	NumClasses   int            `json:"num_classes"`
	HiddenDims   []int          `json:"hidden_dims"`
	DropoutRate  float64        `json:"dropout_rate"`
	LearningRate float64        `json:"learning_rate"`
	Layers       []LayerParams  `json:"layers"`
	CreatedAt    core.Timestamp `json:"created_at"`
}

// Validate checks the layer chain is consistent with the recorded topology
func (c *Checkpoint) Validate() error {
	if len(c.Layers) != len(c.HiddenDims)+1 {
		return fmt.Errorf("checkpoint has %d layers for %d hidden dims", len(c.Layers), len(c.HiddenDims))
	}
	prev := c.InputDim
	for i, l := range c.Layers {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		if l.In != prev {
			return core.NewShapeError(fmt.Sprintf("layer %d input", i), prev, l.In)
		}
		prev = l.Out
	}
	if prev != c.NumClasses {
		return core.NewShapeError("output layer", c.NumClasses, prev)
	}
	return nil
}
