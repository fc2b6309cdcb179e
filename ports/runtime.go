package ports

import "context"

// GraphRunner executes an exported inference graph. It returns one row of
// raw logits of width outputWidth per input row.
type GraphRunner interface {
	Name() string
	Run(ctx context.Context, graphPath string, inputs [][]float32, outputWidth int) ([][]float32, error)
}
