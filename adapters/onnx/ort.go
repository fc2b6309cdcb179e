package onnx

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// ORTRunner evaluates graphs with the ONNX Runtime shared library
type ORTRunner struct {
	libPath string
}

// NewORTRunner binds the runner to a shared library path. The environment is
// initialized lazily on first use and shared by the process.
func NewORTRunner(libPath string) *ORTRunner {
	return &ORTRunner{libPath: libPath}
}

// Name identifies the engine in verification reports
func (*ORTRunner) Name() string { return "onnxruntime" }

func (r *ORTRunner) init() error {
	ortOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if r.libPath != "" {
			ort.SetSharedLibraryPath(r.libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortInitErr = fmt.Errorf("initialize onnxruntime: %w", err)
		}
	})
	return ortInitErr
}

// Run opens a session on graphPath and evaluates all rows in one batch
func (r *ORTRunner) Run(ctx context.Context, graphPath string, inputs [][]float32, outputWidth int) ([][]float32, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width := len(inputs[0])
	flat := make([]float32, 0, len(inputs)*width)
	for i, row := range inputs {
		if len(row) != width {
			return nil, fmt.Errorf("input row %d has %d values, want %d", i, len(row), width)
		}
		flat = append(flat, row...)
	}

	session, err := ort.NewDynamicAdvancedSession(graphPath, []string{InputName}, []string{OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Destroy()

	in, err := ort.NewTensor(ort.NewShape(int64(len(inputs)), int64(width)), flat)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(len(inputs)), int64(outputWidth)))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	data := out.GetData()
	res := make([][]float32, len(inputs))
	for i := range res {
		res[i] = append([]float32(nil), data[i*outputWidth:(i+1)*outputWidth]...)
	}
	return res, nil
}
