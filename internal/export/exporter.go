// Package export converts the best checkpoint into a portable ONNX graph and
// verifies that the graph reproduces the in-memory model.
package export

import (
	"context"

	"flowids/adapters/onnx"
	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/ports"
)

// Result describes a written graph
type Result struct {
	Path       string
	Bytes      int
	Checkpoint *artifacts.Checkpoint
	Model      *onnx.Model
}

// Metadata is embedded in the graph for downstream consumers
type Metadata struct {
	ClassLabels     []string
	FeatureNames    []string
	ProducerVersion string
}

// Exporter writes the best checkpoint as an ONNX graph
type Exporter struct {
	cfg    config.ExportConfig
	ckpts  ports.CheckpointStore
	graphs ports.GraphStore
	logger *internal.Logger
}

// NewExporter creates an exporter reading from ckpts and writing to graphs
func NewExporter(cfg config.ExportConfig, ckpts ports.CheckpointStore, graphs ports.GraphStore, logger *internal.Logger) *Exporter {
	return &Exporter{
		cfg:    cfg,
		ckpts:  ckpts,
		graphs: graphs,
		logger: internal.OrDefault(logger).WithComponent("export"),
	}
}

// Export loads the best checkpoint and writes the graph
func (e *Exporter) Export(ctx context.Context, meta Metadata) (*Result, error) {
	ckpt, err := e.ckpts.LoadCheckpoint(ctx)
	if err != nil {
		if core.IsNotFoundError(err) {
			return nil, errors.MissingPrerequisite("checkpoint", err)
		}
		return nil, errors.Wrap(err, "load checkpoint")
	}

	model, err := onnx.BuildClassifier(ckpt, onnx.BuildOptions{
		Opset:           e.cfg.Opset,
		ProducerName:    e.cfg.ProducerName,
		ProducerVersion: meta.ProducerVersion,
		ModelVersion:    e.cfg.ModelVersion,
		ClassLabels:     meta.ClassLabels,
		FeatureNames:    meta.FeatureNames,
	})
	if err != nil {
		return nil, errors.Wrap(errors.InputContract(err.Error()), "build graph")
	}
	if n := len(meta.ClassLabels); n > 0 && n != ckpt.NumClasses {
		return nil, errors.InputContract("class label count does not match checkpoint output width")
	}

	data := onnx.Marshal(model)
	path, err := e.graphs.SaveGraph(ctx, data)
	if err != nil {
		return nil, errors.Wrap(err, "write graph")
	}
	e.logger.Info("exported epoch %d checkpoint to %s (%d bytes, opset %d, %d nodes)",
		ckpt.Epoch, path, len(data), model.Opset(), len(model.Graph.Nodes))

	return &Result{Path: path, Bytes: len(data), Checkpoint: ckpt, Model: model}, nil
}
