package filestore

import (
	"flowids/domain/artifacts"
	"flowids/internal/errors"

	"github.com/tidwall/gjson"
)

// CheckpointInfo is the checkpoint header, read without decoding weights
type CheckpointInfo struct {
	RunID        string
	Epoch        int
	Metric       string
	MetricValue  float64
	ValLoss      float64
	ValF1        float64
	InputDim     int
	NumClasses   int
	HiddenDims   []int
	DropoutRate  float64
	LearningRate float64
	NumParams    int
	CreatedAt    string
}

// InspectCheckpoint summarizes the stored checkpoint
func (s *Store) InspectCheckpoint() (*CheckpointInfo, error) {
	data, err := s.read(artifacts.KindCheckpoint)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.StorageError("checkpoint is not valid JSON", nil)
	}

	fields := gjson.GetManyBytes(data,
		"run_id", "epoch", "metric", "metric_value", "val_loss", "val_f1",
		"input_dim", "num_classes", "dropout_rate", "learning_rate", "created_at")
	info := &CheckpointInfo{
		RunID:        fields[0].String(),
		Epoch:        int(fields[1].Int()),
		Metric:       fields[2].String(),
		MetricValue:  fields[3].Float(),
		ValLoss:      fields[4].Float(),
		ValF1:        fields[5].Float(),
		InputDim:     int(fields[6].Int()),
		NumClasses:   int(fields[7].Int()),
		DropoutRate:  fields[8].Float(),
		LearningRate: fields[9].Float(),
		CreatedAt:    fields[10].String(),
	}
	for _, d := range gjson.GetBytes(data, "hidden_dims").Array() {
		info.HiddenDims = append(info.HiddenDims, int(d.Int()))
	}
	gjson.GetBytes(data, "layers").ForEach(func(_, layer gjson.Result) bool {
		in, out := layer.Get("in").Int(), layer.Get("out").Int()
		info.NumParams += int(in*out + out)
		return true
	})
	return info, nil
}
