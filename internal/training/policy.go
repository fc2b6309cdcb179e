package training

import (
	"fmt"
	"math"

	"flowids/internal/config"
)

// CheckpointPolicy decides which epoch's model is worth keeping
type CheckpointPolicy interface {
	Metric() string
	Score(m Metrics) float64
	Better(candidate, best float64) bool
	Worst() float64
}

// F1Policy keeps the model with strictly higher weighted validation F1
type F1Policy struct{}

func (F1Policy) Metric() string                      { return config.MetricValF1 }
func (F1Policy) Score(m Metrics) float64             { return m.F1 }
func (F1Policy) Better(candidate, best float64) bool { return candidate > best }
func (F1Policy) Worst() float64                      { return math.Inf(-1) }

// LossPolicy keeps the model with strictly lower validation loss
type LossPolicy struct{}

func (LossPolicy) Metric() string                      { return config.MetricValLoss }
func (LossPolicy) Score(m Metrics) float64             { return m.Loss }
func (LossPolicy) Better(candidate, best float64) bool { return candidate < best }
func (LossPolicy) Worst() float64                      { return math.Inf(1) }

// PolicyFor maps a configured metric name to its policy
func PolicyFor(metric string) (CheckpointPolicy, error) {
	switch metric {
	case config.MetricValF1, "":
		return F1Policy{}, nil
	case config.MetricValLoss:
		return LossPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown checkpoint metric %q", metric)
}
