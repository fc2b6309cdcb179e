package testkit

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"flowids/domain/dataset"
)

// FlowGeneratorConfig configures the synthetic flow-record generator
type FlowGeneratorConfig struct {
	Rows             int      `json:"rows"`
	Features         int      `json:"features"`
	Classes          []string `json:"classes"`
	Separation       float64  `json:"separation"`        // half-width of the box class centers are drawn from
	Noise            float64  `json:"noise"`             // per-feature standard deviation around a center
	ConstantFeatures []int    `json:"constant_features"` // columns forced to a single value
	InfRate          float64  `json:"inf_rate"`          // fraction of cells replaced by +Inf
	MissingRate      float64  `json:"missing_rate"`      // fraction of cells left empty in raw output
	Seed             int64    `json:"seed"`
}

// DefaultFlowConfig is the 4-class, 1000x10 scenario
func DefaultFlowConfig() FlowGeneratorConfig {
	return FlowGeneratorConfig{
		Rows:       1000,
		Features:   10,
		Classes:    []string{"BENIGN", "DDoS", "DoS", "PortScan"},
		Separation: 4,
		Noise:      1,
		Seed:       42,
	}
}

// FlowGenerator produces labelled Gaussian class clusters shaped like flow features
type FlowGenerator struct {
	config  FlowGeneratorConfig
	rng     *rand.Rand
	centers [][]float64
}

// NewFlowGenerator creates a generator; class centers are fixed by the seed
func NewFlowGenerator(config FlowGeneratorConfig) *FlowGenerator {
	rng := rand.New(rand.NewSource(config.Seed))
	centers := make([][]float64, len(config.Classes))
	for k := range centers {
		c := make([]float64, config.Features)
		for j := range c {
			c[j] = (rng.Float64()*2 - 1) * config.Separation
		}
		centers[k] = c
	}
	return &FlowGenerator{config: config, rng: rng, centers: centers}
}

// FeatureNames returns "f00", "f01", ...
func (g *FlowGenerator) FeatureNames() []string {
	names := make([]string, g.config.Features)
	for j := range names {
		names[j] = fmt.Sprintf("f%02d", j)
	}
	return names
}

// Generate returns a balanced table: rows are assigned to classes round-robin.
// Inf cells are injected at InfRate; MissingRate only affects GenerateRaw.
func (g *FlowGenerator) Generate() *dataset.Table {
	constant := make(map[int]bool, len(g.config.ConstantFeatures))
	for _, j := range g.config.ConstantFeatures {
		constant[j] = true
	}

	t := &dataset.Table{
		FeatureNames: g.FeatureNames(),
		Features:     make([][]float64, g.config.Rows),
		Labels:       make([]string, g.config.Rows),
	}
	for i := 0; i < g.config.Rows; i++ {
		k := i % len(g.config.Classes)
		row := make([]float64, g.config.Features)
		for j := range row {
			switch {
			case constant[j]:
				row[j] = 7
			case g.config.InfRate > 0 && g.rng.Float64() < g.config.InfRate:
				row[j] = math.Inf(1)
			default:
				row[j] = g.centers[k][j] + g.rng.NormFloat64()*g.config.Noise
			}
		}
		t.Features[i] = row
		t.Labels[i] = g.config.Classes[k]
	}
	return t
}

// GenerateRaw renders Generate's output as a string table with a trailing
// "Label" column, optionally blanking cells.
func (g *FlowGenerator) GenerateRaw() *dataset.RawTable {
	t := g.Generate()
	header := append(g.FeatureNames(), "Label")
	rows := make([][]string, len(t.Features))
	for i, feats := range t.Features {
		row := make([]string, 0, len(header))
		for _, v := range feats {
			if g.config.MissingRate > 0 && g.rng.Float64() < g.config.MissingRate {
				row = append(row, "")
				continue
			}
			row = append(row, formatCell(v))
		}
		rows[i] = append(row, t.Labels[i])
	}
	return &dataset.RawTable{Header: header, Rows: rows}
}

func formatCell(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
