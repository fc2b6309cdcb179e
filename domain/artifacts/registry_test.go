package artifacts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCheckpoint() *Checkpoint {
	return &Checkpoint{
		Epoch:      3,
		InputDim:   2,
		NumClasses: 2,
		HiddenDims: []int{3},
		Layers: []LayerParams{
			{In: 2, Out: 3, Weights: make([]float64, 6), Bias: make([]float64, 3)},
			{In: 3, Out: 2, Weights: make([]float64, 6), Bias: make([]float64, 2)},
		},
	}
}

func TestCheckpointValidate(t *testing.T) {
	c := validCheckpoint()
	require.NoError(t, c.Validate())

	c.Layers[1].In = 4
	assert.Error(t, c.Validate())

	c = validCheckpoint()
	c.NumClasses = 5
	assert.Error(t, c.Validate())

	c = validCheckpoint()
	c.Layers[0].Bias = c.Layers[0].Bias[:2]
	assert.Error(t, c.Validate())
}

func TestRegistryValidatesJSONKinds(t *testing.T) {
	data, err := json.Marshal(validCheckpoint())
	require.NoError(t, err)
	assert.NoError(t, Validate(KindCheckpoint, data))

	assert.NoError(t, Validate(KindLabelMap, []byte(`{"BENIGN":0,"DDoS":1}`)))
	assert.Error(t, Validate(KindLabelMap, []byte(`{}`)))
	assert.Error(t, Validate(KindScalerParams, []byte(`{"mean":[0],"scale":[0],"feature_names":["x"]}`)))
	assert.Error(t, Validate(KindHistory, []byte(`{"epochs":[{"epoch":2}]}`)))

	// formats without an in-process validator pass through
	assert.NoError(t, Validate(KindGraph, []byte{0x08, 0x06}))
	assert.Error(t, Validate(Kind("nope"), nil))
}

func TestKindsSorted(t *testing.T) {
	kinds := Kinds()
	assert.Len(t, kinds, len(Registry))
	for i := 1; i < len(kinds); i++ {
		assert.Less(t, string(kinds[i-1]), string(kinds[i]))
	}
}

func TestVerificationMatchRate(t *testing.T) {
	r := &VerificationReport{Samples: 100, Matched: 99}
	assert.InDelta(t, 0.99, r.MatchRate(), 1e-12)
	assert.Equal(t, 0.0, (&VerificationReport{}).MatchRate())
}
