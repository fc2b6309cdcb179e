package testkit

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"

	"flowids/domain/artifacts"
	"flowids/domain/core"
	"flowids/domain/dataset"
)

// RNGAdapter implements ports.RNGPort. Streams are derived from the seed and
// the stream name so stages do not share sequences.
type RNGAdapter struct{}

// Stream returns a generator seeded from seed and name
func (RNGAdapter) Stream(name string, seed int64) *rand.Rand {
	if name == "" {
		return rand.New(rand.NewSource(seed))
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return rand.New(rand.NewSource(seed ^ int64(h.Sum64())))
}

// MemoryStore keeps every artifact in memory. It satisfies the preprocess,
// checkpoint, history and verification store ports.
type MemoryStore struct {
	mu           sync.Mutex
	taxonomy     *dataset.Taxonomy
	scaler       *dataset.ScalerParams
	splits       map[dataset.SplitName]*dataset.Split
	checkpoint   *artifacts.Checkpoint
	history      *artifacts.History
	verification *artifacts.VerificationReport

	CheckpointSaves int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{splits: map[dataset.SplitName]*dataset.Split{}}
}

func (m *MemoryStore) SaveTaxonomy(ctx context.Context, tax *dataset.Taxonomy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taxonomy = tax
	return nil
}

func (m *MemoryStore) LoadTaxonomy(ctx context.Context) (*dataset.Taxonomy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taxonomy == nil {
		return nil, core.ErrArtifactNotFound
	}
	return m.taxonomy, nil
}

func (m *MemoryStore) SaveScalerParams(ctx context.Context, p *dataset.ScalerParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scaler = p
	return nil
}

func (m *MemoryStore) LoadScalerParams(ctx context.Context) (*dataset.ScalerParams, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scaler == nil {
		return nil, core.ErrArtifactNotFound
	}
	return m.scaler, nil
}

func (m *MemoryStore) SaveSplits(ctx context.Context, s *dataset.Splits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range dataset.AllSplits {
		m.splits[name] = s.Get(name)
	}
	return nil
}

func (m *MemoryStore) LoadSplit(ctx context.Context, name dataset.SplitName) (*dataset.Split, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.splits[name]
	if !ok || s == nil {
		return nil, core.ErrArtifactNotFound
	}
	return s, nil
}

// SaveCheckpoint stores a deep copy so later training steps cannot mutate it
func (m *MemoryStore) SaveCheckpoint(ctx context.Context, c *artifacts.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.HiddenDims = append([]int(nil), c.HiddenDims...)
	cp.Layers = make([]artifacts.LayerParams, len(c.Layers))
	for i, l := range c.Layers {
		cp.Layers[i] = artifacts.LayerParams{
			In:      l.In,
			Out:     l.Out,
			Weights: append([]float64(nil), l.Weights...),
			Bias:    append([]float64(nil), l.Bias...),
		}
	}
	m.checkpoint = &cp
	m.CheckpointSaves++
	return nil
}

func (m *MemoryStore) LoadCheckpoint(ctx context.Context) (*artifacts.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return nil, core.ErrCheckpointNotFound
	}
	return m.checkpoint, nil
}

func (m *MemoryStore) SaveHistory(ctx context.Context, h *artifacts.History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = h
	return nil
}

func (m *MemoryStore) LoadHistory(ctx context.Context) (*artifacts.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.history == nil {
		return nil, core.ErrArtifactNotFound
	}
	return m.history, nil
}

func (m *MemoryStore) SaveVerification(ctx context.Context, r *artifacts.VerificationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verification = r
	return nil
}

func (m *MemoryStore) LoadVerification(ctx context.Context) (*artifacts.VerificationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verification == nil {
		return nil, core.ErrArtifactNotFound
	}
	return m.verification, nil
}
