package run

import (
	"encoding/json"
	"fmt"

	"flowids/domain/core"
	"flowids/domain/stage"
)

// ArtifactRecord is a produced file and its content hash
type ArtifactRecord struct {
	Kind   string    `json:"kind"`
	Path   string    `json:"path"`
	SHA256 core.Hash `json:"sha256"`
	Bytes  int64     `json:"bytes"`
}

// Manifest is the audit record of one pipeline run: configuration
// fingerprint, stage outcomes and the hash of every artifact written.
type Manifest struct {
	RunID       core.RunID                `json:"run_id"`
	Seed        int64                     `json:"seed"`
	ConfigHash  string                    `json:"config_hash"`
	CodeVersion string                    `json:"code_version"`
	Stages      []*stage.Result           `json:"stages"`
	Artifacts   map[string]ArtifactRecord `json:"artifacts"`
	Fingerprint RunFingerprint            `json:"fingerprint"`
	Succeeded   bool                      `json:"succeeded"`
	CreatedAt   core.Timestamp            `json:"created_at"`
	CompletedAt core.Timestamp            `json:"completed_at,omitempty"`
}

// NewManifest starts a manifest for a run
func NewManifest(runID core.RunID, seed int64, configHash, codeVersion string) *Manifest {
	return &Manifest{
		RunID:       runID,
		Seed:        seed,
		ConfigHash:  configHash,
		CodeVersion: codeVersion,
		Artifacts:   map[string]ArtifactRecord{},
		CreatedAt:   core.Now(),
	}
}

// RecordStage appends a finished stage result
func (m *Manifest) RecordStage(r *stage.Result) {
	m.Stages = append(m.Stages, r)
}

// RecordArtifact stores or replaces the record for a kind
func (m *Manifest) RecordArtifact(rec ArtifactRecord) {
	m.Artifacts[rec.Kind] = rec
}

// Stage returns the latest result for name
func (m *Manifest) Stage(name stage.Name) (*stage.Result, bool) {
	for i := len(m.Stages) - 1; i >= 0; i-- {
		if m.Stages[i].Stage == name {
			return m.Stages[i], true
		}
	}
	return nil, false
}

// Seal computes the fingerprint over the executed plan and artifact hashes
// and marks the manifest complete.
func (m *Manifest) Seal() {
	succeeded := len(m.Stages) > 0
	for _, s := range m.Stages {
		if !s.Succeeded() {
			succeeded = false
		}
	}
	m.Fingerprint = m.fingerprint()
	m.Succeeded = succeeded
	m.CompletedAt = core.Now()
}

func (m *Manifest) fingerprint() RunFingerprint {
	hashes := make(map[string]core.Hash, len(m.Artifacts))
	for k, a := range m.Artifacts {
		hashes[k] = a.SHA256
	}
	names := make([]stage.Name, 0, len(m.Stages))
	for _, s := range m.Stages {
		names = append(names, s.Stage)
	}
	plan, _ := json.Marshal(names)
	return NewRunFingerprint(m.ConfigHash, core.ComputeArtifactSetHash(hashes), core.NewHash(plan), m.Seed, m.CodeVersion)
}

// Validate checks that the manifest is complete and, once sealed, that its
// fingerprint still matches the recorded seed, stages and artifact hashes.
func (m *Manifest) Validate() error {
	if core.ID(m.RunID).IsEmpty() {
		return core.NewNotFoundError("run_manifest", "run_id")
	}
	if m.ConfigHash == "" {
		return core.NewNotFoundError("run_manifest", "config_hash")
	}
	for kind, a := range m.Artifacts {
		if a.SHA256.IsEmpty() {
			return core.NewNotFoundError("artifact hash", kind)
		}
	}
	if m.Fingerprint.Fingerprint.IsEmpty() {
		return nil
	}
	if m.Fingerprint.Seed != m.Seed {
		return fmt.Errorf("%w: manifest seed %d, fingerprint seed %d", core.ErrSeedMismatch, m.Seed, m.Fingerprint.Seed)
	}
	if want := m.fingerprint(); want.Fingerprint != m.Fingerprint.Fingerprint {
		return fmt.Errorf("%w: run %s fingerprint %s does not match its contents (%s)",
			core.ErrHashMismatch, m.RunID, m.Fingerprint.Fingerprint.Short(), want.Fingerprint.Short())
	}
	return nil
}
