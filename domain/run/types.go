package run

import (
	"crypto/sha256"
	"fmt"

	"flowids/domain/core"
)

// RunFingerprint ensures deterministic replay
type RunFingerprint struct {
	ConfigHash  string    `json:"config_hash"`
	DataHash    core.Hash `json:"data_hash"`
	PlanHash    core.Hash `json:"plan_hash"`
	Seed        int64     `json:"seed"`
	CodeVersion string    `json:"code_version"`
	Fingerprint core.Hash `json:"fingerprint"` // Hash of all above
}

// NewRunFingerprint creates a fingerprint from determinism parameters
func NewRunFingerprint(configHash string, dataHash, planHash core.Hash, seed int64, codeVersion string) RunFingerprint {
	return RunFingerprint{
		ConfigHash:  configHash,
		DataHash:    dataHash,
		PlanHash:    planHash,
		Seed:        seed,
		CodeVersion: codeVersion,
		Fingerprint: computeRunFingerprint(configHash, dataHash, planHash, seed, codeVersion),
	}
}

func computeRunFingerprint(configHash string, dataHash, planHash core.Hash, seed int64, codeVersion string) core.Hash {
	data := fmt.Sprintf("config:%s|data:%s|plan:%s|seed:%d|code:%s",
		configHash, dataHash, planHash, seed, codeVersion)

	hash := sha256.Sum256([]byte(data))
	return core.Hash(fmt.Sprintf("%x", hash))
}
