package stage

import (
	"flowids/domain/core"
)

// Name identifies a pipeline stage
type Name string

const (
	StageIngest     Name = "ingest"
	StagePreprocess Name = "preprocess"
	StageTrain      Name = "train"
	StageExport     Name = "export"
	StageVerify     Name = "verify"
)

// Plan is the ordered stage sequence of a full run
var Plan = []Name{StageIngest, StagePreprocess, StageTrain, StageExport, StageVerify}

// Status is the terminal state of a stage
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Result captures one stage execution for the manifest and the ledger
type Result struct {
	Stage     Name               `json:"stage"`
	Status    Status             `json:"status"`
	ErrorCode string             `json:"error_code,omitempty"`
	Error     string             `json:"error,omitempty"`
	Artifacts map[string]string  `json:"artifacts,omitempty"` // kind -> path
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	StartedAt core.Timestamp     `json:"started_at"`
	Duration  int64              `json:"duration_ms"`
}

// Start returns a result stamped with the current time
func Start(name Name) *Result {
	return &Result{
		Stage:     name,
		Artifacts: map[string]string{},
		Metrics:   map[string]float64{},
		StartedAt: core.Now(),
	}
}

// Finish records the duration and outcome
func (r *Result) Finish(code string, err error) *Result {
	r.Duration = r.StartedAt.Since().Milliseconds()
	if err != nil {
		r.Status = StatusFailed
		r.ErrorCode = code
		r.Error = err.Error()
		return r
	}
	r.Status = StatusSucceeded
	return r
}

// Succeeded reports whether the stage completed
func (r *Result) Succeeded() bool { return r.Status == StatusSucceeded }
