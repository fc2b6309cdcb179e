package artifacts

// SampleMismatch records one verification sample whose outputs diverged
type SampleMismatch struct {
	Index      int     `json:"index"`
	ModelClass int     `json:"model_class"`
	GraphClass int     `json:"graph_class"`
	MaxDelta   float64 `json:"max_delta"`
}

// VerificationReport compares the in-memory model with the exported graph
type VerificationReport struct {
	GraphPath    string           `json:"graph_path"`
	Engine       string           `json:"engine"`
	Samples      int              `json:"samples"`
	Matched      int              `json:"matched"`
	MaxProbDelta float64          `json:"max_prob_delta"`
	Tolerance    float64          `json:"tolerance"`
	Verified     bool             `json:"verified"`
	Mismatches   []SampleMismatch `json:"mismatches,omitempty"`
}

// MatchRate returns the fraction of samples whose predicted class agreed
func (r *VerificationReport) MatchRate() float64 {
	if r.Samples == 0 {
		return 0
	}
	return float64(r.Matched) / float64(r.Samples)
}
