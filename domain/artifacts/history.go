package artifacts

// EpochRecord is one row of the training history
type EpochRecord struct {
	Epoch        int     `json:"epoch" csv:"epoch"`
	TrainLoss    float64 `json:"train_loss" csv:"train_loss"`
	TrainAcc     float64 `json:"train_acc" csv:"train_acc"`
	ValLoss      float64 `json:"val_loss" csv:"val_loss"`
	ValAcc       float64 `json:"val_acc" csv:"val_acc"`
	ValPrecision float64 `json:"val_precision" csv:"val_precision"`
	ValRecall    float64 `json:"val_recall" csv:"val_recall"`
	ValF1        float64 `json:"val_f1" csv:"val_f1"`
	LearningRate float64 `json:"learning_rate" csv:"learning_rate"`
	Checkpointed bool    `json:"checkpointed" csv:"checkpointed"`
	DurationMS   int64   `json:"duration_ms" csv:"duration_ms"`
}

// History is the ordered list of completed epochs
type History struct {
	Epochs       []EpochRecord `json:"epochs"`
	BestEpoch    int           `json:"best_epoch"`
	StoppedEarly bool          `json:"stopped_early"`
	FinalValLoss float64       `json:"final_val_loss"`
	FinalValAcc  float64       `json:"final_val_acc"`
	FinalValF1   float64       `json:"final_val_f1"`
	ClassNames   []string      `json:"class_names,omitempty"`
	PerClassF1   []float64     `json:"per_class_f1,omitempty"`
}

// Last returns the final epoch record, or false when empty
func (h *History) Last() (EpochRecord, bool) {
	if len(h.Epochs) == 0 {
		return EpochRecord{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// LearningRates returns the learning rate in effect at each epoch
func (h *History) LearningRates() []float64 {
	out := make([]float64, len(h.Epochs))
	for i, e := range h.Epochs {
		out[i] = e.LearningRate
	}
	return out
}
