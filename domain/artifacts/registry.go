package artifacts

import (
	"encoding/json"
	"fmt"
	"sort"

	"flowids/domain/dataset"
)

// Kind names an artifact produced by some stage
type Kind string

const (
	KindDevTable     Kind = "dev_table"
	KindLabelMap     Kind = "label_map"
	KindScalerParams Kind = "scaler_params"
	KindTrainSplit   Kind = "train_split"
	KindValSplit     Kind = "val_split"
	KindTestSplit    Kind = "test_split"
	KindCheckpoint   Kind = "checkpoint"
	KindHistory      Kind = "training_history"
	KindHistoryCSV   Kind = "training_history_csv"
	KindGraph        Kind = "onnx_graph"
	KindVerification Kind = "verification_report"
	KindRunManifest  Kind = "run_manifest"
	KindReport       Kind = "report"
	KindReportHTML   Kind = "report_html"
)

// Format is the on-disk encoding of an artifact
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatONNX     Format = "onnx"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// Schema defines the structure of an artifact
type Schema struct {
	Kind          Kind
	SchemaVersion string
	Format        Format
	Producer      string
	ValidateFunc  func(data []byte) error // nil for formats not validated in-process
}

// Registry maps artifact kinds to their schemas
var Registry = map[Kind]Schema{
	KindDevTable:     {Kind: KindDevTable, SchemaVersion: "1.0.0", Format: FormatCSV, Producer: "ingest"},
	KindLabelMap:     {Kind: KindLabelMap, SchemaVersion: "1.0.0", Format: FormatJSON, Producer: "preprocess", ValidateFunc: validateLabelMap},
	KindScalerParams: {Kind: KindScalerParams, SchemaVersion: "1.0.0", Format: FormatJSON, Producer: "preprocess", ValidateFunc: validateScalerParams},
	KindTrainSplit:   {Kind: KindTrainSplit, SchemaVersion: "1.0.0", Format: FormatCSV, Producer: "preprocess"},
	KindValSplit:     {Kind: KindValSplit, SchemaVersion: "1.0.0", Format: FormatCSV, Producer: "preprocess"},
	KindTestSplit:    {Kind: KindTestSplit, SchemaVersion: "1.0.0", Format: FormatCSV, Producer: "preprocess"},
	KindCheckpoint:   {Kind: KindCheckpoint, SchemaVersion: "1.0.0", Format: FormatJSON, Producer: "train", ValidateFunc: validateCheckpoint},
	KindHistory:      {Kind: KindHistory, SchemaVersion: "1.0.0", Format: FormatJSON, Producer: "train", ValidateFunc: validateHistory},
	KindHistoryCSV:   {Kind: KindHistoryCSV, SchemaVersion: "1.0.0", Format: FormatCSV, Producer: "train"},
	KindGraph:        {Kind: KindGraph, SchemaVersion: "1.0.0", Format: FormatONNX, Producer: "export"},
	KindVerification: {Kind: KindVerification, SchemaVersion: "1.0.0", Format: FormatJSON, Producer: "verify", ValidateFunc: validateVerification},
	KindRunManifest:  {Kind: KindRunManifest, SchemaVersion: "1.0.0", Format: FormatJSON, Producer: "pipeline"},
	KindReport:       {Kind: KindReport, SchemaVersion: "1.0.0", Format: FormatMarkdown, Producer: "pipeline"},
	KindReportHTML:   {Kind: KindReportHTML, SchemaVersion: "1.0.0", Format: FormatHTML, Producer: "pipeline"},
}

// GetSchema returns the schema for an artifact kind
func GetSchema(kind Kind) (Schema, error) {
	schema, exists := Registry[kind]
	if !exists {
		return Schema{}, fmt.Errorf("unknown artifact kind: %s", kind)
	}
	return schema, nil
}

// Kinds returns every registered kind in sorted order
func Kinds() []Kind {
	out := make([]Kind, 0, len(Registry))
	for k := range Registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate decodes data as the given kind and checks it
func Validate(kind Kind, data []byte) error {
	schema, err := GetSchema(kind)
	if err != nil {
		return err
	}
	if schema.ValidateFunc == nil {
		return nil
	}
	if err := schema.ValidateFunc(data); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

func validateLabelMap(data []byte) error {
	var tax dataset.Taxonomy
	if err := json.Unmarshal(data, &tax); err != nil {
		return err
	}
	if tax.Len() == 0 {
		return fmt.Errorf("label map is empty")
	}
	return nil
}

func validateScalerParams(data []byte) error {
	var p dataset.ScalerParams
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	return p.Validate()
}

func validateCheckpoint(data []byte) error {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	return c.Validate()
}

func validateHistory(data []byte) error {
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	for i, e := range h.Epochs {
		if e.Epoch != i+1 {
			return fmt.Errorf("epoch %d recorded at position %d", e.Epoch, i)
		}
	}
	return nil
}

func validateVerification(data []byte) error {
	var r VerificationReport
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	if r.Matched > r.Samples {
		return fmt.Errorf("matched %d exceeds samples %d", r.Matched, r.Samples)
	}
	return nil
}
