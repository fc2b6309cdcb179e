// Package report renders a run summary as Markdown and HTML.
package report

import (
	"fmt"
	"sort"
	"strings"

	"flowids/domain/artifacts"
	"flowids/domain/dataset"
	"flowids/domain/run"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
)

// ReferenceEngine is the engine name the pure-Go runtime writes into reports
const ReferenceEngine = "reference"

// Input gathers what a run produced. Any section may be nil when the run
// stopped before producing it.
type Input struct {
	Manifest      *run.Manifest
	ClassNames    []string
	SplitSizes    map[dataset.SplitName]int
	ClassDist     map[dataset.SplitName][]int
	ZeroVariance  []string
	Profile       []dataset.FeatureProfile
	InfReplaced   int
	MissingFilled int
	Warnings      []string
	History       *artifacts.History
	Verification  *artifacts.VerificationReport
}

// Markdown renders the report body
func Markdown(in Input) []byte {
	var b strings.Builder

	b.WriteString("# Intrusion classifier training report\n\n")
	if m := in.Manifest; m != nil {
		b.WriteString(fmt.Sprintf("- Run: `%s`\n", m.RunID))
		b.WriteString(fmt.Sprintf("- Seed: %d\n", m.Seed))
		b.WriteString(fmt.Sprintf("- Config hash: `%s`\n", short(m.ConfigHash)))
		if m.Fingerprint.Fingerprint != "" {
			b.WriteString(fmt.Sprintf("- Fingerprint: `%s`\n", m.Fingerprint.Fingerprint.Short()))
		}
		status := "succeeded"
		if !m.Succeeded {
			status = "failed"
		}
		b.WriteString(fmt.Sprintf("- Status: %s\n", status))
		b.WriteString("\n")
		writeStages(&b, m)
	}

	writeData(&b, in)
	writeTraining(&b, in)
	writeVerification(&b, in.Verification)
	return []byte(b.String())
}

// HTML renders markdown as a standalone page
func HTML(md []byte) []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	r := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.CompletePage | html.HrefTargetBlank,
		Title: "flowids training report",
	})
	return markdown.ToHTML(md, p, r)
}

func writeStages(b *strings.Builder, m *run.Manifest) {
	if len(m.Stages) == 0 {
		return
	}
	b.WriteString("## Stages\n\n")
	b.WriteString("| stage | status | duration (ms) | error |\n|---|---|---:|---|\n")
	for _, s := range m.Stages {
		errText := ""
		if s.Error != "" {
			errText = fmt.Sprintf("%s: %s", s.ErrorCode, escape(s.Error))
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %d | %s |\n", s.Stage, s.Status, s.Duration, errText))
	}
	b.WriteString("\n")
}

func writeData(b *strings.Builder, in Input) {
	if len(in.SplitSizes) == 0 {
		return
	}
	b.WriteString("## Data\n\n")
	header := "| split | rows |"
	rule := "|---|---:|"
	for _, c := range in.ClassNames {
		header += " " + escape(c) + " |"
		rule += "---:|"
	}
	b.WriteString(header + "\n" + rule + "\n")
	for _, name := range dataset.AllSplits {
		row := fmt.Sprintf("| %s | %d |", name, in.SplitSizes[name])
		dist := in.ClassDist[name]
		for k := range in.ClassNames {
			n := 0
			if k < len(dist) {
				n = dist[k]
			}
			row += fmt.Sprintf(" %d |", n)
		}
		b.WriteString(row + "\n")
	}
	b.WriteString("\n")

	if in.InfReplaced > 0 || in.MissingFilled > 0 {
		b.WriteString(fmt.Sprintf("Cleaning replaced %d infinite values and filled %d missing values with zero.\n\n",
			in.InfReplaced, in.MissingFilled))
	}
	if len(in.ZeroVariance) > 0 {
		names := append([]string(nil), in.ZeroVariance...)
		sort.Strings(names)
		b.WriteString(fmt.Sprintf("Zero-variance features (scale fixed at 1.0): %s\n\n", strings.Join(names, ", ")))
	}
	for _, w := range in.Warnings {
		b.WriteString(fmt.Sprintf("> warning: %s\n\n", w))
	}
	writeProfile(b, in.Profile)
}

func writeProfile(b *strings.Builder, profile []dataset.FeatureProfile) {
	if len(profile) == 0 {
		return
	}
	b.WriteString("### Feature profile\n\n")
	b.WriteString("Raw training-split values, before standardization.\n\n")
	b.WriteString("| feature | mean | std | min | q25 | median | q75 | max |\n")
	b.WriteString("|---|---:|---:|---:|---:|---:|---:|---:|\n")
	for _, p := range profile {
		b.WriteString(fmt.Sprintf("| %s | %.4g | %.4g | %.4g | %.4g | %.4g | %.4g | %.4g |\n",
			escape(p.Name), p.Mean, p.StdDev, p.Min, p.Q25, p.Median, p.Q75, p.Max))
	}
	b.WriteString("\n")
}

func writeTraining(b *strings.Builder, in Input) {
	h := in.History
	if h == nil || len(h.Epochs) == 0 {
		return
	}
	b.WriteString("## Training\n\n")
	b.WriteString("| epoch | train loss | train acc | val loss | val acc | val F1 | lr | best |\n")
	b.WriteString("|---:|---:|---:|---:|---:|---:|---:|:---:|\n")
	for _, e := range h.Epochs {
		mark := ""
		if e.Checkpointed {
			mark = "*"
		}
		b.WriteString(fmt.Sprintf("| %d | %.4f | %.4f | %.4f | %.4f | %.4f | %.2e | %s |\n",
			e.Epoch, e.TrainLoss, e.TrainAcc, e.ValLoss, e.ValAcc, e.ValF1, e.LearningRate, mark))
	}
	b.WriteString("\n")

	stop := "epoch budget exhausted"
	if h.StoppedEarly {
		stop = "early stopping"
	}
	b.WriteString(fmt.Sprintf("Stopped after %d epochs (%s). Best checkpoint: epoch %d.\n\n", len(h.Epochs), stop, h.BestEpoch))
	b.WriteString("### Final validation metrics (best checkpoint)\n\n")
	b.WriteString(fmt.Sprintf("- Loss: %.4f\n- Accuracy: %.4f\n- Weighted F1: %.4f\n\n", h.FinalValLoss, h.FinalValAcc, h.FinalValF1))

	if len(h.PerClassF1) > 0 {
		names := h.ClassNames
		if len(names) == 0 {
			names = in.ClassNames
		}
		b.WriteString("| class | F1 |\n|---|---:|\n")
		for k, f1 := range h.PerClassF1 {
			name := fmt.Sprintf("class %d", k)
			if k < len(names) {
				name = escape(names[k])
			}
			b.WriteString(fmt.Sprintf("| %s | %.4f |\n", name, f1))
		}
		b.WriteString("\n")
	}
}

func writeVerification(b *strings.Builder, v *artifacts.VerificationReport) {
	if v == nil {
		return
	}
	b.WriteString("## Export verification\n\n")
	outcome := "PASSED"
	if !v.Verified {
		outcome = "FAILED"
	}
	b.WriteString(fmt.Sprintf("%s with the %s runtime: %d/%d predictions matched, max probability delta %.3g (tolerance %.1g).\n\n",
		outcome, v.Engine, v.Matched, v.Samples, v.MaxProbDelta, v.Tolerance))
	if v.Engine == ReferenceEngine {
		b.WriteString("> note: parity was checked only with the built-in reference runtime, not with ONNX Runtime. " +
			"Set `export.ort_lib_path` (or `ORT_LIB_PATH`) to verify against the engine that serves the model.\n\n")
	}
	if len(v.Mismatches) > 0 {
		b.WriteString("| test row | model class | graph class | max delta |\n|---:|---:|---:|---:|\n")
		for _, m := range v.Mismatches {
			b.WriteString(fmt.Sprintf("| %d | %d | %d | %.3g |\n", m.Index, m.ModelClass, m.GraphClass, m.MaxDelta))
		}
		b.WriteString("\n")
	}
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
