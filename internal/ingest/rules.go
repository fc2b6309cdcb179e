// Package ingest merges raw flow captures into a labelled development table.
package ingest

import (
	"os"
	"strings"
	"unicode"

	"flowids/internal/errors"

	"gopkg.in/yaml.v3"
)

// ContainsRule relabels any label containing Pattern (case-insensitive)
type ContainsRule struct {
	Pattern string `yaml:"pattern"`
	Label   string `yaml:"label"`
}

// Rules maps raw capture labels onto the canonical taxonomy. Replace is
// applied first on the raw text, then non-printable runes are stripped, then
// every Contains rule is applied in order to the running result.
type Rules struct {
	Replace  map[string]string `yaml:"replace"`
	Contains []ContainsRule    `yaml:"contains"`
}

// DefaultRules folds CIC-IDS2017 labels into six classes. Infiltration is
// grouped with PortScan.
func DefaultRules() *Rules {
	return &Rules{
		Replace: map[string]string{
			"Web Attack  Brute Force":   "Web Attack",
			"Web Attack  XSS":           "Web Attack",
			"Web Attack  Sql Injection": "Web Attack",
			"DoS slowloris":             "DoS",
			"DoS Slowhttptest":          "DoS",
			"DoS Hulk":                  "DoS",
			"DoS GoldenEye":             "DoS",
			"Heartbleed":                "DoS",
			"FTP-Patator":               "Brute Force",
			"SSH-Patator":               "Brute Force",
			"Infiltration":              "PortScan",
			"Bot":                       "Bot",
			"PortScan":                  "PortScan",
			"DDoS":                      "DoS",
			"BENIGN":                    "Benign",
		},
		Contains: []ContainsRule{
			{Pattern: "Web Attack", Label: "Web Attack"},
			{Pattern: "DoS", Label: "DoS"},
			{Pattern: "Heartbleed", Label: "DoS"},
			{Pattern: "Patator", Label: "Brute Force"},
			{Pattern: "Infiltration", Label: "PortScan"},
			{Pattern: "Bot", Label: "Bot"},
			{Pattern: "PortScan", Label: "PortScan"},
		},
	}
}

// LoadRules reads rules from a YAML file; an empty path yields DefaultRules
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigInvalid("cannot read taxonomy rules: " + err.Error())
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, errors.ConfigInvalid("invalid taxonomy rules: " + err.Error())
	}
	for i, c := range r.Contains {
		if c.Pattern == "" || c.Label == "" {
			return nil, errors.ConfigInvalid("taxonomy rule " + c.Pattern + " needs a pattern and a label")
		}
		r.Contains[i].Pattern = strings.TrimSpace(c.Pattern)
	}
	return &r, nil
}

// Normalize maps one raw label to its canonical class
func (r *Rules) Normalize(raw string) string {
	label := raw
	if v, ok := r.Replace[label]; ok {
		label = v
	}
	label = stripNonPrintable(label)
	for _, c := range r.Contains {
		if containsFold(label, c.Pattern) {
			label = c.Label
		}
	}
	return strings.TrimSpace(label)
}

func stripNonPrintable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
