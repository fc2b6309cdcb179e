package ingest

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"flowids/adapters/excel"
	"flowids/internal"
	"flowids/internal/config"
	"flowids/internal/errors"
	"flowids/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRulesNormalize(t *testing.T) {
	rules := DefaultRules()
	cases := map[string]string{
		"BENIGN":                        "Benign",
		"DDoS":                          "DoS",
		"DoS Hulk":                      "DoS",
		"DoS slowloris":                 "DoS",
		"Heartbleed":                    "DoS",
		"FTP-Patator":                   "Brute Force",
		"SSH-Patator":                   "Brute Force",
		"Infiltration":                  "PortScan",
		"PortScan":                      "PortScan",
		"Bot":                           "Bot",
		"Web Attack \u2013 Brute Force": "Web Attack",
		"Web Attack \u200b XSS":         "Web Attack",
		"Bot\u200b":                     "Bot",
		"":                              "",
	}
	for raw, want := range cases {
		assert.Equal(t, want, rules.Normalize(raw), "label %q", raw)
	}
}

func TestLoadRulesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
replace:
  BENIGN: Normal
contains:
  - pattern: scan
    label: Recon
`), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, "Normal", rules.Normalize("BENIGN"))
	assert.Equal(t, "Recon", rules.Normalize("PortScan"))

	def, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), def)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
}

func TestStratifiedSampleCounts(t *testing.T) {
	var labels []string
	for i := 0; i < 100; i++ {
		labels = append(labels, "A")
	}
	for i := 0; i < 25; i++ {
		labels = append(labels, "B")
	}
	for i := 0; i < 5; i++ {
		labels = append(labels, "C")
	}

	idx := StratifiedSample(labels, 0.1, rand.New(rand.NewSource(42)))
	counts := map[string]int{}
	seen := map[int]bool{}
	for _, i := range idx {
		assert.False(t, seen[i], "row %d drawn twice", i)
		seen[i] = true
		counts[labels[i]]++
	}
	assert.Equal(t, map[string]int{"A": 10, "B": 2}, counts)

	again := StratifiedSample(labels, 0.1, rand.New(rand.NewSource(42)))
	assert.Equal(t, idx, again)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestIngestorMergesFilesAndWritesArtifacts(t *testing.T) {
	raw := t.TempDir()
	out := filepath.Join(t.TempDir(), "dev.csv")

	// cp1252 en dash (0x96) in the web attack label, leading spaces in headers
	writeFile(t, raw, "monday.csv", " Flow Duration, Total Fwd Packets, Label\n1,2,BENIGN\n3,4,BENIGN\n5,6,DDoS\n7,8,\n")
	writeFile(t, raw, "thursday.csv", " Total Fwd Packets, Flow Duration, Label, Extra\n9,10,Web Attack \x96 XSS,1\n11,12,BENIGN,2\n")

	reader, err := excel.NewDataReader("windows-1252", internal.NewNopLogger())
	require.NoError(t, err)
	store := testkit.NewMemoryStore()
	cfg := config.Default().Ingest
	cfg.SampleFraction = 1

	in := NewIngestor(cfg, nil, reader, reader, store, testkit.RNGAdapter{}, internal.NewNopLogger())
	res, err := in.Run(context.Background(), raw, out)
	require.NoError(t, err)

	assert.Len(t, res.Files, 2)
	assert.Equal(t, 6, res.RawRows)
	assert.Equal(t, 1, res.DroppedRows)
	assert.Equal(t, 5, res.DevRows)
	assert.Equal(t, map[string]int{"Benign": 3, "DoS": 1, "Web Attack": 1}, res.ClassCounts)
	assert.Equal(t, []string{"Flow Duration", "Total Fwd Packets", "Label", "Extra"}, res.Table.Header)

	tax, err := store.LoadTaxonomy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Benign", "DoS", "Web Attack"}, tax.Labels())

	written, err := reader.ReadTable(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 5, written.NumRows())
	for _, row := range written.Rows {
		if row[2] == "Web Attack" {
			assert.Equal(t, []string{"10", "9", "Web Attack", "1"}, row)
		}
	}
}

func TestIngestorRequiresFilesAndLabelColumn(t *testing.T) {
	reader, err := excel.NewDataReader("utf-8", nil)
	require.NoError(t, err)
	in := NewIngestor(config.Default().Ingest, nil, reader, reader, testkit.NewMemoryStore(), testkit.RNGAdapter{}, nil)

	empty := t.TempDir()
	_, err = in.Run(context.Background(), empty, filepath.Join(empty, "dev.csv"))
	assert.Equal(t, errors.CodeInputContract, errors.GetCode(err))

	writeFile(t, empty, "a.csv", "x,y\n1,2\n")
	_, err = in.Run(context.Background(), empty, filepath.Join(empty, "dev.csv"))
	assert.Equal(t, errors.CodeInputContract, errors.GetCode(err))
}

func TestAppendTableSuffixesDuplicateColumns(t *testing.T) {
	reader, err := excel.NewDataReader("utf-8", nil)
	require.NoError(t, err)
	dir := t.TempDir()
	writeFile(t, dir, "dup.csv", "Fwd Header Length,Fwd Header Length,Label\n1,2,BENIGN\n")

	cfg := config.Default().Ingest
	cfg.SampleFraction = 1
	res, err := NewIngestor(cfg, nil, reader, reader, testkit.NewMemoryStore(), testkit.RNGAdapter{}, nil).
		Run(context.Background(), dir, filepath.Join(t.TempDir(), "dev.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Fwd Header Length", "Fwd Header Length.1", "Label"}, res.Table.Header)
	assert.Equal(t, []string{"1", "2", "Benign"}, res.Table.Rows[0])
}
