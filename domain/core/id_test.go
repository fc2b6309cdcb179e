package core

import (
	"os"
	"path/filepath"
	"testing"
)

// TestNewIDUniqueness tests that NewID generates unique identifiers
func TestNewIDUniqueness(t *testing.T) {
	const numIDs = 10000

	ids := make(map[ID]bool, numIDs)
	for i := 0; i < numIDs; i++ {
		id := NewID()
		if id.IsEmpty() {
			t.Errorf("Generated empty ID at iteration %d", i)
		}
		if ids[id] {
			t.Errorf("Generated duplicate ID: %s", id)
		}
		ids[id] = true
	}

	if len(ids) != numIDs {
		t.Errorf("Expected %d unique IDs, got %d", numIDs, len(ids))
	}
}

func TestParseRunID(t *testing.T) {
	tests := []struct {
		input    string
		expected RunID
		hasError bool
	}{
		{"run-123", RunID("run-123"), false},
		{"", "", true},
		{"   ", "", true},
	}

	for _, test := range tests {
		result, err := ParseRunID(test.input)
		if test.hasError && err == nil {
			t.Errorf("Expected error for input '%s', but got none", test.input)
		}
		if !test.hasError && err != nil {
			t.Errorf("Unexpected error for input '%s': %v", test.input, err)
		}
		if result != test.expected {
			t.Errorf("Expected %s, got %s", test.expected, result)
		}
	}
}

func TestHashFileMatchesNewHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.bin")
	data := []byte("scaler params")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if !got.Equals(NewHash(data)) {
		t.Errorf("HashFile = %s, want %s", got, NewHash(data))
	}
	if len(got.Short()) != 12 {
		t.Errorf("Short() length = %d", len(got.Short()))
	}
}

func TestArtifactSetHashOrderIndependent(t *testing.T) {
	a := map[string]Hash{"a": "1", "b": "2", "c": "3"}
	b := map[string]Hash{"c": "3", "a": "1", "b": "2"}
	if ComputeArtifactSetHash(a) != ComputeArtifactSetHash(b) {
		t.Error("artifact set hash depends on insertion order")
	}
	b["c"] = "4"
	if ComputeArtifactSetHash(a) == ComputeArtifactSetHash(b) {
		t.Error("artifact set hash ignores content")
	}
}
