package differ

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const metadataFile = "metadata.json"

// Diff variants.
const (
	VariantSelfContained = "self_contained"
	VariantPatchOnly     = "patch_only"
)

// Algorithm describes how a diff was computed.
type Algorithm struct {
	Type    string   `json:"type"` // always jsondiff
	Exclude []string `json:"exclude,omitempty"`
}

// Stats are the coarse change counts of one diff.
type Stats struct {
	Add    int `json:"add"`
	Update int `json:"update"`
	Delete int `json:"delete"`
}

// FileInfo records one written diff file with its checksum and per-target
// sync markers.
type FileInfo struct {
	Name   string          `json:"name"`
	MD5    string          `json:"md5"`
	Count  int             `json:"count"`
	Synced map[string]bool `json:"synced,omitempty"`
}

// Metadata is the diff folder manifest: written once when the diff
// starts, rewritten at the end with final statistics, and rewritten by
// the syncer as files are applied.
type Metadata struct {
	Old        string         `json:"old"`
	New        string         `json:"new"`
	Variant    string         `json:"variant"`
	Algorithm  Algorithm      `json:"algorithm"`
	BatchSize  int            `json:"batch_size"`
	Stats      Stats          `json:"stats"`
	KeyCounts  map[string]int `json:"key_counts,omitempty"` // count step output
	Files      []FileInfo     `json:"diff_files"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at,omitempty"`
}

// SaveMetadata writes the manifest into the diff folder.
func SaveMetadata(folder string, m *Metadata) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(folder, metadataFile), raw, 0o644)
}

// LoadMetadata reads the manifest from a diff folder.
func LoadMetadata(folder string) (*Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(folder, metadataFile))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
