package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/nightsync/internal/checksum"
	"github.com/BadgerOps/nightsync/internal/ledger"
)

// AuditManifestName is the file written beside a night's ledgers.
const AuditManifestName = "audit.json"

// AuditManifest is the on-disk record of a night audit.
type AuditManifest struct {
	Version   string         `json:"version"`
	RunID     string         `json:"run_id"`
	Created   time.Time      `json:"created"`
	Telescope string         `json:"telescope"`
	Night     string         `json:"night"`
	Verdict   Verdict        `json:"verdict"`
	Eligible  bool           `json:"deletion_eligible"`
	Staged    []StagedMove   `json:"staged,omitempty"`
	Sources   int            `json:"source_count"`
	Targets   []TargetAudit  `json:"targets"`
	Reasons   []string       `json:"reasons,omitempty"`
	Inventory []ManifestFile `json:"file_inventory"`
}

// ManifestFile is one source file as seen by the audit.
type ManifestFile struct {
	Path   string          `json:"path"`
	Size   int64           `json:"size"`
	SHA256 checksum.Digest `json:"sha256,omitempty"`
}

// ManifestPath returns where the audit manifest of a night lives.
func ManifestPath(ledgerDir, telescope, night string) string {
	return filepath.Join(ledger.NightDir(ledgerDir, telescope, night), AuditManifestName)
}

// writeManifest writes the manifest and its .sha256 sidecar.
func writeManifest(p string, m *AuditManifest) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling audit manifest: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing audit manifest: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("writing audit manifest: %w", err)
	}

	sum, err := checksum.File(p)
	if err != nil {
		return fmt.Errorf("hashing audit manifest: %w", err)
	}
	sidecar := fmt.Sprintf("%s  %s\n", sum, filepath.Base(p))
	if err := os.WriteFile(p+".sha256", []byte(sidecar), 0o644); err != nil {
		return fmt.Errorf("writing audit manifest sha256: %w", err)
	}
	return nil
}

// ReadManifest loads an audit manifest.
func ReadManifest(p string) (*AuditManifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading audit manifest: %w", err)
	}
	var m AuditManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing audit manifest: %w", err)
	}
	return &m, nil
}
