package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/nightsync/internal/target"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"ledger dir", func(c *Config) string { return c.LedgerDir }, "/var/lib/nightsync/ledger"},
		{"db path", func(c *Config) string { return c.DBPath }, "/var/lib/nightsync/nightsync.db"},
		{"compression level", func(c *Config) string { return c.Compression.Level }, "default"},
		{"poll interval", func(c *Config) string { return c.Watch.PollInterval.String() }, "5s"},
		{"probe timeout", func(c *Config) string { return c.ProbeTimeout.String() }, "5s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.RetentionDays)
	}
	if cfg.Watch.CutoffHour != 9 || cfg.Watch.SettlePolls != 2 {
		t.Errorf("Watch = %+v", cfg.Watch)
	}
	if cfg.Compression.Enabled {
		t.Error("compression should be off by default")
	}
}

const sampleConfig = `
telescopes:
  - id: t1
    source_root: /data/t1
  - id: t2
    source_root: /data/t2
    capture_dir: /data/t2/Images/incoming
    targets: [backup-disk]
targets:
  - name: backup-disk
    kind: local-disk
    root: /mnt/backup
    reserve: 200GB
    size_offset: "-2TB"
  - name: archive
    kind: remote-shell
    host: archive.example.org
    port: 2222
    user: obs
    key_file: ~/.ssh/id_ed25519
    known_hosts: ~/.ssh/known_hosts
    root: /archive
    command_timeout: 2m
  - name: offsite
    kind: object-store
    bucket: telescope-archive
    prefix: t1
    region: us-east-1
    required: false
ledger_dir: /srv/ledger
retention_days: 14
compression: { enabled: true, level: better }
watch: { poll_interval: 10s, cutoff_hour: 8 }
probe_timeout: 3s
metrics: { textfile: /var/lib/node_exporter/nightsync.prom }
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "nightsync.yaml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return p
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	if len(cfg.Telescopes) != 2 || len(cfg.Targets) != 3 {
		t.Fatalf("telescopes=%d targets=%d", len(cfg.Telescopes), len(cfg.Targets))
	}
	if cfg.LedgerDir != "/srv/ledger" || cfg.RetentionDays != 14 {
		t.Errorf("ledger_dir=%q retention_days=%d", cfg.LedgerDir, cfg.RetentionDays)
	}
	// Unset keys keep their defaults.
	if cfg.DBPath != "/var/lib/nightsync/nightsync.db" || cfg.Watch.SettlePolls != 2 {
		t.Errorf("defaults lost: db_path=%q settle_polls=%d", cfg.DBPath, cfg.Watch.SettlePolls)
	}
	if cfg.Watch.PollInterval != 10*time.Second || cfg.Watch.CutoffHour != 8 || cfg.ProbeTimeout != 3*time.Second {
		t.Errorf("watch=%+v probe_timeout=%v", cfg.Watch, cfg.ProbeTimeout)
	}
	if !cfg.Compression.Enabled || cfg.Compression.Level != "better" {
		t.Errorf("compression = %+v", cfg.Compression)
	}
	if cfg.Metrics.Textfile != "/var/lib/node_exporter/nightsync.prom" {
		t.Errorf("metrics textfile = %q", cfg.Metrics.Textfile)
	}

	archive := cfg.Targets[1]
	if archive.Kind != target.KindRemoteShell || archive.Port != 2222 || archive.CommandTimeout != 2*time.Minute {
		t.Errorf("archive = %+v", archive)
	}
	if !cfg.Targets[0].IsRequired() || cfg.Targets[2].IsRequired() {
		t.Error("required defaults to true and honours false")
	}

	th, err := cfg.Targets[0].Threshold()
	if err != nil {
		t.Fatalf("Threshold() failed: %v", err)
	}
	if th.Reserve != 200<<30 || th.SizeOffset != -2<<40 {
		t.Errorf("threshold = %+v", th)
	}
}

func TestTelescopeLookup(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	t2, err := cfg.Telescope("t2")
	if err != nil {
		t.Fatalf("Telescope() failed: %v", err)
	}
	if got := cfg.TargetsFor(t2); len(got) != 1 || got[0].Name != "backup-disk" {
		t.Errorf("TargetsFor(t2) = %+v", got)
	}
	t1, _ := cfg.Telescope("t1")
	if got := cfg.TargetsFor(t1); len(got) != 3 {
		t.Errorf("TargetsFor(t1) = %d targets, want all 3", len(got))
	}
	if _, err := cfg.Telescope("t9"); err == nil {
		t.Error("expected error for unknown telescope")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Telescopes = []TelescopeConfig{{ID: "t1", SourceRoot: "/data/t1"}}
		cfg.Targets = []TargetConfig{{Name: "backup", Kind: target.KindLocalDisk, Root: "/mnt/backup"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"duplicate target", func(c *Config) { c.Targets = append(c.Targets, c.Targets[0]) }, "defined twice"},
		{"unknown kind", func(c *Config) { c.Targets[0].Kind = "tape" }, "unknown kind"},
		{"negative reserve", func(c *Config) { c.Targets[0].Reserve = "-5GB" }, "negative size"},
		{"bad percent", func(c *Config) { c.Targets[0].MinFreePercent = 120 }, "min_free_percent"},
		{"remote without host", func(c *Config) {
			c.Targets[0] = TargetConfig{Name: "archive", Kind: target.KindRemoteShell, Root: "/archive"}
		}, "host and root"},
		{"bucket required", func(c *Config) {
			c.Targets[0] = TargetConfig{Name: "offsite", Kind: target.KindObjectStore}
		}, "bucket"},
		{"telescope without root", func(c *Config) { c.Telescopes[0].SourceRoot = "" }, "source_root"},
		{"unknown telescope target", func(c *Config) { c.Telescopes[0].Targets = []string{"nope"} }, "unknown target"},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }, "retention_days"},
		{"bad cutoff", func(c *Config) { c.Watch.CutoffHour = 24 }, "cutoff_hour"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "targets:\n  - name: [unclosed bracket\n"))
	if err == nil {
		t.Error("Load() succeeded, want error for invalid YAML")
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("Load() succeeded, want error for nonexistent file")
	}
}

// TestFindConfigFileFound tests that FindConfigFile returns the found config
func TestFindConfigFileFound(t *testing.T) {
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("failed to restore working directory: %v", err)
		}
	})

	if err := os.WriteFile(filepath.Join(tempDir, "nightsync.yaml"), []byte("ledger_dir: /tmp/l\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	found, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() failed: %v", err)
	}
	if found != "nightsync.yaml" {
		t.Errorf("FindConfigFile() = %q, want nightsync.yaml", found)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"100B", 100, false},
		{"1KB", 1024, false},
		{"1MB", 1024 * 1024, false},
		{"25GB", 25 * 1024 * 1024 * 1024, false},
		{"1TB", 1024 * 1024 * 1024 * 1024, false},
		{"500mb", 500 * 1024 * 1024, false},
		{"1024", 1024, false},
		{"", 0, true},
		{"GB", 0, true},
		{"-1GB", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseSize(%q) expected error, got %d", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSize(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"-2TB", -2 * 1024 * 1024 * 1024 * 1024, false},
		{"+10GB", 10 * 1024 * 1024 * 1024, false},
		{"0", 0, false},
		{"-512", -512, false},
		{"-", 0, true},
		{"-GB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOffset(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseOffset(%q) expected error, got %d", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOffset(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseOffset(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}
