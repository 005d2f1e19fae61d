package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/nightsync/internal/target"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Telescopes    []TelescopeConfig `yaml:"telescopes"`
	Targets       []TargetConfig    `yaml:"targets"`
	LedgerDir     string            `yaml:"ledger_dir"`
	DBPath        string            `yaml:"db_path"`
	RetentionDays int               `yaml:"retention_days"`
	Compression   CompressionConfig `yaml:"compression"`
	Watch         WatchConfig       `yaml:"watch"`
	ProbeTimeout  time.Duration     `yaml:"probe_timeout"`
	Metrics       MetricsConfig     `yaml:"metrics"`
}

// TelescopeConfig describes one telescope's source volume.
type TelescopeConfig struct {
	ID         string `yaml:"id"`
	SourceRoot string `yaml:"source_root"`
	CaptureDir string `yaml:"capture_dir"`
	// Targets limits replication to the named targets. Empty means all.
	Targets []string `yaml:"targets"`
}

// TargetConfig is one replica destination. Which fields apply depends on
// Kind.
type TargetConfig struct {
	Name     string      `yaml:"name"`
	Kind     target.Kind `yaml:"kind"`
	Required *bool       `yaml:"required"`

	Root           string  `yaml:"root"`
	Reserve        string  `yaml:"reserve"`
	MinFreePercent float64 `yaml:"min_free_percent"`
	SizeOffset     string  `yaml:"size_offset"`

	// remote-shell
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	User                  string        `yaml:"user"`
	KeyFile               string        `yaml:"key_file"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`

	// object-store
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// CompressionConfig holds image compression settings
type CompressionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// WatchConfig holds watch loop settings
type WatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	CutoffHour   int           `yaml:"cutoff_hour"`
	SettlePolls  int           `yaml:"settle_polls"`
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LedgerDir:     "/var/lib/nightsync/ledger",
		DBPath:        "/var/lib/nightsync/nightsync.db",
		RetentionDays: 7,
		Compression: CompressionConfig{
			Enabled: false,
			Level:   "default",
		},
		Watch: WatchConfig{
			PollInterval: 5 * time.Second,
			CutoffHour:   9,
			SettlePolls:  2,
		},
		ProbeTimeout: 5 * time.Second,
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"nightsync.yaml",
		"/etc/nightsync/nightsync.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "nightsync", "nightsync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks the configuration for mistakes that would only surface
// in the middle of a night.
func (c *Config) Validate() error {
	var problems []string

	telescopes := map[string]bool{}
	for i, t := range c.Telescopes {
		switch {
		case t.ID == "":
			problems = append(problems, fmt.Sprintf("telescopes[%d]: id is required", i))
		case telescopes[t.ID]:
			problems = append(problems, fmt.Sprintf("telescope %q defined twice", t.ID))
		}
		telescopes[t.ID] = true
		if t.SourceRoot == "" {
			problems = append(problems, fmt.Sprintf("telescope %q: source_root is required", t.ID))
		}
	}

	targets := map[string]bool{}
	for i, t := range c.Targets {
		if t.Name == "" {
			problems = append(problems, fmt.Sprintf("targets[%d]: name is required", i))
		} else if targets[t.Name] {
			problems = append(problems, fmt.Sprintf("target %q defined twice", t.Name))
		}
		targets[t.Name] = true
		problems = append(problems, t.problems()...)
	}

	for _, tel := range c.Telescopes {
		for _, name := range tel.Targets {
			if !targets[name] {
				problems = append(problems, fmt.Sprintf("telescope %q: unknown target %q", tel.ID, name))
			}
		}
	}

	if c.LedgerDir == "" {
		problems = append(problems, "ledger_dir is required")
	}
	if c.RetentionDays < 0 {
		problems = append(problems, "retention_days must not be negative")
	}
	if c.Watch.CutoffHour < 0 || c.Watch.CutoffHour > 23 {
		problems = append(problems, "watch.cutoff_hour must be between 0 and 23")
	}
	if c.Watch.PollInterval < 0 || c.Watch.SettlePolls < 0 {
		problems = append(problems, "watch settings must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (t TargetConfig) problems() []string {
	var p []string
	name := t.Name
	if !t.Kind.Valid() {
		return append(p, fmt.Sprintf("target %q: unknown kind %q", name, t.Kind))
	}
	switch t.Kind {
	case target.KindLocalDisk, target.KindLocalExternal:
		if t.Root == "" {
			p = append(p, fmt.Sprintf("target %q: root is required", name))
		}
	case target.KindRemoteShell:
		if t.Host == "" || t.Root == "" {
			p = append(p, fmt.Sprintf("target %q: host and root are required", name))
		}
		if t.Port < 0 || t.Port > 65535 {
			p = append(p, fmt.Sprintf("target %q: invalid port %d", name, t.Port))
		}
	case target.KindObjectStore:
		if t.Bucket == "" {
			p = append(p, fmt.Sprintf("target %q: bucket is required", name))
		}
	}
	if _, err := t.Threshold(); err != nil {
		p = append(p, fmt.Sprintf("target %q: %v", name, err))
	}
	return p
}

// IsRequired reports whether the target must reconcile for a night to pass
// its audit. Targets are required unless configured otherwise.
func (t TargetConfig) IsRequired() bool {
	return t.Required == nil || *t.Required
}

// Threshold parses the headroom settings.
func (t TargetConfig) Threshold() (target.Threshold, error) {
	th := target.Threshold{MinFreePercent: t.MinFreePercent}
	if t.Reserve != "" {
		n, err := ParseSize(t.Reserve)
		if err != nil {
			return th, fmt.Errorf("reserve: %w", err)
		}
		th.Reserve = n
	}
	if t.SizeOffset != "" {
		n, err := ParseOffset(t.SizeOffset)
		if err != nil {
			return th, fmt.Errorf("size_offset: %w", err)
		}
		th.SizeOffset = n
	}
	if err := th.Validate(); err != nil {
		return th, err
	}
	return th, nil
}

// Telescope returns the telescope with the given id.
func (c *Config) Telescope(id string) (*TelescopeConfig, error) {
	for i := range c.Telescopes {
		if c.Telescopes[i].ID == id {
			return &c.Telescopes[i], nil
		}
	}
	return nil, fmt.Errorf("telescope %q not configured", id)
}

// TargetsFor returns the targets a telescope replicates to.
func (c *Config) TargetsFor(tel *TelescopeConfig) []TargetConfig {
	if len(tel.Targets) == 0 {
		return c.Targets
	}
	want := make(map[string]bool, len(tel.Targets))
	for _, n := range tel.Targets {
		want[n] = true
	}
	var out []TargetConfig
	for _, t := range c.Targets {
		if want[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// ParseSize parses a human-readable size string like "25GB" into bytes.
// Supports B, KB, MB, GB, TB suffixes (case-insensitive).
// A plain number is treated as bytes.
func ParseSize(s string) (int64, error) {
	n, err := ParseOffset(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}
	return n, nil
}

// ParseOffset is ParseSize with an optional sign, for size corrections
// such as "-2TB".
func ParseOffset(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.ToUpper(s)

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			if numStr == "" || numStr == "-" || numStr == "+" {
				return 0, fmt.Errorf("missing number in size: %s", s)
			}
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number in size %q: %w", s, err)
			}
			return n * m.mult, nil
		}
	}

	// Plain number = bytes
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
