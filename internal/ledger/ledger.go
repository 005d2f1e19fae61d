// Package ledger keeps the append-only per-night, per-target transfer record
// that audits are decided from.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BadgerOps/nightsync/internal/checksum"
)

// Outcome is the terminal result recorded for a file.
type Outcome string

const (
	Success Outcome = "Success"
	Failed  Outcome = "Failed"
)

const fileSuffix = ".ledger"

// Entry is one ledger line.
type Entry struct {
	Outcome      Outcome
	LocalPath    string
	LocalDigest  checksum.Digest
	Location     string
	RemoteDigest checksum.Digest
}

// String renders the entry as a ledger line without the newline.
func (e Entry) String() string {
	local := sanitize(e.LocalPath)
	if e.Outcome == Success {
		return fmt.Sprintf("Success: %s,%s,%s,%s", local, e.LocalDigest, sanitize(e.Location), e.RemoteDigest)
	}
	return fmt.Sprintf("Failed: %s,%s,,,", local, e.LocalDigest)
}

func sanitize(s string) string {
	return strings.NewReplacer("\n", "?", "\r", "?").Replace(s)
}

var (
	successRe = regexp.MustCompile(`^Success: (.*?),([0-9a-f]{64}),(.*),([0-9a-f]{64})$`)
	failedRe  = regexp.MustCompile(`^Failed: (.*?),([0-9a-f]{64})?,,,$`)
)

// ParseLine parses one ledger line.
func ParseLine(line string) (Entry, error) {
	if m := successRe.FindStringSubmatch(line); m != nil {
		return Entry{
			Outcome:      Success,
			LocalPath:    m[1],
			LocalDigest:  checksum.Digest(m[2]),
			Location:     m[3],
			RemoteDigest: checksum.Digest(m[4]),
		}, nil
	}
	if m := failedRe.FindStringSubmatch(line); m != nil {
		return Entry{Outcome: Failed, LocalPath: m[1], LocalDigest: checksum.Digest(m[2])}, nil
	}
	return Entry{}, fmt.Errorf("malformed ledger line %q", line)
}

// Path returns the ledger file of one target for a night.
func Path(dir, telescope, night, target string) string {
	return filepath.Join(NightDir(dir, telescope, night), target+fileSuffix)
}

// NightDir returns the directory holding a night's ledgers.
func NightDir(dir, telescope, night string) string {
	return filepath.Join(dir, telescope, night)
}

// Writer appends entries to one ledger file. Every line is synced before
// Append returns.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open opens the ledger of a target for appending, creating it if needed.
func Open(dir, telescope, night, target string) (*Writer, error) {
	p := Path(dir, telescope, night, target)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &Writer{f: f, path: p}, nil
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string { return w.path }

// Append writes one entry.
func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteString(e.String() + "\n"); err != nil {
		return fmt.Errorf("appending to %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", w.path, err)
	}
	return nil
}

// Close closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Read returns every complete entry in file order. A missing file has no
// entries. A final line without a newline is the remains of an interrupted
// write and is ignored, as are malformed lines.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	var entries []Entry
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, fmt.Errorf("reading ledger: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
}

// Latest reduces entries to the last one per local path.
func Latest(entries []Entry) map[string]Entry {
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[e.LocalPath] = e
	}
	return out
}

// ReadLatest reads a ledger and reduces it to the last entry per local path.
func ReadLatest(path string) (map[string]Entry, error) {
	entries, err := Read(path)
	if err != nil {
		return nil, err
	}
	return Latest(entries), nil
}

// Targets lists the targets with a ledger for the night.
func Targets(dir, telescope, night string) ([]string, error) {
	entries, err := os.ReadDir(NightDir(dir, telescope, night))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileSuffix) {
			names = append(names, strings.TrimSuffix(e.Name(), fileSuffix))
		}
	}
	sort.Strings(names)
	return names, nil
}
