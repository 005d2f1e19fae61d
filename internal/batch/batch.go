package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/nightsync/internal/checksum"
	"github.com/BadgerOps/nightsync/internal/fault"
)

// NightBatch is the ordered set of files a telescope produced in one night.
type NightBatch struct {
	Telescope string
	Night     string
	Root      string
	Files     []*SourceFile
	Rejected  []string
}

// TotalSize returns the summed size of all files.
func (b *NightBatch) TotalSize() int64 {
	var n int64
	for _, f := range b.Files {
		n += f.Size
	}
	return n
}

// SourceFile is one file of a night batch.
type SourceFile struct {
	Path        string
	Rel         string
	Category    Category
	Size        int64
	CaptureTime time.Time

	// Compressed is set once the file has been replaced by its compressed
	// artifact during this run.
	Compressed bool

	mu     sync.Mutex
	digest checksum.Digest
}

// Digest returns the SHA256 of the file, computing it on first use.
func (f *SourceFile) Digest() (checksum.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.digest.Empty() {
		return f.digest, nil
	}
	d, err := checksum.File(f.Path)
	if err != nil {
		return "", err
	}
	f.digest = d
	return d, nil
}

// Rewritten points the file at its new location after compression and drops
// the cached digest.
func (f *SourceFile) Rewritten(newPath string) error {
	info, err := os.Stat(newPath)
	if err != nil {
		return fault.New(fault.Unreadable, "stat", newPath, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rel = path.Join(path.Dir(f.Rel), filepath.Base(newPath))
	f.Path = newPath
	f.Size = info.Size()
	f.Compressed = true
	f.digest = ""
	return nil
}

var (
	// <target>-<seq>-<YYYYMMDD>at<HHMMSS>.<ext> and Dark-<exptime>-<YYYYMMDD>at<HHMMSS>.<ext>
	captureRe = regexp.MustCompile(`-(\d{8})at(\d{6})\.[^/]+$`)

	partialSuffixes = []string{".part", ".partial", ".tmp", ".crdownload", ".filepart", "~"}
)

// CaptureTime parses the capture time embedded in a file name.
func CaptureTime(name string) (time.Time, bool) {
	m := captureRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102150405", m[1]+m[2], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Rejected reports whether a file name is excluded from replication, and why.
func Rejected(name string) (string, bool) {
	switch {
	case strings.HasPrefix(name, "."):
		return "hidden file", true
	case strings.Contains(name, "Empty"):
		return "empty placeholder frame", true
	}
	lower := strings.ToLower(name)
	for _, s := range partialSuffixes {
		if strings.HasSuffix(lower, s) {
			return "partial file", true
		}
	}
	return "", false
}

// Enumerator discovers the files of a night under a telescope's source root.
type Enumerator struct {
	logger *slog.Logger
}

// NewEnumerator creates an Enumerator.
func NewEnumerator(logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{logger: logger}
}

// Enumerate returns the night's files ordered by capture time, ties broken by
// relative path. Missing night directories contribute nothing; a missing
// source root is a SourceUnavailable fault.
func (e *Enumerator) Enumerate(ctx context.Context, telescope, night, root string) (*NightBatch, error) {
	if _, err := ParseNight(night); err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fault.New(fault.SourceUnavailable, "enumerate", root, err)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.SourceUnavailable, "enumerate", root, errors.New("not a directory"))
	}

	b := &NightBatch{Telescope: telescope, Night: night, Root: root}
	for _, src := range sources(night) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.scan(b, src); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(b.Files, func(i, j int) bool {
		a, c := b.Files[i], b.Files[j]
		if !a.CaptureTime.Equal(c.CaptureTime) {
			return a.CaptureTime.Before(c.CaptureTime)
		}
		return a.Rel < c.Rel
	})

	e.logger.Debug("enumerated night",
		"telescope", telescope, "night", night,
		"files", len(b.Files), "rejected", len(b.Rejected))
	return b, nil
}

func (e *Enumerator) scan(b *NightBatch, src source) error {
	dir := filepath.Join(b.Root, filepath.FromSlash(src.rel))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		// The root vanished mid-scan.
		if _, statErr := os.Stat(b.Root); statErr != nil {
			return fault.New(fault.SourceUnavailable, "enumerate", b.Root, statErr)
		}
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		rel := path.Join(src.rel, name)
		if reason, ok := Rejected(name); ok {
			e.logger.Info("rejected file", "path", rel, "reason", reason)
			b.Rejected = append(b.Rejected, rel)
			continue
		}
		f, err := Stat(b.Root, rel, src.category)
		if err != nil {
			e.logger.Warn("skipping unreadable file", "path", rel, "error", err)
			b.Rejected = append(b.Rejected, rel)
			continue
		}
		b.Files = append(b.Files, f)
	}
	return nil
}

// Stat builds a SourceFile for the file at rel under root.
func Stat(root, rel string, category Category) (*SourceFile, error) {
	p := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(p)
	if err != nil {
		return nil, fault.New(fault.Unreadable, "stat", p, err)
	}
	ct, ok := CaptureTime(info.Name())
	if !ok {
		ct = info.ModTime().UTC()
	}
	return &SourceFile{
		Path:        p,
		Rel:         rel,
		Category:    category,
		Size:        info.Size(),
		CaptureTime: ct,
	}, nil
}
