package target

import (
	"context"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/BadgerOps/nightsync/internal/checksum"
)

// Kind identifies the replica implementation.
type Kind string

const (
	KindLocalDisk     Kind = "local-disk"
	KindLocalExternal Kind = "local-external"
	KindRemoteShell   Kind = "remote-shell"
	KindObjectStore   Kind = "object-store"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLocalDisk, KindLocalExternal, KindRemoteShell, KindObjectStore:
		return true
	}
	return false
}

// Target is a replica destination. Relative paths use forward slashes and
// are resolved under the target's root.
type Target interface {
	Name() string
	Kind() Kind
	Required() bool

	// EnsureDir creates rel and its parents. Existing directories are not
	// an error.
	EnsureDir(ctx context.Context, rel string) error
	// Capacity measures the target and keeps the result as the run's
	// snapshot for HasCapacity.
	Capacity(ctx context.Context) (Capacity, error)
	// HasCapacity reports whether the snapshot leaves the configured headroom
	// after writing estimated more bytes.
	HasCapacity(estimated int64) bool
	// Put copies the local file to rel. With overwrite set an existing
	// destination is removed first. Callers create the parent directory
	// with EnsureDir.
	Put(ctx context.Context, localPath, rel string, overwrite bool) error
	// Digest returns the SHA256 of the file at rel, or a NotFound fault.
	Digest(ctx context.Context, rel string) (checksum.Digest, error)
	// Count returns the number of files below the given directories.
	Count(ctx context.Context, rels ...string) (int, error)
	// Location renders rel for the ledger.
	Location(rel string) string
	Close() error
}

// Capacity is a free-space snapshot in bytes.
type Capacity struct {
	Total     int64
	Free      int64
	Unbounded bool
}

// Threshold is the headroom a target must keep.
type Threshold struct {
	// Reserve is an absolute number of bytes that must stay free.
	Reserve int64
	// MinFreePercent is the share of the total that must stay free.
	MinFreePercent float64
	// SizeOffset corrects arrays that misreport their size. It is added to
	// both total and free bytes and may be negative.
	SizeOffset int64
}

// Validate rejects negative thresholds.
func (t Threshold) Validate() error {
	if t.Reserve < 0 {
		return fmt.Errorf("reserve must not be negative")
	}
	if t.MinFreePercent < 0 || t.MinFreePercent > 100 {
		return fmt.Errorf("min_free_percent must be between 0 and 100")
	}
	return nil
}

// Allows reports whether c keeps the headroom after writing estimated bytes.
func (t Threshold) Allows(c Capacity, estimated int64) bool {
	if c.Unbounded {
		return true
	}
	total := c.Total + t.SizeOffset
	free := c.Free + t.SizeOffset
	remaining := free - estimated
	if remaining < 0 {
		return false
	}
	need := t.Reserve
	if t.MinFreePercent > 0 && total > 0 {
		pct := int64(math.Ceil(float64(total) * t.MinFreePercent / 100))
		if pct > need {
			need = pct
		}
	}
	return remaining >= need
}

// Options holds the settings common to every target.
type Options struct {
	Name      string
	Required  bool
	Threshold Threshold
}

// base carries the common fields and the capacity snapshot.
type base struct {
	opts     Options
	kind     Kind
	snapshot *Capacity
}

func (b *base) Name() string   { return b.opts.Name }
func (b *base) Kind() Kind     { return b.kind }
func (b *base) Required() bool { return b.opts.Required }

func (b *base) remember(c Capacity) Capacity {
	b.snapshot = &c
	return c
}

func (b *base) HasCapacity(estimated int64) bool {
	if b.snapshot == nil {
		return false
	}
	return b.opts.Threshold.Allows(*b.snapshot, estimated)
}

// cleanRel validates a relative slash path and rejects parent traversal.
func cleanRel(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is empty")
	}
	clean := path.Clean(rel)
	if clean == "." {
		return "", fmt.Errorf("path resolves to target root")
	}
	if path.IsAbs(clean) {
		return "", fmt.Errorf("absolute paths are not allowed: %q", rel)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("parent traversal is not allowed: %q", rel)
	}
	return clean, nil
}
