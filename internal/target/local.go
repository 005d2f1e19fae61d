package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/nightsync/internal/checksum"
	"github.com/BadgerOps/nightsync/internal/fault"
	"golang.org/x/sys/unix"
)

// LocalVolume is a target on a locally mounted disk or network array.
type LocalVolume struct {
	base
	root   string
	logger *slog.Logger
}

// NewLocalVolume creates a local target rooted at root. kind is
// KindLocalDisk or KindLocalExternal.
func NewLocalVolume(opts Options, kind Kind, root string, logger *slog.Logger) (*LocalVolume, error) {
	if kind != KindLocalDisk && kind != KindLocalExternal {
		return nil, fmt.Errorf("target %s: kind %q is not a local volume", opts.Name, kind)
	}
	if root == "" {
		return nil, fmt.Errorf("target %s: root is required", opts.Name)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("target %s: resolving root: %w", opts.Name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalVolume{
		base:   base{opts: opts, kind: kind},
		root:   abs,
		logger: logger.With("target", opts.Name),
	}, nil
}

// Root returns the absolute root directory.
func (t *LocalVolume) Root() string { return t.root }

// resolve maps rel under the root and verifies it stays inside.
func (t *LocalVolume) resolve(rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	p := filepath.Join(t.root, filepath.FromSlash(clean))
	r, err := filepath.Rel(t.root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", rel)
	}
	return p, nil
}

// mounted fails with HostUnreachable when the root is gone, which is how an
// unplugged external disk or unmounted array shows up.
func (t *LocalVolume) mounted() error {
	info, err := os.Stat(t.root)
	if err != nil {
		return fault.New(fault.HostUnreachable, "stat", t.root, err)
	}
	if !info.IsDir() {
		return fault.New(fault.HostUnreachable, "stat", t.root, errors.New("not a directory"))
	}
	return nil
}

func (t *LocalVolume) EnsureDir(_ context.Context, rel string) error {
	if err := t.mounted(); err != nil {
		return err
	}
	p, err := t.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return fault.New(fault.RemoteFault, "mkdir", p, err)
	}
	return nil
}

func (t *LocalVolume) Capacity(_ context.Context) (Capacity, error) {
	if err := t.mounted(); err != nil {
		return Capacity{}, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(t.root, &st); err != nil {
		return Capacity{}, fault.New(fault.RemoteFault, "statfs", t.root, err)
	}
	bsize := int64(st.Bsize)
	return t.remember(Capacity{
		Total: int64(st.Blocks) * bsize,
		Free:  int64(st.Bavail) * bsize,
	}), nil
}

// Put copies through a temporary file in the destination directory which is
// synced and renamed into place.
func (t *LocalVolume) Put(ctx context.Context, localPath, rel string, overwrite bool) error {
	dst, err := t.resolve(rel)
	if err != nil {
		return err
	}
	if dir := path.Dir(rel); dir != "." {
		if err := t.EnsureDir(ctx, dir); err != nil {
			return err
		}
	} else if err := t.mounted(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fault.New(fault.Unreadable, "open", localPath, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fault.New(fault.Unreadable, "stat", localPath, err)
	}

	if overwrite {
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fault.New(fault.RemoteFault, "remove", dst, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fault.New(fault.RemoteFault, "create", dst, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src}); err != nil {
		tmp.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var pe *fs.PathError
		if errors.As(err, &pe) && pe.Path == localPath {
			return fault.New(fault.Unreadable, "read", localPath, err)
		}
		return fault.New(fault.RemoteFault, "write", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fault.New(fault.RemoteFault, "sync", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fault.New(fault.RemoteFault, "close", dst, err)
	}
	_ = os.Chmod(tmpPath, info.Mode().Perm())
	_ = os.Chtimes(tmpPath, info.ModTime(), info.ModTime())

	if err := os.Rename(tmpPath, dst); err != nil {
		return fault.New(fault.RemoteFault, "rename", dst, err)
	}
	t.logger.Debug("copied file", "path", rel, "bytes", info.Size())
	return nil
}

func (t *LocalVolume) Digest(_ context.Context, rel string) (checksum.Digest, error) {
	if err := t.mounted(); err != nil {
		return "", err
	}
	p, err := t.resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return "", fault.New(fault.NotFound, "digest", p, err)
	}
	d, err := checksum.File(p)
	if err != nil {
		return "", fault.New(fault.RemoteFault, "digest", p, err)
	}
	return d, nil
}

// Count walks each directory and counts regular files, ignoring hidden
// temporaries. A missing directory counts as zero.
func (t *LocalVolume) Count(ctx context.Context, rels ...string) (int, error) {
	if err := t.mounted(); err != nil {
		return 0, err
	}
	total := 0
	for _, rel := range rels {
		dir, err := t.resolve(rel)
		if err != nil {
			return 0, err
		}
		err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && p == dir {
					return filepath.SkipDir
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), ".") {
				total++
			}
			return nil
		})
		if err != nil {
			return 0, fault.New(fault.RemoteFault, "count", dir, err)
		}
	}
	return total, nil
}

func (t *LocalVolume) Location(rel string) string {
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

func (t *LocalVolume) Close() error { return nil }

// ctxReader stops a copy when the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
