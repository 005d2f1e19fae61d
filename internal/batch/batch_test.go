package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BadgerOps/nightsync/internal/fault"
)

func touch(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestEnumerateOrderAndCategories(t *testing.T) {
	root := t.TempDir()
	night := "20261017"

	touch(t, root, "Images/20261017/M31-002-20261017at230000.fits", "b")
	touch(t, root, "Images/20261017/M31-001-20261017at220000.fits", "a")
	touch(t, root, "Images/20261017/Calibration/Dark-300-20261017at210000.fits", "dark")
	touch(t, root, "Images/20261017/AutoFlat/Flat-001-20261017at203000.fits", "flat")
	logPath := touch(t, root, "Logs/20261017/session.log", "log")
	mtime := time.Date(2026, 10, 17, 23, 30, 0, 0, time.UTC)
	if err := os.Chtimes(logPath, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	b, err := NewEnumerator(nil).Enumerate(context.Background(), "t1", night, root)
	if err != nil {
		t.Fatalf("Enumerate() failed: %v", err)
	}

	want := []struct {
		rel string
		cat Category
	}{
		{"Images/20261017/AutoFlat/Flat-001-20261017at203000.fits", CategoryAutoFlat},
		{"Images/20261017/Calibration/Dark-300-20261017at210000.fits", CategoryCalibration},
		{"Images/20261017/M31-001-20261017at220000.fits", CategoryImage},
		{"Images/20261017/M31-002-20261017at230000.fits", CategoryImage},
		{"Logs/20261017/session.log", CategoryLog},
	}
	if len(b.Files) != len(want) {
		t.Fatalf("got %d files, want %d", len(b.Files), len(want))
	}
	for i, w := range want {
		if b.Files[i].Rel != w.rel {
			t.Errorf("file %d = %s, want %s", i, b.Files[i].Rel, w.rel)
		}
		if b.Files[i].Category != w.cat {
			t.Errorf("file %d category = %s, want %s", i, b.Files[i].Category, w.cat)
		}
	}
	if b.TotalSize() != int64(len("b")+len("a")+len("dark")+len("flat")+len("log")) {
		t.Errorf("TotalSize() = %d", b.TotalSize())
	}
}

func TestEnumerateTiesBrokenByPath(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "Images/20261017/B-001-20261017at220000.fits", "")
	touch(t, root, "Images/20261017/A-001-20261017at220000.fits", "")

	b, err := NewEnumerator(nil).Enumerate(context.Background(), "t1", "20261017", root)
	if err != nil {
		t.Fatal(err)
	}
	if b.Files[0].Rel != "Images/20261017/A-001-20261017at220000.fits" {
		t.Fatalf("tie not broken by path: %s first", b.Files[0].Rel)
	}
}

func TestEnumerateRejections(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "Images/20261017/M31-001-20261017at220000.fits", "ok")
	touch(t, root, "Images/20261017/Empty-001-20261017at220100.fits", "")
	touch(t, root, "Images/20261017/.DS_Store", "")
	touch(t, root, "Images/20261017/M31-002-20261017at220200.fits.part", "")

	b, err := NewEnumerator(nil).Enumerate(context.Background(), "t1", "20261017", root)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(b.Files))
	}
	if len(b.Rejected) != 3 {
		t.Fatalf("got %d rejected, want 3: %v", len(b.Rejected), b.Rejected)
	}
}

func TestEnumerateMissingDirectories(t *testing.T) {
	root := t.TempDir()
	b, err := NewEnumerator(nil).Enumerate(context.Background(), "t1", "20261017", root)
	if err != nil {
		t.Fatalf("Enumerate() failed: %v", err)
	}
	if len(b.Files) != 0 {
		t.Fatalf("expected no files, got %d", len(b.Files))
	}
}

func TestEnumerateMissingRoot(t *testing.T) {
	_, err := NewEnumerator(nil).Enumerate(context.Background(), "t1", "20261017",
		filepath.Join(t.TempDir(), "unmounted"))
	if !errors.Is(err, fault.ErrSourceUnavailable) {
		t.Fatalf("expected SourceUnavailable, got %v", err)
	}
}

func TestEnumerateRejectsBadNight(t *testing.T) {
	if _, err := NewEnumerator(nil).Enumerate(context.Background(), "t1", "2026-10-17", t.TempDir()); err == nil {
		t.Fatal("expected error for malformed night")
	}
}

func TestCaptureTime(t *testing.T) {
	tests := []struct {
		name string
		want time.Time
		ok   bool
	}{
		{"M31-001-20261017at031522.fits", time.Date(2026, 10, 17, 3, 15, 22, 0, time.UTC), true},
		{"Dark-300-20261017at210000.fits.fz", time.Date(2026, 10, 17, 21, 0, 0, 0, time.UTC), true},
		{"session.log", time.Time{}, false},
		{"M31-001-20261317at031522.fits", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := CaptureTime(tt.name)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("CaptureTime(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDigestCachedAndInvalidated(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "Images/20261017/M31-001-20261017at220000.fits", "first")
	f, err := Stat(root, "Images/20261017/M31-001-20261017at220000.fits", CategoryImage)
	if err != nil {
		t.Fatal(err)
	}
	d1, err := f.Digest()
	if err != nil {
		t.Fatal(err)
	}

	newPath := touch(t, root, "Images/20261017/M31-001-20261017at220000.fits.fz", "second")
	if err := f.Rewritten(newPath); err != nil {
		t.Fatal(err)
	}
	if f.Rel != "Images/20261017/M31-001-20261017at220000.fits.fz" {
		t.Errorf("Rel = %s", f.Rel)
	}
	if !f.Compressed {
		t.Error("Compressed should be set")
	}
	d2, err := f.Digest()
	if err != nil {
		t.Fatal(err)
	}
	if d1 == d2 {
		t.Fatal("digest not recomputed after rewrite")
	}
}

func TestStatIgnoresCompressedExtension(t *testing.T) {
	root := t.TempDir()
	rel := "Images/20261017/M31-001-20261017at200000.fits.fz"
	touch(t, root, rel, "plain bytes, no compression marker")
	f, err := Stat(root, rel, CategoryImage)
	if err != nil {
		t.Fatal(err)
	}
	if f.Compressed {
		t.Error("Compressed must not be inferred from the .fz extension")
	}
}

func TestCategoryOf(t *testing.T) {
	if c := CategoryOf("20261017", "Images/20261017/Calibration/Dark-1.fits"); c != CategoryCalibration {
		t.Errorf("CategoryOf = %s", c)
	}
	if c := CategoryOf("20261017", "Logs/20261017/x.log"); c != CategoryLog {
		t.Errorf("CategoryOf = %s", c)
	}
}
