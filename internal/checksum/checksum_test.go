package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BadgerOps/nightsync/internal/fault"
	"github.com/BadgerOps/nightsync/internal/fits"
)

func writeImage(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "M31-001-20261017at031522.fits")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	h := fits.NewPrimaryHeader(16, int64(len(data)/2))
	h.Set("OBJECT", "M31", "")
	if err := fits.WriteHDU(f, h, data); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFile(t *testing.T) {
	content := []byte("night log line\n")
	path := filepath.Join(t.TempDir(), "night.log")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := File(path)
	if err != nil {
		t.Fatalf("File() failed: %v", err)
	}
	sum := sha256.Sum256(content)
	if want := Digest(hex.EncodeToString(sum[:])); got != want {
		t.Errorf("File() = %s, want %s", got, want)
	}
}

func TestFileMissingIsUnreadable(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "missing.fits"))
	if !errors.Is(err, fault.ErrUnreadable) {
		t.Fatalf("expected Unreadable fault, got %v", err)
	}
}

func TestParseDigest(t *testing.T) {
	sum := sha256.Sum256([]byte("x"))
	if _, err := ParseDigest(hex.EncodeToString(sum[:])); err != nil {
		t.Errorf("valid digest rejected: %v", err)
	}
	if _, err := ParseDigest("abc"); err == nil {
		t.Error("short digest accepted")
	}
	if _, err := ParseDigest(string(make([]byte, 64))); err == nil {
		t.Error("non-hex digest accepted")
	}
}

func TestEmbedAndVerifySelfCheck(t *testing.T) {
	data := make([]byte, 4000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := writeImage(t, t.TempDir(), data)

	ok, err := VerifySelfCheck(path)
	if err != nil {
		t.Fatalf("VerifySelfCheck() before embed failed: %v", err)
	}
	if ok {
		t.Fatal("file without CHECKSUM should not verify")
	}

	if err := EmbedSelfCheck(path); err != nil {
		t.Fatalf("EmbedSelfCheck() failed: %v", err)
	}
	ok, err = VerifySelfCheck(path)
	if err != nil {
		t.Fatalf("VerifySelfCheck() failed: %v", err)
	}
	if !ok {
		t.Fatal("expected embedded checksum to verify")
	}

	// Data must be untouched by the embed.
	_, got, err := fits.ReadPrimary(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:len(data)]) != string(data) {
		t.Fatal("data unit changed by EmbedSelfCheck")
	}

	// Embedding twice is stable.
	if err := EmbedSelfCheck(path); err != nil {
		t.Fatalf("second EmbedSelfCheck() failed: %v", err)
	}
	if ok, _ := VerifySelfCheck(path); !ok {
		t.Fatal("expected checksum to verify after re-embed")
	}
}

func TestVerifySelfCheckDetectsCorruption(t *testing.T) {
	path := writeImage(t, t.TempDir(), make([]byte, 1000))
	if err := EmbedSelfCheck(path); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[fits.BlockSize+10] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	ok, err := VerifySelfCheck(path)
	if err != nil {
		t.Fatalf("VerifySelfCheck() failed: %v", err)
	}
	if ok {
		t.Fatal("corrupted data should not verify")
	}
}

func TestVerifySelfCheckTruncatedIsUnreadable(t *testing.T) {
	path := writeImage(t, t.TempDir(), make([]byte, 6000))
	if err := EmbedSelfCheck(path); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)
	if err := os.Truncate(path, info.Size()-fits.BlockSize); err != nil {
		t.Fatal(err)
	}

	_, err := VerifySelfCheck(path)
	if !errors.Is(err, fault.ErrUnreadable) {
		t.Fatalf("expected Unreadable fault, got %v", err)
	}
}
