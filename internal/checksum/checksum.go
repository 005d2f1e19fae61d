package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BadgerOps/nightsync/internal/fault"
	"github.com/BadgerOps/nightsync/internal/fits"
)

// Digest is a hex-encoded SHA256 content digest.
type Digest string

// Empty reports whether no digest has been computed.
func (d Digest) Empty() bool {
	return d == ""
}

// Short returns the first 12 hex characters for log output.
func (d Digest) Short() string {
	if len(d) > 12 {
		return string(d[:12])
	}
	return string(d)
}

// ParseDigest validates a hex SHA256 string.
func ParseDigest(s string) (Digest, error) {
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid digest: %w", err)
	}
	return Digest(s), nil
}

// File computes the SHA256 digest of a file. Open or read failures are
// reported as fault.Unreadable.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fault.New(fault.Unreadable, "digest", path, err)
	}
	defer f.Close()

	d, err := Reader(f)
	if err != nil {
		return "", fault.New(fault.Unreadable, "digest", path, err)
	}
	return d, nil
}

// Reader computes the SHA256 digest of everything read from r.
func Reader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// EmbedSelfCheck writes DATASUM and CHECKSUM keywords into the primary header
// of a FITS file. The file is rewritten through a temporary file and renamed
// into place.
func EmbedSelfCheck(path string) error {
	f, h, _, err := fits.Open(path)
	if err != nil {
		return unreadable("embed", path, err)
	}
	defer f.Close()

	dataLen, err := h.DataLen()
	if err != nil {
		return unreadable("embed", path, err)
	}
	padded := fits.PaddedLen(dataLen)

	datasum, n, err := fits.SumReader(io.LimitReader(f, padded))
	if err != nil {
		return unreadable("embed", path, err)
	}
	if n != padded {
		return unreadable("embed", path, fits.ErrTruncated)
	}

	h.Set("DATASUM", strconv.FormatUint(uint64(datasum), 10), "data unit checksum")
	h.Set("CHECKSUM", fits.ZeroChecksum, "HDU checksum")
	hsum := fits.SumBytes(h.Bytes())
	h.Set("CHECKSUM", fits.EncodeChecksum(^fits.AddSums(hsum, datasum)), "HDU checksum")

	tmp, err := os.CreateTemp(filepath.Dir(path), ".selfcheck-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(h.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing header: %w", err)
	}
	// Copy the data unit and anything after it unchanged.
	if _, err := f.Seek(-padded, io.SeekCurrent); err != nil {
		tmp.Close()
		return fmt.Errorf("rewinding data unit: %w", err)
	}
	if _, err := io.Copy(tmp, f); err != nil {
		tmp.Close()
		return unreadable("embed", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if info, err := f.Stat(); err == nil {
		_ = os.Chmod(tmpPath, info.Mode().Perm())
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// VerifySelfCheck recomputes DATASUM and the HDU checksum of a FITS file and
// compares them with the embedded values. A file without embedded values
// does not verify.
func VerifySelfCheck(path string) (bool, error) {
	f, h, headerLen, err := fits.Open(path)
	if err != nil {
		return false, unreadable("verify", path, err)
	}
	defer f.Close()

	stored, ok := h.Get("DATASUM")
	if !ok || !h.Has("CHECKSUM") {
		return false, nil
	}

	dataLen, err := h.DataLen()
	if err != nil {
		return false, unreadable("verify", path, err)
	}
	padded := fits.PaddedLen(dataLen)
	datasum, n, err := fits.SumReader(io.LimitReader(f, padded))
	if err != nil {
		return false, unreadable("verify", path, err)
	}
	if n != padded {
		return false, unreadable("verify", path, fits.ErrTruncated)
	}

	if stored != strconv.FormatUint(uint64(datasum), 10) {
		return false, nil
	}

	// Sum the header bytes exactly as stored on disk.
	hsum, _, err := fits.SumReader(io.NewSectionReader(f, 0, headerLen))
	if err != nil {
		return false, unreadable("verify", path, err)
	}
	return fits.AddSums(hsum, datasum) == 0xffffffff, nil
}

func unreadable(op, path string, err error) error {
	return fault.New(fault.Unreadable, op, path, err)
}
