package compression

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/nightsync/internal/checksum"
	"github.com/BadgerOps/nightsync/internal/fault"
	"github.com/BadgerOps/nightsync/internal/fits"
	"github.com/klauspost/compress/zstd"
)

// Suffix is appended to the name of a compressed artifact.
const Suffix = ".fz"

// CompressionType is the ZCMPTYPE value written to compressed headers.
const CompressionType = "ZSTD_1"

// ErrNotCompressed is returned by Decompress for a file without ZIMAGE = T.
var ErrNotCompressed = errors.New("file is not a compressed image")

// Stage compresses integer FITS images in place of the originals.
type Stage struct {
	enabled bool
	level   zstd.EncoderLevel
	logger  *slog.Logger
}

// Options configures a Stage.
type Options struct {
	Enabled bool
	// Level is one of fastest, default, better, best. Empty means default.
	Level string
}

// New creates a compression stage.
func New(opts Options, logger *slog.Logger) (*Stage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	level := zstd.SpeedDefault
	if opts.Level != "" {
		var ok bool
		ok, level = zstd.EncoderLevelFromString(opts.Level)
		if !ok {
			return nil, fmt.Errorf("unknown compression level %q", opts.Level)
		}
	}
	return &Stage{enabled: opts.Enabled, level: level, logger: logger}, nil
}

// Enabled reports whether the stage compresses anything.
func (s *Stage) Enabled() bool {
	return s != nil && s.enabled
}

// Eligible reports whether a primary header describes an image the stage
// compresses: an uncompressed integer image with a non-empty data unit.
func Eligible(h *fits.Header) bool {
	if h.Bool("ZIMAGE") {
		return false
	}
	bitpix, err := h.Int("BITPIX")
	if err != nil {
		return false
	}
	switch bitpix {
	case 8, 16, 32:
	default:
		return false
	}
	n, err := h.DataLen()
	return err == nil && n > 0
}

// MaybeCompress compresses the image at path when it is eligible and returns
// the path of the file that now holds its content. The original is removed
// only after the compressed artifact verifies.
func (s *Stage) MaybeCompress(ctx context.Context, path string) (string, bool, error) {
	if !s.Enabled() || !fits.IsFITSName(path) {
		return path, false, nil
	}
	if err := ctx.Err(); err != nil {
		return path, false, err
	}

	f, h, _, err := fits.Open(path)
	if err != nil {
		if errors.Is(err, fits.ErrNotFITS) {
			return path, false, nil
		}
		return path, false, fault.New(fault.Unreadable, "compress", path, err)
	}
	defer f.Close()

	if !Eligible(h) {
		return path, false, nil
	}

	dst := path
	if !strings.HasSuffix(strings.ToLower(dst), Suffix) {
		dst += Suffix
	}

	if err := s.writeArtifact(f, h, dst); err != nil {
		return path, false, err
	}

	f.Close()
	if dst != path {
		if err := os.Remove(path); err != nil {
			return dst, true, fmt.Errorf("removing original %s: %w", path, err)
		}
	}

	s.logger.Debug("compressed image", "path", path, "artifact", dst)
	return dst, true, nil
}

// writeArtifact builds the compressed artifact for the open file beside dst,
// embeds and verifies its self-check, then renames it to dst.
func (s *Stage) writeArtifact(f *os.File, orig *fits.Header, dst string) error {
	dir := filepath.Dir(dst)
	base := filepath.Base(dst)

	spool, err := os.CreateTemp(dir, "."+base+".spool-*")
	if err != nil {
		return fmt.Errorf("creating spool file: %w", err)
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fault.New(fault.Unreadable, "compress", f.Name(), err)
	}
	enc, err := zstd.NewWriter(spool, zstd.WithEncoderLevel(s.level))
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	origLen, err := io.Copy(enc, f)
	if err != nil {
		enc.Close()
		return fault.New(fault.Unreadable, "compress", f.Name(), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing zstd stream: %w", err)
	}
	compLen, err := spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sizing spool file: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding spool file: %w", err)
	}

	h, err := compressedHeader(orig, origLen, compLen)
	if err != nil {
		return fault.New(fault.Unreadable, "compress", f.Name(), err)
	}

	out, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	tmpPath := out.Name()
	defer os.Remove(tmpPath)

	if _, err := out.Write(h.Bytes()); err != nil {
		out.Close()
		return fmt.Errorf("writing artifact header: %w", err)
	}
	if _, err := io.Copy(out, spool); err != nil {
		out.Close()
		return fmt.Errorf("writing artifact data: %w", err)
	}
	if pad := fits.PaddedLen(compLen) - compLen; pad > 0 {
		if _, err := out.Write(make([]byte, pad)); err != nil {
			out.Close()
			return fmt.Errorf("padding artifact: %w", err)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing artifact: %w", err)
	}

	if err := checksum.EmbedSelfCheck(tmpPath); err != nil {
		return err
	}
	ok, err := checksum.VerifySelfCheck(tmpPath)
	if err != nil {
		return err
	}
	if !ok {
		return fault.New(fault.ChecksumMismatch, "compress", dst, errors.New("artifact self-check failed"))
	}

	if info, err := f.Stat(); err == nil {
		_ = os.Chmod(tmpPath, info.Mode().Perm())
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("renaming artifact: %w", err)
	}
	return nil
}

// compressedHeader derives the artifact header from the original one. The
// original geometry moves to Z keywords and the data unit becomes a byte
// array holding the zstd stream.
func compressedHeader(orig *fits.Header, origLen, compLen int64) (*fits.Header, error) {
	bitpix, err := orig.Int("BITPIX")
	if err != nil {
		return nil, err
	}
	naxis, err := orig.Int("NAXIS")
	if err != nil {
		return nil, err
	}
	axes := make([]int64, naxis)
	for i := range axes {
		if axes[i], err = orig.Int(fmt.Sprintf("NAXIS%d", i+1)); err != nil {
			return nil, err
		}
	}

	h := orig.Clone()
	h.Delete("CHECKSUM")
	h.Delete("DATASUM")
	for i := range axes {
		h.Delete(fmt.Sprintf("NAXIS%d", i+1))
	}
	h.Set("BITPIX", 8, "compressed byte stream")
	h.Set("NAXIS", 1, "")
	h.Insert("NAXIS", "NAXIS1", compLen, "compressed length")

	after := "NAXIS1"
	put := func(key string, value any, comment string) {
		h.Insert(after, key, value, comment)
		after = key
	}
	put("ZIMAGE", true, "compressed image")
	put("ZCMPTYPE", CompressionType, "compression algorithm")
	put("ZBITPIX", bitpix, "original BITPIX")
	put("ZNAXIS", naxis, "original NAXIS")
	for i, n := range axes {
		put(fmt.Sprintf("ZNAXIS%d", i+1), n, "")
	}
	put("ZDATALEN", origLen, "original file length")
	return h, nil
}

// IsCompressed reports whether the file at path carries ZIMAGE = T.
func IsCompressed(path string) (bool, error) {
	f, h, _, err := fits.Open(path)
	if err != nil {
		return false, err
	}
	f.Close()
	return h.Bool("ZIMAGE"), nil
}

// Restore writes the original bytes of the compressed image at path to w.
func Restore(w io.Writer, path string) (int64, error) {
	f, h, _, err := fits.Open(path)
	if err != nil {
		return 0, fault.New(fault.Unreadable, "decompress", path, err)
	}
	defer f.Close()

	if !h.Bool("ZIMAGE") {
		return 0, ErrNotCompressed
	}
	if v, _ := h.Get("ZCMPTYPE"); v != CompressionType {
		return 0, fmt.Errorf("unsupported compression type %q", v)
	}
	compLen, err := h.DataLen()
	if err != nil {
		return 0, fault.New(fault.Unreadable, "decompress", path, err)
	}
	want, err := h.Int("ZDATALEN")
	if err != nil {
		return 0, fault.New(fault.Unreadable, "decompress", path, err)
	}

	dec, err := zstd.NewReader(io.LimitReader(f, compLen))
	if err != nil {
		return 0, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	n, err := io.Copy(w, dec)
	if err != nil {
		return n, fault.New(fault.Unreadable, "decompress", path, err)
	}
	if n != want {
		return n, fault.New(fault.ChecksumMismatch, "decompress", path,
			fmt.Errorf("restored %d bytes, want %d", n, want))
	}
	return n, nil
}

// Decompress restores the original file next to the compressed artifact and
// returns its path. The artifact is left in place.
func Decompress(path string) (string, error) {
	dst := path + ".orig"
	if strings.HasSuffix(strings.ToLower(path), Suffix) {
		dst = path[:len(path)-len(Suffix)]
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := Restore(tmp, path); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("renaming %s: %w", dst, err)
	}
	return dst, nil
}
