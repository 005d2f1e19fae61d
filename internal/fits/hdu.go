package fits

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// NewPrimaryHeader builds a minimal primary header for an image.
func NewPrimaryHeader(bitpix int, axes ...int64) *Header {
	h := &Header{}
	h.Set("SIMPLE", true, "conforms to FITS standard")
	h.Set("BITPIX", bitpix, "array data type")
	h.Set("NAXIS", len(axes), "number of array dimensions")
	for i, n := range axes {
		h.Set(fmt.Sprintf("NAXIS%d", i+1), n, "")
	}
	return h
}

// WriteHDU writes the header followed by data zero-padded to a block boundary.
func WriteHDU(w io.Writer, h *Header, data []byte) error {
	if _, err := w.Write(h.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	pad := PaddedLen(int64(len(data))) - int64(len(data))
	if pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

// IsFITSName reports whether the file name carries a FITS extension,
// compressed or not.
func IsFITSName(name string) bool {
	lower := strings.ToLower(name)
	lower = strings.TrimSuffix(lower, ".fz")
	for _, ext := range []string{".fits", ".fit", ".fts"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Open reads the primary header of the file at path and returns the file
// positioned at the start of the data unit. The caller closes the file.
func Open(path string) (*os.File, *Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	h, n, err := ReadHeader(bufio.NewReaderSize(f, BlockSize))
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	// The buffered reader may have read past the header.
	if _, err := f.Seek(n, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	return f, h, n, nil
}

// ReadPrimary returns the header and the padded data unit of the primary HDU.
func ReadPrimary(path string) (*Header, []byte, error) {
	f, h, _, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	n, err := h.DataLen()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, PaddedLen(n))
	if _, err := io.ReadFull(f, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, ErrTruncated
		}
		return nil, nil, err
	}
	return h, data, nil
}
