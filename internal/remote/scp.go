package remote

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// scpSend drives the source side of the scp protocol against a sink started
// with `scp -t <path>`. w is the sink's stdin, r its stdout.
func scpSend(w io.Writer, r io.Reader, name string, mode os.FileMode, size int64, content io.Reader) error {
	br := bufio.NewReader(r)

	if err := scpAck(br); err != nil {
		return fmt.Errorf("scp handshake: %w", err)
	}
	if strings.ContainsAny(name, "/\n") {
		return fmt.Errorf("scp: invalid file name %q", name)
	}
	if _, err := fmt.Fprintf(w, "C%04o %d %s\n", mode.Perm(), size, name); err != nil {
		return fmt.Errorf("scp header: %w", err)
	}
	if err := scpAck(br); err != nil {
		return fmt.Errorf("scp header: %w", err)
	}

	n, err := io.Copy(w, io.LimitReader(content, size))
	if err != nil {
		return fmt.Errorf("scp data: %w", err)
	}
	if n != size {
		return fmt.Errorf("scp data: sent %d of %d bytes", n, size)
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return fmt.Errorf("scp trailer: %w", err)
	}
	if err := scpAck(br); err != nil {
		return fmt.Errorf("scp trailer: %w", err)
	}
	return nil
}

// scpError is a warning or fatal reply from the sink.
type scpError struct {
	Fatal   bool
	Message string
}

func (e *scpError) Error() string {
	return "scp: " + e.Message
}

func scpAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	switch b {
	case 0:
		return nil
	case 1, 2:
		msg, _ := r.ReadString('\n')
		return &scpError{Fatal: b == 2, Message: strings.TrimSpace(msg)}
	default:
		return fmt.Errorf("unexpected scp reply byte %#x", b)
	}
}
