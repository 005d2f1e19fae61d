package fits

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// BlockSize is the FITS logical record length.
	BlockSize = 2880
	cardLen   = 80
	keyLen    = 8
)

var (
	// ErrNotFITS is returned when the first card is not SIMPLE.
	ErrNotFITS = errors.New("not a FITS file")
	// ErrTruncated is returned when a header or data unit ends early.
	ErrTruncated = errors.New("truncated FITS file")
)

// Header is a primary header as an ordered list of 80-byte cards, without END.
type Header struct {
	cards []string
}

// ReadHeader reads the primary header from r. It returns the header and the
// number of bytes consumed, which is always a multiple of BlockSize.
func ReadHeader(r io.Reader) (*Header, int64, error) {
	h := &Header{}
	block := make([]byte, BlockSize)
	var consumed int64

	for {
		if _, err := io.ReadFull(r, block); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if consumed == 0 && errors.Is(err, io.EOF) {
					return nil, 0, ErrNotFITS
				}
				return nil, consumed, ErrTruncated
			}
			return nil, consumed, err
		}
		if consumed == 0 && !bytes.HasPrefix(block, []byte("SIMPLE  =")) {
			return nil, 0, ErrNotFITS
		}
		consumed += BlockSize

		for off := 0; off < BlockSize; off += cardLen {
			card := string(block[off : off+cardLen])
			if strings.TrimRight(card[:keyLen], " ") == "END" {
				return h, consumed, nil
			}
			h.cards = append(h.cards, card)
		}
	}
}

// Keyword returns the keyword of a card.
func keyword(card string) string {
	return strings.TrimRight(card[:keyLen], " ")
}

func (h *Header) index(key string) int {
	for i, c := range h.cards {
		if keyword(c) == key {
			return i
		}
	}
	return -1
}

// Has reports whether the keyword is present.
func (h *Header) Has(key string) bool {
	return h.index(key) >= 0
}

// Get returns the value of a keyword with quotes removed and trailing comment
// stripped.
func (h *Header) Get(key string) (string, bool) {
	i := h.index(key)
	if i < 0 {
		return "", false
	}
	card := h.cards[i]
	if len(card) < 10 || card[8:10] != "= " {
		return "", true
	}
	return parseValue(card[10:]), true
}

func parseValue(field string) string {
	field = strings.TrimLeft(field, " ")
	if strings.HasPrefix(field, "'") {
		var sb strings.Builder
		for i := 1; i < len(field); i++ {
			if field[i] == '\'' {
				if i+1 < len(field) && field[i+1] == '\'' {
					sb.WriteByte('\'')
					i++
					continue
				}
				break
			}
			sb.WriteByte(field[i])
		}
		return strings.TrimRight(sb.String(), " ")
	}
	if j := strings.IndexByte(field, '/'); j >= 0 {
		field = field[:j]
	}
	return strings.TrimSpace(field)
}

// Int returns an integer keyword value.
func (h *Header) Int(key string) (int64, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, fmt.Errorf("keyword %s missing", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("keyword %s: %w", key, err)
	}
	return n, nil
}

// Bool returns true only for a logical keyword set to T.
func (h *Header) Bool(key string) bool {
	v, ok := h.Get(key)
	return ok && v == "T"
}

// Set replaces the keyword's card in place, or appends it. value may be a
// bool, an integer, or a string.
func (h *Header) Set(key string, value any, comment string) {
	card := formatCard(key, value, comment)
	if i := h.index(key); i >= 0 {
		h.cards[i] = card
		return
	}
	h.cards = append(h.cards, card)
}

// Insert places the card immediately after the card for the given keyword,
// replacing any existing card with the same keyword.
func (h *Header) Insert(after, key string, value any, comment string) {
	h.Delete(key)
	card := formatCard(key, value, comment)
	i := h.index(after)
	if i < 0 {
		h.cards = append(h.cards, card)
		return
	}
	h.cards = append(h.cards[:i+1], append([]string{card}, h.cards[i+1:]...)...)
}

// Delete removes every card with the keyword.
func (h *Header) Delete(key string) {
	kept := h.cards[:0]
	for _, c := range h.cards {
		if keyword(c) != key {
			kept = append(kept, c)
		}
	}
	h.cards = kept
}

// Keywords returns keywords in card order.
func (h *Header) Keywords() []string {
	keys := make([]string, 0, len(h.cards))
	for _, c := range h.cards {
		keys = append(keys, keyword(c))
	}
	return keys
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	return &Header{cards: append([]string(nil), h.cards...)}
}

// Bytes renders the header with END, padded with spaces to a block boundary.
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	for _, c := range h.cards {
		buf.WriteString(c)
	}
	buf.WriteString(padCard("END"))
	for buf.Len()%BlockSize != 0 {
		buf.WriteByte(' ')
	}
	return buf.Bytes()
}

// DataLen returns the unpadded length in bytes of the primary data unit.
func (h *Header) DataLen() (int64, error) {
	bitpix, err := h.Int("BITPIX")
	if err != nil {
		return 0, err
	}
	naxis, err := h.Int("NAXIS")
	if err != nil {
		return 0, err
	}
	if naxis == 0 {
		return 0, nil
	}
	n := int64(1)
	for i := int64(1); i <= naxis; i++ {
		ax, err := h.Int(fmt.Sprintf("NAXIS%d", i))
		if err != nil {
			return 0, err
		}
		n *= ax
	}
	if bitpix < 0 {
		bitpix = -bitpix
	}
	return n * bitpix / 8, nil
}

// PaddedLen rounds n up to a multiple of BlockSize.
func PaddedLen(n int64) int64 {
	if rem := n % BlockSize; rem != 0 {
		return n + BlockSize - rem
	}
	return n
}

func formatCard(key string, value any, comment string) string {
	var v string
	switch x := value.(type) {
	case bool:
		v = "F"
		if x {
			v = "T"
		}
		v = fmt.Sprintf("%20s", v)
	case int:
		v = fmt.Sprintf("%20d", x)
	case int64:
		v = fmt.Sprintf("%20d", x)
	case string:
		s := strings.ReplaceAll(x, "'", "''")
		if len(s) < 8 {
			s += strings.Repeat(" ", 8-len(s))
		}
		v = fmt.Sprintf("%-20s", "'"+s+"'")
	default:
		v = fmt.Sprintf("%20v", x)
	}
	card := fmt.Sprintf("%-8s= %s", key, v)
	if comment != "" {
		card += " / " + comment
	}
	return padCard(card)
}

func padCard(s string) string {
	if len(s) >= cardLen {
		return s[:cardLen]
	}
	return s + strings.Repeat(" ", cardLen-len(s))
}
