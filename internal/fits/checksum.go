package fits

import (
	"encoding/binary"
	"io"
)

// Summer accumulates the FITS 32-bit ones-complement checksum of everything
// written to it. Writes must be multiples of 4 bytes except the final one;
// a short tail is zero-padded, which matches FITS block padding.
type Summer struct {
	sum     uint64
	pending []byte
}

// Write implements io.Writer.
func (s *Summer) Write(p []byte) (int, error) {
	n := len(p)
	if len(s.pending) > 0 {
		need := 4 - len(s.pending)
		if len(p) < need {
			s.pending = append(s.pending, p...)
			return n, nil
		}
		s.pending = append(s.pending, p[:need]...)
		s.add(s.pending)
		s.pending = s.pending[:0]
		p = p[need:]
	}
	whole := len(p) &^ 3
	s.add(p[:whole])
	if whole < len(p) {
		s.pending = append(s.pending, p[whole:]...)
	}
	return n, nil
}

func (s *Summer) add(p []byte) {
	for i := 0; i+4 <= len(p); i += 4 {
		s.sum += uint64(binary.BigEndian.Uint32(p[i:]))
		if s.sum >= 1<<62 {
			s.sum = fold(s.sum)
		}
	}
}

// Sum32 returns the folded ones-complement sum.
func (s *Summer) Sum32() uint32 {
	sum := s.sum
	if len(s.pending) > 0 {
		var word [4]byte
		copy(word[:], s.pending)
		sum += uint64(binary.BigEndian.Uint32(word[:]))
	}
	return uint32(fold(sum))
}

func fold(sum uint64) uint64 {
	for sum>>32 != 0 {
		sum = (sum & 0xffffffff) + (sum >> 32)
	}
	return sum
}

// AddSums combines two ones-complement sums.
func AddSums(a, b uint32) uint32 {
	return uint32(fold(uint64(a) + uint64(b)))
}

// SumReader returns the ones-complement sum of r's content.
func SumReader(r io.Reader) (uint32, int64, error) {
	var s Summer
	n, err := io.Copy(&s, r)
	if err != nil {
		return 0, n, err
	}
	return s.Sum32(), n, nil
}

// SumBytes returns the ones-complement sum of b.
func SumBytes(b []byte) uint32 {
	var s Summer
	_, _ = s.Write(b)
	return s.Sum32()
}

var excludeChars = [...]byte{
	0x3a, 0x3b, 0x3c, 0x3d, 0x3e, 0x3f, 0x40,
	0x5b, 0x5c, 0x5d, 0x5e, 0x5f, 0x60,
}

const encodeOffset = 0x30

func excluded(c int) bool {
	for _, x := range excludeChars {
		if int(x) == c {
			return true
		}
	}
	return false
}

// EncodeChecksum renders a 32-bit value as the 16-character ASCII string used
// by the CHECKSUM keyword. The string is rotated one position right so that
// it lines up with the word boundaries of a CHECKSUM card value.
func EncodeChecksum(value uint32) string {
	var asc [16]byte
	for i := 0; i < 4; i++ {
		b := int((value >> (8 * (3 - i))) & 0xff)
		quotient := b/4 + encodeOffset
		remainder := b % 4
		ch := [4]int{quotient + remainder, quotient, quotient, quotient}

		for again := true; again; {
			again = false
			for j := 0; j < 4; j += 2 {
				if excluded(ch[j]) || excluded(ch[j+1]) {
					ch[j]++
					ch[j+1]--
					again = true
				}
			}
		}
		for j := 0; j < 4; j++ {
			asc[4*j+i] = byte(ch[j])
		}
	}

	var out [16]byte
	for i := range out {
		out[i] = asc[(i+15)%16]
	}
	return string(out[:])
}

// ZeroChecksum is the placeholder value written before the checksum is known.
const ZeroChecksum = "0000000000000000"
