package extract

import (
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/ppiankov/lexledger/internal/llm"
)

// Offsets stored on pointers are UTF-16 code units into Evidence.RawContent,
// end exclusive. Extractors may report codepoints or bytes; ToUTF16 converts.

// units is a UTF-16 view of an evidence text
type units []uint16

func utf16Of(text string) units {
	return utf16.Encode([]rune(text))
}

// UTF16Len returns the length of text in UTF-16 code units
func UTF16Len(text string) int {
	n := 0
	for _, r := range text {
		n += utf16.RuneLen(r)
	}
	return n
}

// boundary reports whether off does not split a surrogate pair
func (u units) boundary(off int) bool {
	if off <= 0 || off >= len(u) {
		return off == 0 || off == len(u)
	}
	return !utf16.IsSurrogate(rune(u[off])) || u[off] < 0xDC00
}

func (u units) slice(start, end int) (string, bool) {
	if start < 0 || end < start || end > len(u) || !u.boundary(start) || !u.boundary(end) {
		return "", false
	}
	return string(utf16.Decode(u[start:end])), true
}

// SliceUTF16 returns text[start:end] in UTF-16 code units. ok is false when
// the range is out of bounds or splits a surrogate pair.
func SliceUTF16(text string, start, end int) (string, bool) {
	return utf16Of(text).slice(start, end)
}

// ToUTF16 converts an offset expressed in unit into UTF-16 code units
func ToUTF16(text string, unit llm.IndexUnit, off int) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	switch unit {
	case llm.UnitUTF16, "":
		return off, nil

	case llm.UnitCodepoint:
		n, count := 0, 0
		for _, r := range text {
			if count == off {
				return n, nil
			}
			n += utf16.RuneLen(r)
			count++
		}
		if count == off {
			return n, nil
		}
		return 0, fmt.Errorf("codepoint offset %d beyond text length %d", off, count)

	case llm.UnitByte:
		if off > len(text) {
			return 0, fmt.Errorf("byte offset %d beyond text length %d", off, len(text))
		}
		if off < len(text) && !utf8.RuneStart(text[off]) {
			return 0, fmt.Errorf("byte offset %d splits a UTF-8 sequence", off)
		}
		return UTF16Len(text[:off]), nil

	default:
		return 0, fmt.Errorf("unknown index unit %q", unit)
	}
}

// PrefixUTF16 returns the longest prefix of text no longer than n UTF-16 units
func PrefixUTF16(text string, n int) string {
	count := 0
	for i, r := range text {
		l := utf16.RuneLen(r)
		if count+l > n {
			return text[:i]
		}
		count += l
	}
	return text
}
