package extract

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ppiankov/lexledger/internal/llm"
	"github.com/ppiankov/lexledger/internal/model"
)

// Verification is the result of checking one claimed quote against evidence
type Verification struct {
	Start   int // UTF-16 units
	End     int
	Quote   string // text actually at [Start, End); empty when NOT_FOUND
	Quality model.MatchQuality
	Unit    llm.IndexUnit // unit the offsets matched in
}

// fallbackUnits are tried, in order, after the unit the extractor declared
var fallbackUnits = []llm.IndexUnit{llm.UnitUTF16, llm.UnitCodepoint, llm.UnitByte}

// Verifier checks claimed quotes against one evidence text
type Verifier struct {
	text  string
	units units
}

// NewVerifier prepares text for repeated verification
func NewVerifier(text string) *Verifier {
	return &Verifier{text: text, units: utf16Of(text)}
}

// Verify recomputes the substring at the claimed offsets and compares it to
// the claimed quote. The declared unit is tried first; other units are tried
// only if it does not match, so every accepted result satisfies
// SliceUTF16(text, Start, End) == Quote.
func (v *Verifier) Verify(quote string, start, end int, declared llm.IndexUnit) Verification {
	units := append([]llm.IndexUnit{declared}, fallbackUnits...)
	seen := map[llm.IndexUnit]bool{}

	var normalized *Verification
	firstStart, firstEnd := -1, -1
	want := Normalize(quote)
	for _, unit := range units {
		if unit == "" {
			unit = llm.UnitUTF16
		}
		if seen[unit] {
			continue
		}
		seen[unit] = true

		s, err := ToUTF16(v.text, unit, start)
		if err != nil {
			continue
		}
		e, err := ToUTF16(v.text, unit, end)
		if err != nil {
			continue
		}
		if firstStart < 0 {
			firstStart, firstEnd = s, e
		}
		got, ok := v.units.slice(s, e)
		if !ok || got == "" {
			continue
		}
		if got == quote {
			return Verification{Start: s, End: e, Quote: got, Quality: model.MatchExact, Unit: unit}
		}
		if normalized == nil && want != "" && Normalize(got) == want {
			normalized = &Verification{Start: s, End: e, Quote: got, Quality: model.MatchNormalized, Unit: unit}
		}
	}

	if normalized != nil {
		return *normalized
	}
	if firstStart < 0 {
		firstStart, firstEnd = start, end
	}
	return Verification{Start: firstStart, End: firstEnd, Quality: model.MatchNotFound}
}

// Normalize applies NFC and collapses whitespace runs to single spaces
func Normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
