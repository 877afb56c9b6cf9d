package extract

import (
	"testing"

	"github.com/ppiankov/lexledger/internal/llm"
	"github.com/ppiankov/lexledger/internal/model"
)

func TestVerify(t *testing.T) {
	text := "Article 96: The standard rate of VAT shall be  25%\nof the taxable amount. Les entreprises établies…"

	tests := []struct {
		name    string
		quote   string
		start   int
		end     int
		unit    llm.IndexUnit
		quality model.MatchQuality
	}{
		{"exact", "standard rate of VAT", 16, 36, llm.UnitUTF16, model.MatchExact},
		{"whitespace collapsed", "be 25% of", 43, 53, llm.UnitUTF16, model.MatchNormalized},
		{"wrong offsets", "standard rate of VAT", 100, 120, llm.UnitUTF16, model.MatchNotFound},
		{"out of range", "anything", 500, 520, llm.UnitUTF16, model.MatchNotFound},
		{"byte offsets declared", "établies", 90, 99, llm.UnitByte, model.MatchExact},
		{"byte offsets mislabelled as utf16", "établies", 90, 99, llm.UnitUTF16, model.MatchExact},
		{"empty range", "", 3, 3, llm.UnitUTF16, model.MatchNotFound},
	}

	v := NewVerifier(text)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Verify(tt.quote, tt.start, tt.end, tt.unit)
			if got.Quality != tt.quality {
				t.Fatalf("Expected %s, got %s (%+v)", tt.quality, got.Quality, got)
			}
			if got.Quality == model.MatchNotFound {
				if got.Quote != "" {
					t.Errorf("Expected empty quote for NOT_FOUND, got %q", got.Quote)
				}
				return
			}
			slice, ok := SliceUTF16(text, got.Start, got.End)
			if !ok || slice != got.Quote {
				t.Errorf("Invariant broken: slice %q != quote %q", slice, got.Quote)
			}
		})
	}
}

func TestVerify_NFC(t *testing.T) {
	// Stored text is decomposed; the extractor returned the composed form.
	text := "Taxe sur la vale\u0301e"
	v := NewVerifier(text)
	got := v.Verify("val\u00e9e", 12, UTF16Len(text), llm.UnitUTF16)
	if got.Quality != model.MatchNormalized {
		t.Fatalf("Expected NORMALIZED, got %s", got.Quality)
	}
	if got.Quote != "vale\u0301e" {
		t.Errorf("Expected stored text as quote, got %q", got.Quote)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  a \t b\n\nc  "); got != "a b c" {
		t.Errorf("Expected collapsed whitespace, got %q", got)
	}
	if Normalize("e\u0301") != Normalize("\u00e9") {
		t.Error("Expected NFC forms to compare equal")
	}
}
