package extract

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/ppiankov/lexledger/internal/llm"
	"github.com/ppiankov/lexledger/internal/model"
)

// HeuristicExtractor is a local, model-free Extractor. It finds sentences that
// mention a topic's keywords and carry a value of the topic's primary type.
// Offsets are reported in bytes. Useful offline and in tests; its output goes
// through the same verification as any model's.
type HeuristicExtractor struct {
	confidence float64
}

// NewHeuristicExtractor creates a heuristic extractor
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{confidence: 0.65}
}

var valuePatterns = map[model.ValueType]*regexp.Regexp{
	model.ValueRate:      regexp.MustCompile(`\d+(?:[.,]\d+)?\s?%`),
	model.ValueThreshold: regexp.MustCompile(`(?:[£$€]\s?\d[\d,]*(?:\.\d+)?|\d[\d,]*(?:\.\d+)?\s?(?:EUR|GBP|USD|euros?|pounds?|dollars?))`),
	model.ValueDeadline:  regexp.MustCompile(`(?i)(?:within|no later than|by)\s+(?:\d+\s+(?:calendar\s+|working\s+)?(?:days?|months?)|the\s+\d+(?:st|nd|rd|th)\s+(?:day\s+)?of\s+\w+(?:\s+\w+)?)`),
	model.ValueDate:      regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{1,2}\s+(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{4}`),
}

// effectivePattern finds a commencement date in the same sentence
var effectivePattern = regexp.MustCompile(`(?i)(?:with effect from|effective(?: from| as of)?|from|since|as of)\s+(\d{4}-\d{2}-\d{2}|\d{1,2}\s+(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{4})`)

var stopwords = map[string]bool{
	"the": true, "for": true, "and": true, "which": true, "above": true, "with": true,
	"that": true, "from": true, "into": true, "this": true, "must": true, "shall": true,
}

// Name returns the provider name
func (h *HeuristicExtractor) Name() string {
	return "heuristic"
}

// IsAvailable always reports true
func (h *HeuristicExtractor) IsAvailable(ctx context.Context) bool {
	return true
}

// Extract scans req.Text sentence by sentence
func (h *HeuristicExtractor) Extract(ctx context.Context, req llm.ExtractRequest) (*llm.ExtractResponse, error) {
	resp := &llm.ExtractResponse{IndexUnit: llm.UnitByte, Model: "heuristic"}

	for _, sent := range splitSentences(req.Text) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lower := strings.ToLower(sent.text)
		for _, topic := range req.Topics {
			re, ok := valuePatterns[topic.PrimaryType]
			if !ok || !mentions(lower, keywords(topic)) {
				continue
			}
			loc := re.FindStringIndex(sent.text)
			if loc == nil {
				continue
			}
			resp.Candidates = append(resp.Candidates, llm.Candidate{
				TopicKey:      topic.Key,
				Quote:         sent.text,
				StartOffset:   sent.start,
				EndOffset:     sent.start + len(sent.text),
				ValueType:     topic.PrimaryType,
				Value:         strings.TrimSpace(sent.text[loc[0]:loc[1]]),
				Confidence:    h.confidence,
				EffectiveFrom: effectiveFrom(sent.text),
			})
		}
	}
	return resp, nil
}

// effectiveFrom returns the sentence's commencement date as YYYY-MM-DD, or ""
func effectiveFrom(text string) string {
	m := effectivePattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	for _, layout := range []string{"2006-01-02", "2 January 2006"} {
		if t, err := time.Parse(layout, strings.Join(strings.Fields(m[1]), " ")); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

type sentence struct {
	text  string
	start int // byte offset into the source text
}

// splitSentences splits on terminators followed by whitespace, keeping byte
// offsets so quotes stay anchored to the source
func splitSentences(text string) []sentence {
	var out []sentence
	begin := 0
	emit := func(end int) {
		raw := text[begin:end]
		trimmed := strings.TrimLeftFunc(raw, unicode.IsSpace)
		start := begin + len(raw) - len(trimmed)
		trimmed = strings.TrimRightFunc(trimmed, unicode.IsSpace)
		if len(trimmed) >= 10 && len(trimmed) <= 1000 {
			out = append(out, sentence{text: trimmed, start: start})
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' && i+1 < len(text) && text[i+1] == '\n' {
			emit(i)
			begin = i + 1
			continue
		}
		if c != '.' && c != '!' && c != '?' && c != ';' {
			continue
		}
		// Skip decimal points
		if c == '.' && i+1 < len(text) && text[i+1] >= '0' && text[i+1] <= '9' {
			continue
		}
		if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\t' || text[i+1] == '\n' {
			emit(i + 1)
			begin = i + 1
		}
	}
	if begin < len(text) {
		emit(len(text))
	}
	return out
}

func keywords(topic model.TopicSchema) []string {
	src := topic.Description
	if src == "" {
		src = strings.ReplaceAll(topic.Key, "_", " ")
	}
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(src), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 3 && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// mentions requires at least two keywords, or the only one when there is one
func mentions(lower string, words []string) bool {
	need := 2
	if len(words) < need {
		need = len(words)
	}
	if need == 0 {
		return false
	}
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits++
			if hits >= need {
				return true
			}
		}
	}
	return false
}
