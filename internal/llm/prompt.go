package llm

import (
	"fmt"
	"strings"

	"github.com/ppiankov/lexledger/internal/model"
)

const systemPrompt = "You extract regulatory facts from source documents. You quote the document verbatim and never paraphrase. You answer with JSON only."

// BuildPrompt constructs the extraction prompt for a request
func BuildPrompt(req ExtractRequest) string {
	var b strings.Builder
	b.WriteString(`Find statements in the DOCUMENT that answer the TOPICS below.

RULES:
1. "quote" must be copied character for character from the DOCUMENT.
2. "start_offset" and "end_offset" are UTF-16 code unit offsets of the quote in the DOCUMENT, end exclusive. Set "index_unit" to "utf16".
3. Only use the value types listed for each topic.
4. For a reference to another topic, use value_type "reference" and put the referenced topic key in "value".
5. Give effective dates as YYYY-MM-DD when the DOCUMENT states them.
6. If nothing applies, return an empty "candidates" array. Do not guess.

Respond with:
{"index_unit":"utf16","candidates":[{"topic":"...","quote":"...","start_offset":0,"end_offset":0,"value_type":"...","value":"...","confidence":0.0,"effective_from":"","effective_to":""}]}

TOPICS:
`)
	for _, t := range req.Topics {
		fmt.Fprintf(&b, "- %s: %s (value types: %s)\n", t.Key, t.Description, joinTypes(topicTypes(t)))
	}
	b.WriteString("\nDOCUMENT:\n<<<\n")
	b.WriteString(req.Text)
	b.WriteString("\n>>>\n")
	return b.String()
}

func topicTypes(t model.TopicSchema) []model.ValueType {
	seen := map[model.ValueType]bool{}
	var out []model.ValueType
	add := func(v model.ValueType) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	add(t.PrimaryType)
	for _, v := range t.RequiredTypes {
		add(v)
	}
	add(model.ValueReference)
	return out
}

func joinTypes(types []model.ValueType) string {
	s := make([]string, len(types))
	for i, t := range types {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}
