package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ppiankov/lexledger/internal/model"
)

const responseSchemaURL = "lexledger://schemas/extraction-response.json"

var responseSchema = mustCompileResponseSchema()

func responseSchemaSource() string {
	types := make([]string, len(model.ValueTypes))
	for i, t := range model.ValueTypes {
		types[i] = fmt.Sprintf("%q", t)
	}
	return `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["candidates"],
  "properties": {
    "index_unit": {"enum": ["utf16", "codepoint", "byte"]},
    "candidates": {
      "type": "array",
      "maxItems": 500,
      "items": {
        "type": "object",
        "required": ["topic", "quote", "start_offset", "end_offset", "value_type", "value", "confidence"],
        "properties": {
          "topic": {"type": "string", "minLength": 1, "maxLength": 200},
          "quote": {"type": "string", "minLength": 1, "maxLength": 4000},
          "start_offset": {"type": "integer", "minimum": 0},
          "end_offset": {"type": "integer", "minimum": 0},
          "value_type": {"enum": [` + strings.Join(types, ", ") + `]},
          "value": {"type": "string", "maxLength": 2000},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "effective_from": {"type": "string"},
          "effective_to": {"type": "string"}
        }
      }
    }
  }
}`
}

func mustCompileResponseSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(responseSchemaURL, strings.NewReader(responseSchemaSource())); err != nil {
		panic(fmt.Sprintf("extraction response schema: %v", err))
	}
	return c.MustCompile(responseSchemaURL)
}

// ParseResponse validates raw model output against the response schema and
// decodes it. Markdown code fences around the JSON are tolerated.
func ParseResponse(raw string) (*ExtractResponse, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, fmt.Errorf("empty model output")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("model output is not JSON: %w", err)
	}
	if err := responseSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("model output violates schema: %w", err)
	}

	var resp ExtractResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if resp.IndexUnit == "" {
		resp.IndexUnit = UnitUTF16
	}
	return &resp, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
