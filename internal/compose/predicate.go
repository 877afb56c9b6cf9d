package compose

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ppiankov/lexledger/internal/model"
)

const topicSchemaURL = "lexledger://schemas/topic.json"

const topicSchemaSource = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["key", "primary_type", "required_types"],
  "properties": {
    "key": {"type": "string", "pattern": "^[A-Z][A-Z0-9_]{1,127}$"},
    "description": {"type": "string", "maxLength": 500},
    "primary_type": {"$ref": "#/$defs/valueType"},
    "required_types": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/valueType"}},
    "allowed_value_pattern": {"type": "string", "maxLength": 512},
    "predicates": {
      "type": "array",
      "maxItems": 32,
      "items": {
        "type": "object",
        "required": ["name", "field", "pattern"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]{0,63}$"},
          "value_type": {"$ref": "#/$defs/valueType"},
          "field": {"enum": ["quote", "value"]},
          "pattern": {"type": "string", "minLength": 1, "maxLength": 512},
          "negate": {"type": "boolean"}
        }
      }
    }
  },
  "$defs": {
    "valueType": {"enum": ["threshold", "rate", "date", "deadline", "obligation", "definition", "procedure", "exception", "reference", "prohibition"]}
  }
}`

var topicSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(topicSchemaURL, strings.NewReader(topicSchemaSource)); err != nil {
		panic(fmt.Sprintf("topic schema: %v", err))
	}
	return c.MustCompile(topicSchemaURL)
}()

// ValidateTopic checks a topic definition and its predicates before they are
// accepted. Invalid definitions are rejected with ErrPredicateRejected.
func ValidateTopic(t model.TopicSchema, cfg model.PredicateConfig) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode topic %s: %w", t.Key, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode topic %s: %w", t.Key, err)
	}
	if err := topicSchema.Validate(doc); err != nil {
		return fmt.Errorf("topic %s: %w: %v", t.Key, model.ErrPredicateRejected, err)
	}

	if t.AllowedValueRe != "" {
		if _, err := compilePattern(t.AllowedValueRe, cfg); err != nil {
			return fmt.Errorf("topic %s allowed_value_pattern: %w", t.Key, err)
		}
	}
	for _, p := range t.Predicates {
		if _, err := CompilePredicate(p, cfg); err != nil {
			return fmt.Errorf("topic %s: %w", t.Key, err)
		}
	}
	return nil
}

// ValidateTopics validates every topic and rejects duplicate keys
func ValidateTopics(topics []model.TopicSchema, cfg model.PredicateConfig) error {
	seen := map[string]bool{}
	for _, t := range topics {
		if seen[t.Key] {
			return fmt.Errorf("duplicate topic %s: %w", t.Key, model.ErrPredicateRejected)
		}
		seen[t.Key] = true
		if err := ValidateTopic(t, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Predicate is a compiled pattern condition with an execution budget
type Predicate struct {
	spec     model.Predicate
	re       *regexp2.Regexp
	maxInput int
}

// CompilePredicate compiles p under cfg's budget
func CompilePredicate(p model.Predicate, cfg model.PredicateConfig) (*Predicate, error) {
	if p.Field != "quote" && p.Field != "value" {
		return nil, fmt.Errorf("predicate %s: field %q: %w", p.Name, p.Field, model.ErrPredicateRejected)
	}
	re, err := compilePattern(p.Pattern, cfg)
	if err != nil {
		return nil, fmt.Errorf("predicate %s: %w", p.Name, err)
	}
	return &Predicate{spec: p, re: re, maxInput: cfg.MaxInputLength}, nil
}

func compilePattern(pattern string, cfg model.PredicateConfig) (*regexp2.Regexp, error) {
	if cfg.MaxPatternLen > 0 && len(pattern) > cfg.MaxPatternLen {
		return nil, fmt.Errorf("pattern longer than %d: %w", cfg.MaxPatternLen, model.ErrPredicateRejected)
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPredicateRejected, err)
	}
	re.MatchTimeout = cfg.Timeout
	if re.MatchTimeout <= 0 {
		re.MatchTimeout = 50 * time.Millisecond
	}
	return re, nil
}

// Name returns the predicate name
func (p *Predicate) Name() string {
	return p.spec.Name
}

// Applies reports whether the predicate constrains pointers of type t
func (p *Predicate) Applies(t model.ValueType) bool {
	return p.spec.ValueType == "" || p.spec.ValueType == t
}

// Eval evaluates the predicate against ptr. Inputs over the length cap and
// matches that exceed the time budget are errors, never passes.
func (p *Predicate) Eval(ptr *model.SourcePointer) (bool, error) {
	input := ptr.Value
	if p.spec.Field == "quote" {
		input = ptr.ExactQuote
	}
	if p.maxInput > 0 && len(input) > p.maxInput {
		return false, fmt.Errorf("predicate %s: input of %d bytes exceeds %d: %w", p.spec.Name, len(input), p.maxInput, model.ErrPredicateRejected)
	}
	ok, err := p.re.MatchString(input)
	if err != nil {
		return false, fmt.Errorf("predicate %s: %w: %v", p.spec.Name, model.ErrPredicateRejected, err)
	}
	return ok != p.spec.Negate, nil
}

// valuePattern is the compiled allowed_value_pattern of a topic
type valuePattern struct {
	re       *regexp2.Regexp
	maxInput int
}

func (v *valuePattern) match(value string) (bool, error) {
	if v == nil {
		return true, nil
	}
	if v.maxInput > 0 && len(value) > v.maxInput {
		return false, fmt.Errorf("value of %d bytes exceeds %d: %w", len(value), v.maxInput, model.ErrPredicateRejected)
	}
	ok, err := v.re.MatchString(value)
	if err != nil {
		return false, fmt.Errorf("allowed value pattern: %w: %v", model.ErrPredicateRejected, err)
	}
	return ok, nil
}
