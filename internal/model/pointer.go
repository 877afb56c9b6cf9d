package model

import "time"

// SourcePointer is a verified factual assertion anchored into one Evidence record.
// Offsets are UTF-16 code units: for any pointer with MatchQuality EXACT or
// NORMALIZED, utf16(evidence.RawContent)[StartOffset:EndOffset] == ExactQuote.
type SourcePointer struct {
	ID           string       `json:"id"`
	EvidenceID   string       `json:"evidence_id"`
	TopicKey     string       `json:"topic_key"`
	StartOffset  int          `json:"start_offset"`
	EndOffset    int          `json:"end_offset"`
	ExactQuote   string       `json:"exact_quote"`             // text at the offsets
	ClaimedQuote string       `json:"claimed_quote,omitempty"` // what the extractor said, when it differs
	ValueType    ValueType    `json:"value_type"`
	Value        string       `json:"value"`
	Confidence   float64      `json:"confidence"`
	MatchQuality MatchQuality `json:"match_quality"`

	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`

	// Written only by the arbiter.
	Annotation ConflictAnnotation `json:"annotation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Verified reports whether the pointer passed offset verification
func (p *SourcePointer) Verified() bool {
	return p.MatchQuality == MatchExact || p.MatchQuality == MatchNormalized
}

// Usable reports whether the pointer may support a rule
func (p *SourcePointer) Usable() bool {
	return p.Verified() && p.Annotation != AnnotationRejectedLowerAuthority
}

// ValueType classifies the extracted value
type ValueType string

const (
	ValueThreshold   ValueType = "threshold"
	ValueRate        ValueType = "rate"
	ValueDate        ValueType = "date"
	ValueDeadline    ValueType = "deadline"
	ValueObligation  ValueType = "obligation"
	ValueDefinition  ValueType = "definition"
	ValueProcedure   ValueType = "procedure"
	ValueException   ValueType = "exception"
	ValueReference   ValueType = "reference" // Value holds the referenced topic key
	ValueProhibition ValueType = "prohibition"
)

// ValueTypes lists every accepted value type
var ValueTypes = []ValueType{
	ValueThreshold, ValueRate, ValueDate, ValueDeadline, ValueObligation,
	ValueDefinition, ValueProcedure, ValueException, ValueReference, ValueProhibition,
}

// Valid reports whether v is a known value type
func (v ValueType) Valid() bool {
	for _, t := range ValueTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Numeric reports whether values of this type compare with a tolerance
func (v ValueType) Numeric() bool {
	return v == ValueThreshold || v == ValueRate
}

// MatchQuality records the outcome of quote verification
type MatchQuality string

const (
	MatchExact               MatchQuality = "EXACT"
	MatchNormalized          MatchQuality = "NORMALIZED"
	MatchNotFound            MatchQuality = "NOT_FOUND"
	MatchPendingVerification MatchQuality = "PENDING_VERIFICATION"
)

// ConflictAnnotation is the arbiter's mark on a pointer
type ConflictAnnotation string

const (
	AnnotationNone                   ConflictAnnotation = ""
	AnnotationRejectedLowerAuthority ConflictAnnotation = "REJECTED_LOWER_AUTHORITY"
	AnnotationContested              ConflictAnnotation = "CONTESTED"
	AnnotationUpheld                 ConflictAnnotation = "UPHELD"
)
