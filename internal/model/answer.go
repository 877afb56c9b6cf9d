package model

import "time"

// Answer is the result of the answer boundary.
// On refusal Success is false and RefusalReason says why; Value is empty.
type Answer struct {
	Success       bool          `json:"success"`
	TopicKey      string        `json:"topic_key"`
	AsOf          time.Time     `json:"as_of"`
	Value         string        `json:"value,omitempty"`
	ValueType     ValueType     `json:"value_type,omitempty"`
	RuleID        string        `json:"rule_id,omitempty"`
	GraphStatus   GraphStatus   `json:"graph_status,omitempty"`
	RefusalReason RefusalReason `json:"refusal_reason,omitempty"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
	Citations     []Citation    `json:"citations,omitempty"`
	Confidence    float64       `json:"confidence"`
	Legacy        bool          `json:"legacy,omitempty"`
}

// RefusalReason distinguishes why no answer was given
type RefusalReason string

const (
	RefusalNone               RefusalReason = ""
	RefusalNoRule             RefusalReason = "NO_RULE_FOUND"
	RefusalGraphInconsistent  RefusalReason = "GRAPH_INCONSISTENT_RETRY"
	RefusalConflictUnresolved RefusalReason = "CONFLICT_UNRESOLVED"
)

// Citation points at the exact quote backing an answer
type Citation struct {
	PointerID   string `json:"pointer_id"`
	EvidenceID  string `json:"evidence_id"`
	URL         string `json:"url"`
	Quote       string `json:"quote"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// ProvenanceChain is rule → pointers → evidence → offsets
type ProvenanceChain struct {
	Rule  Rule             `json:"rule"`
	Links []ProvenanceLink `json:"links"`
	Edges []Edge           `json:"edges,omitempty"`
}

// ProvenanceLink joins one pointer to its evidence
type ProvenanceLink struct {
	Pointer     SourcePointer `json:"pointer"`
	EvidenceID  string        `json:"evidence_id"`
	URL         string        `json:"url"`
	ContentHash string        `json:"content_hash"`
	FetchedAt   time.Time     `json:"fetched_at"`
	Tier        AuthorityTier `json:"tier"`
	Tombstoned  bool          `json:"tombstoned"`
	QuoteHolds  bool          `json:"quote_holds"` // re-checked at read time
}

// AuditRecord is an append-only operational audit entry
type AuditRecord struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
