package model

import "time"

// Rule is a versioned, topic-keyed regulatory statement built from pointers
type Rule struct {
	ID            string      `json:"id"`
	TopicKey      string      `json:"topic_key"`
	Version       int         `json:"version"`
	Value         string      `json:"value"`
	ValueType     ValueType   `json:"value_type"`
	EffectiveFrom time.Time   `json:"effective_from"`
	EffectiveTo   *time.Time  `json:"effective_to,omitempty"` // nil = open-ended
	Status        RuleStatus  `json:"status"`
	GraphStatus   GraphStatus `json:"graph_status,omitempty"` // empty = legacy/unmanaged
	PointerIDs    []string    `json:"pointer_ids"`
	Confidence    float64     `json:"confidence"`
	StatusReason  string      `json:"status_reason,omitempty"`
	Signature     string      `json:"signature"` // hash of topic, window, value and pointer set
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	PublishedAt   *time.Time  `json:"published_at,omitempty"`
}

// Covers reports whether the validity window contains t
func (r *Rule) Covers(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo == nil || t.Before(*r.EffectiveTo)
}

// Overlaps reports whether two validity windows intersect
func (r *Rule) Overlaps(o *Rule) bool {
	return WindowsOverlap(r.EffectiveFrom, r.EffectiveTo, o.EffectiveFrom, o.EffectiveTo)
}

// IsLegacy reports whether the rule predates graph management
func (r *Rule) IsLegacy() bool {
	return r.GraphStatus == GraphNone
}

// SelectCurrent returns the rule in force at t: among rules whose window
// contains t, the latest start date wins, then the highest version. Nil when
// none covers t.
func SelectCurrent(rules []*Rule, t time.Time) *Rule {
	var best *Rule
	for _, r := range rules {
		if !r.Covers(t) {
			continue
		}
		if best == nil || r.EffectiveFrom.After(best.EffectiveFrom) ||
			(r.EffectiveFrom.Equal(best.EffectiveFrom) && r.Version > best.Version) {
			best = r
		}
	}
	return best
}

// WindowsOverlap reports whether [aFrom,aTo) and [bFrom,bTo) intersect; nil end is open.
func WindowsOverlap(aFrom time.Time, aTo *time.Time, bFrom time.Time, bTo *time.Time) bool {
	if aTo != nil && !bFrom.Before(*aTo) {
		return false
	}
	if bTo != nil && !aFrom.Before(*bTo) {
		return false
	}
	return true
}

// RuleStatus is the publication lifecycle state
type RuleStatus string

const (
	RuleDraft      RuleStatus = "DRAFT"
	RuleReview     RuleStatus = "REVIEW"
	RuleArbitrated RuleStatus = "ARBITRATED"
	RulePublished  RuleStatus = "PUBLISHED"
	RuleRejected   RuleStatus = "REJECTED"
)

var ruleTransitions = map[RuleStatus][]RuleStatus{
	RuleDraft:      {RuleReview, RuleRejected},
	RuleReview:     {RuleArbitrated, RuleRejected},
	RuleArbitrated: {RulePublished, RuleRejected},
	RulePublished:  {RuleRejected},
}

// CanTransition reports whether from → to is a legal lifecycle move
func CanTransition(from, to RuleStatus) bool {
	for _, next := range ruleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// GraphStatus is the freshness state of a rule's dependency edges
type GraphStatus string

const (
	GraphNone    GraphStatus = "" // legacy/unmanaged
	GraphPending GraphStatus = "PENDING"
	GraphCurrent GraphStatus = "CURRENT"
	GraphStale   GraphStatus = "STALE"
)

// Edge is a directed dependency: FromRuleID depends on ToRuleID
type Edge struct {
	ID         string    `json:"id"`
	FromRuleID string    `json:"from_rule_id"`
	ToRuleID   string    `json:"to_rule_id"`
	ToTopicKey string    `json:"to_topic_key"`
	PointerID  string    `json:"pointer_id"` // reference pointer that produced the edge
	CreatedAt  time.Time `json:"created_at"`
}

// TopicSchema declares what a topic's rule needs
type TopicSchema struct {
	Key            string      `json:"key" yaml:"key" mapstructure:"key"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	PrimaryType    ValueType   `json:"primary_type" yaml:"primary_type" mapstructure:"primary_type"`
	RequiredTypes  []ValueType `json:"required_types" yaml:"required_types" mapstructure:"required_types"`
	Predicates     []Predicate `json:"predicates,omitempty" yaml:"predicates,omitempty" mapstructure:"predicates"`
	AllowedValueRe string      `json:"allowed_value_pattern,omitempty" yaml:"allowed_value_pattern,omitempty" mapstructure:"allowed_value_pattern"`
}

// Predicate is a user-supplied pattern condition evaluated against pointer text
type Predicate struct {
	Name      string    `json:"name" yaml:"name" mapstructure:"name"`
	ValueType ValueType `json:"value_type,omitempty" yaml:"value_type,omitempty" mapstructure:"value_type"`
	Field     string    `json:"field" yaml:"field" mapstructure:"field"` // "quote" or "value"
	Pattern   string    `json:"pattern" yaml:"pattern" mapstructure:"pattern"`
	Negate    bool      `json:"negate,omitempty" yaml:"negate,omitempty" mapstructure:"negate"`
}
