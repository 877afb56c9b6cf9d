package model

import "time"

// Conflict is a detected pairwise contradiction. Sides are referenced by id only.
type Conflict struct {
	ID         string       `json:"id"`
	TopicKey   string       `json:"topic_key"`
	Kind       ConflictKind `json:"kind"`
	SideA      ConflictSide `json:"side_a"`
	SideB      ConflictSide `json:"side_b"`
	Outcome    Outcome      `json:"outcome"` // latest resolution outcome
	DetectedAt time.Time    `json:"detected_at"`
}

// Open reports whether the conflict awaits a decision
func (c *Conflict) Open() bool {
	return c.Outcome == OutcomePending || c.Outcome == OutcomeNeedsHumanReview
}

// Side returns the side with the given item id
func (c *Conflict) Side(itemID string) (ConflictSide, bool) {
	switch itemID {
	case c.SideA.ItemID:
		return c.SideA, true
	case c.SideB.ItemID:
		return c.SideB, true
	}
	return ConflictSide{}, false
}

// ConflictKind says what the two sides are
type ConflictKind string

const (
	ConflictPointers ConflictKind = "POINTER_POINTER"
	ConflictRules    ConflictKind = "RULE_RULE"
)

// ConflictSide is one party of a conflict
type ConflictSide struct {
	ItemID     string        `json:"item_id"` // pointer or rule id
	Value      string        `json:"value"`
	Tier       AuthorityTier `json:"tier"`
	SourceDate time.Time     `json:"source_date"`
	Score      float64       `json:"score"`
}

// Outcome is a resolution result
type Outcome string

const (
	OutcomePending          Outcome = "PENDING"
	OutcomeSideAWins        Outcome = "SIDE_A_WINS"
	OutcomeSideBWins        Outcome = "SIDE_B_WINS"
	OutcomeNeedsHumanReview Outcome = "NEEDS_HUMAN_REVIEW"
	OutcomeHumanResolved    Outcome = "HUMAN_RESOLVED"
)

// Resolution is an append-only record of one arbitration decision.
// Later resolutions for the same conflict supersede earlier ones.
type Resolution struct {
	ID          string    `json:"id"`
	ConflictID  string    `json:"conflict_id"`
	Outcome     Outcome   `json:"outcome"`
	WinnerID    string    `json:"winner_id,omitempty"`
	LoserID     string    `json:"loser_id,omitempty"`
	ScoreA      float64   `json:"score_a"`
	ScoreB      float64   `json:"score_b"`
	Reason      string    `json:"reason"`
	DecidedBy   string    `json:"decided_by"` // "arbiter" or reviewer identity
	SupersedeOf string    `json:"supersedes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
