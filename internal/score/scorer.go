// Package score computes authority scores for the two sides of a conflict
package score

import (
	"fmt"
	"math"
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

// Scorer calculates authority scores and decides between conflict sides
type Scorer struct {
	margin        float64
	recencyWeight float64
	horizon       time.Duration
	high          model.AuthorityTier
}

// NewScorer creates a scorer from arbiter configuration
func NewScorer(cfg model.ArbiterConfig) *Scorer {
	s := &Scorer{
		margin:        cfg.Margin,
		recencyWeight: cfg.RecencyWeight,
		horizon:       cfg.RecencyHorizon,
		high:          model.ParseTier(cfg.HighAuthorityTier),
	}
	if s.high == model.TierUnknown {
		s.high = model.TierLaw
	}
	if s.horizon <= 0 {
		s.horizon = 10 * 365 * 24 * time.Hour
	}
	return s
}

// Score is one side's authority score with its parts
type Score struct {
	Value   float64
	Tier    float64
	Recency float64
	Formula string
}

// Calculate scores a source of the given tier and date as of now.
// The tier contributes whole points; recency adds up to recencyWeight,
// decaying linearly to zero over the horizon.
func (s *Scorer) Calculate(tier model.AuthorityTier, sourceDate, now time.Time) Score {
	age := now.Sub(sourceDate)
	if age < 0 {
		age = 0
	}
	freshness := 1 - float64(age)/float64(s.horizon)
	freshness = math.Max(0, math.Min(1, freshness))
	recency := s.recencyWeight * freshness

	return Score{
		Value:   float64(tier) + recency,
		Tier:    float64(tier),
		Recency: recency,
		Formula: fmt.Sprintf("tier(%d) + %.2f * max(0, 1 - age/%s)", tier, s.recencyWeight, s.horizon),
	}
}

// Decision is the outcome of comparing two scored sides
type Decision struct {
	Outcome model.Outcome
	Reason  string
}

// Decide picks a winner only when authority alone justifies it: the score
// gap must exceed the margin and the sides must not both be high authority.
// Everything else goes to human review.
func (s *Scorer) Decide(a, b model.ConflictSide) Decision {
	if a.Tier >= s.high && b.Tier >= s.high {
		return Decision{
			Outcome: model.OutcomeNeedsHumanReview,
			Reason:  fmt.Sprintf("both sides are %s or higher", s.high),
		}
	}

	gap := a.Score - b.Score
	if math.Abs(gap) <= s.margin {
		return Decision{
			Outcome: model.OutcomeNeedsHumanReview,
			Reason:  fmt.Sprintf("authority scores %.3f and %.3f within margin %.2f", a.Score, b.Score, s.margin),
		}
	}

	if gap > 0 {
		return Decision{
			Outcome: model.OutcomeSideAWins,
			Reason:  fmt.Sprintf("%s (%.3f) outranks %s (%.3f)", a.Tier, a.Score, b.Tier, b.Score),
		}
	}
	return Decision{
		Outcome: model.OutcomeSideBWins,
		Reason:  fmt.Sprintf("%s (%.3f) outranks %s (%.3f)", b.Tier, b.Score, a.Tier, a.Score),
	}
}

// HighTier returns the tier at or above which sides are never auto-resolved
func (s *Scorer) HighTier() model.AuthorityTier {
	return s.high
}
