package evidence

import (
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

// Policy holds per-tier re-verification thresholds
type Policy struct {
	Thresholds map[model.AuthorityTier]time.Duration
	Default    time.Duration
}

// PolicyFromConfig converts tier names to tiers; unknown names are ignored
func PolicyFromConfig(cfg model.StalenessConfig) Policy {
	p := Policy{Thresholds: make(map[model.AuthorityTier]time.Duration), Default: cfg.Default}
	for name, d := range cfg.Thresholds {
		if tier := model.ParseTier(name); tier != model.TierUnknown {
			p.Thresholds[tier] = d
		}
	}
	if p.Default <= 0 {
		p.Default = 30 * 24 * time.Hour
	}
	return p
}

// MaxAge returns the threshold for a tier
func (p Policy) MaxAge(tier model.AuthorityTier) time.Duration {
	if d, ok := p.Thresholds[tier]; ok && d > 0 {
		return d
	}
	return p.Default
}

// IsStale reports whether ev needs re-fetching: its last verification is older
// than its tier allows, or the fresh change signal differs from the stored one
func (p Policy) IsStale(ev *model.Evidence, fresh model.ChangeSignal, now time.Time) bool {
	if now.Sub(ev.LastVerifiedAt) > p.MaxAge(ev.Tier) {
		return true
	}
	return Changed(ev.ChangeSignal, fresh)
}

// Changed compares change signals. Missing values on either side are not a change.
func Changed(stored, fresh model.ChangeSignal) bool {
	if stored.ETag != "" && fresh.ETag != "" && stored.ETag != fresh.ETag {
		return true
	}
	if stored.LastModified != nil && fresh.LastModified != nil && fresh.LastModified.After(*stored.LastModified) {
		return true
	}
	return false
}
