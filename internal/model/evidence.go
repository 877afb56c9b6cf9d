package model

import "time"

// Evidence is an immutable record of fetched source content.
// RawContent, ContentHash and FetchedAt never change after creation; a changed
// document produces a new record linked to the prior one through URL.
type Evidence struct {
	ID          string        `json:"id"`
	URL         string        `json:"url"`
	ContentHash string        `json:"content_hash"` // hex sha256 of the fetched bytes
	RawContent  string        `json:"raw_content"`
	Encoding    string        `json:"encoding,omitempty"` // "" for UTF-8 text, "base64" for binary
	FetchedAt   time.Time     `json:"fetched_at"`
	ContentKind ContentKind   `json:"content_kind"`
	ContentType string        `json:"content_type,omitempty"` // hint supplied by the caller
	Tier        AuthorityTier `json:"tier"`
	PreviousID  string        `json:"previous_id,omitempty"` // most recent record for URL at creation time

	// Verification metadata is the only mutable surface.
	LastVerifiedAt time.Time    `json:"last_verified_at"`
	ChangeSignal   ChangeSignal `json:"change_signal"`

	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
}

// IsTombstoned reports whether the record was soft-deleted
func (e *Evidence) IsTombstoned() bool {
	return e.DeletedAt != nil
}

// ChangeSignal is the externally supplied change-detection signal
type ChangeSignal struct {
	ETag         string     `json:"etag,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// Empty reports whether no signal was supplied
func (s ChangeSignal) Empty() bool {
	return s.ETag == "" && s.LastModified == nil
}

// ContentKind classifies fetched content
type ContentKind string

const (
	ContentText    ContentKind = "text"
	ContentHTML    ContentKind = "html"
	ContentTabular ContentKind = "tabular"
	ContentScanned ContentKind = "scanned" // needs OCR, not extractable here
	ContentUnknown ContentKind = "unknown"
)

// Extractable reports whether pointers can be extracted from this kind
func (k ContentKind) Extractable() bool {
	switch k {
	case ContentText, ContentHTML, ContentTabular:
		return true
	default:
		return false
	}
}

// AuthorityTier ranks a source's legal weight. Higher is stronger.
type AuthorityTier int

const (
	TierUnknown    AuthorityTier = 0
	TierPractice   AuthorityTier = 1 // Practice guides, commentary
	TierGuidance   AuthorityTier = 2 // Official guidance, circulars
	TierRegulation AuthorityTier = 3 // Regulations, ordinances
	TierLaw        AuthorityTier = 4 // Primary law, statutes
)

func (t AuthorityTier) String() string {
	switch t {
	case TierLaw:
		return "law"
	case TierRegulation:
		return "regulation"
	case TierGuidance:
		return "guidance"
	case TierPractice:
		return "practice"
	default:
		return "unknown"
	}
}

// ParseTier converts a tier name to AuthorityTier. Unknown names map to TierUnknown.
func ParseTier(s string) AuthorityTier {
	switch s {
	case "law", "LAW", "primary":
		return TierLaw
	case "regulation", "REGULATION":
		return TierRegulation
	case "guidance", "GUIDANCE":
		return TierGuidance
	case "practice", "PRACTICE":
		return TierPractice
	default:
		return TierUnknown
	}
}

// SourceAttributes are the inputs to authority classification
type SourceAttributes struct {
	URL          string `json:"url"`
	Publisher    string `json:"publisher,omitempty"`
	DocumentType string `json:"document_type,omitempty"` // e.g. "statute", "circular"
}

// Submission is a fetched document handed over by the discovery collaborator
type Submission struct {
	URL             string           `json:"url"`
	Raw             []byte           `json:"-"`
	ContentTypeHint string           `json:"content_type_hint,omitempty"`
	ChangeSignal    ChangeSignal     `json:"change_signal"`
	Attributes      SourceAttributes `json:"attributes"`
}
