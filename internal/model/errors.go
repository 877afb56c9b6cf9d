package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Wrap with fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	ErrImmutabilityViolation  = errors.New("immutability violation")
	ErrProvenanceMismatch     = errors.New("provenance mismatch")
	ErrExtractionFailure      = errors.New("extraction failure")
	ErrConflictUnresolved     = errors.New("conflict unresolved")
	ErrGraphCycleDetected     = errors.New("graph cycle detected")
	ErrExternalServiceTimeout = errors.New("external service timeout")

	ErrNotFound          = errors.New("not found")
	ErrTombstoned        = errors.New("evidence tombstoned")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPredicateRejected = errors.New("predicate rejected")
	ErrMissingDependency = errors.New("missing dependency")
)

// CycleError reports the rule ids forming a dependency cycle
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrGraphCycleDetected }

// ExtractionError carries the attempt and reason of a failed extraction
type ExtractionError struct {
	EvidenceID string
	Attempt    int
	Reason     string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for evidence %s (attempt %d): %s", e.EvidenceID, e.Attempt, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return ErrExtractionFailure }

// IsPermanent reports errors that retrying cannot fix
func IsPermanent(err error) bool {
	return errors.Is(err, ErrImmutabilityViolation) ||
		errors.Is(err, ErrTombstoned) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPredicateRejected)
}
