package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

const evidenceColumns = `id, url, content_hash, raw_content, encoding, fetched_at, content_kind, content_type, tier,
	previous_id, last_verified_at, etag, last_modified, deleted_at, delete_reason`

// InsertEvidence stores a new record. It reports false when (url, content_hash)
// already exists, in which case nothing is written.
func (q *Queries) InsertEvidence(ctx context.Context, e *model.Evidence) (bool, error) {
	res, err := q.exec(ctx, `INSERT INTO evidence (`+evidenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url, content_hash) DO NOTHING`,
		e.ID, e.URL, e.ContentHash, e.RawContent, e.Encoding, fmtTime(e.FetchedAt), string(e.ContentKind),
		e.ContentType, int(e.Tier), e.PreviousID, fmtTime(e.LastVerifiedAt),
		e.ChangeSignal.ETag, nullTime(e.ChangeSignal.LastModified), nullTime(e.DeletedAt), e.DeleteReason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert evidence: %w", guardError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// GetEvidence loads a record by id, tombstoned or not
func (q *Queries) GetEvidence(ctx context.Context, id string) (*model.Evidence, error) {
	row := q.queryRow(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id = ?`, id)
	e, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("evidence", id)
	}
	return e, err
}

// EvidenceMeta is the mutable part of an evidence record
type EvidenceMeta struct {
	LastVerifiedAt time.Time
	ChangeSignal   model.ChangeSignal
	DeletedAt      *time.Time
	DeleteReason   string
}

// Apply overwrites the mutable fields of e
func (m *EvidenceMeta) Apply(e *model.Evidence) {
	e.LastVerifiedAt = m.LastVerifiedAt
	e.ChangeSignal = m.ChangeSignal
	e.DeletedAt = m.DeletedAt
	e.DeleteReason = m.DeleteReason
}

// GetEvidenceMeta loads verification metadata and tombstone state without
// the content
func (q *Queries) GetEvidenceMeta(ctx context.Context, id string) (*EvidenceMeta, error) {
	var (
		m                       EvidenceMeta
		verifiedAt              string
		lastModified, deletedAt sql.NullString
	)
	err := q.queryRow(ctx, `SELECT last_verified_at, etag, last_modified, deleted_at, delete_reason
		FROM evidence WHERE id = ?`, id).Scan(&verifiedAt, &m.ChangeSignal.ETag, &lastModified, &deletedAt, &m.DeleteReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("evidence", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load evidence metadata: %w", err)
	}
	if m.LastVerifiedAt, err = parseTime(verifiedAt); err != nil {
		return nil, err
	}
	if m.ChangeSignal.LastModified, err = parseNullTime(lastModified); err != nil {
		return nil, err
	}
	if m.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetEvidenceByHash finds the record for an exact (url, hash) pair
func (q *Queries) GetEvidenceByHash(ctx context.Context, url, hash string) (*model.Evidence, error) {
	row := q.queryRow(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE url = ? AND content_hash = ?`, url, hash)
	e, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("evidence", url+"@"+hash)
	}
	return e, err
}

// LatestEvidence returns the most recently fetched record for a URL
func (q *Queries) LatestEvidence(ctx context.Context, url string) (*model.Evidence, error) {
	row := q.queryRow(ctx, `SELECT `+evidenceColumns+` FROM evidence
		WHERE url = ? ORDER BY fetched_at DESC, id DESC LIMIT 1`, url)
	e, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("evidence for url", url)
	}
	return e, err
}

// ListEvidenceByURL returns the lineage of a URL, oldest first
func (q *Queries) ListEvidenceByURL(ctx context.Context, url string) ([]*model.Evidence, error) {
	return q.listEvidence(ctx, `SELECT `+evidenceColumns+` FROM evidence
		WHERE url = ? ORDER BY fetched_at ASC, id ASC`, url)
}

// ListLiveEvidence returns the latest non-tombstoned record per URL
func (q *Queries) ListLiveEvidence(ctx context.Context, limit int) ([]*model.Evidence, error) {
	if limit <= 0 {
		limit = 1000
	}
	return q.listEvidence(ctx, `SELECT `+evidenceColumns+` FROM evidence e
		WHERE deleted_at IS NULL
		AND fetched_at = (SELECT MAX(fetched_at) FROM evidence WHERE url = e.url)
		ORDER BY last_verified_at ASC LIMIT ?`, limit)
}

func (q *Queries) listEvidence(ctx context.Context, query string, args ...any) ([]*model.Evidence, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateVerification touches only the mutable verification metadata
func (q *Queries) UpdateVerification(ctx context.Context, id string, verifiedAt time.Time, signal model.ChangeSignal) error {
	res, err := q.exec(ctx, `UPDATE evidence SET last_verified_at = ?, etag = ?, last_modified = ? WHERE id = ?`,
		fmtTime(verifiedAt), signal.ETag, nullTime(signal.LastModified), id)
	if err != nil {
		return fmt.Errorf("failed to update verification: %w", guardError(err))
	}
	return expectOne(res, "evidence", id)
}

// TombstoneEvidence soft-deletes a record. Pointers and rules are untouched.
func (q *Queries) TombstoneEvidence(ctx context.Context, id, reason string, at time.Time) error {
	res, err := q.exec(ctx, `UPDATE evidence SET deleted_at = ?, delete_reason = ? WHERE id = ? AND deleted_at IS NULL`,
		fmtTime(at), reason, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone evidence: %w", guardError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.GetEvidence(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("evidence %s: %w", id, model.ErrTombstoned)
	}
	return nil
}

func scanEvidence(row rowScanner) (*model.Evidence, error) {
	var (
		e                           model.Evidence
		fetchedAt, verifiedAt, kind string
		tier                        int
		lastModified, deletedAt     sql.NullString
	)
	err := row.Scan(&e.ID, &e.URL, &e.ContentHash, &e.RawContent, &e.Encoding, &fetchedAt, &kind, &e.ContentType, &tier,
		&e.PreviousID, &verifiedAt, &e.ChangeSignal.ETag, &lastModified, &deletedAt, &e.DeleteReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan evidence: %w", err)
	}
	e.ContentKind = model.ContentKind(kind)
	e.Tier = model.AuthorityTier(tier)
	if e.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return nil, err
	}
	if e.LastVerifiedAt, err = parseTime(verifiedAt); err != nil {
		return nil, err
	}
	if e.ChangeSignal.LastModified, err = parseNullTime(lastModified); err != nil {
		return nil, err
	}
	if e.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

// guardError maps trigger aborts to the immutability sentinel
func guardError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "immutability violation") || strings.Contains(msg, "append-only") {
		return fmt.Errorf("%w: %v", model.ErrImmutabilityViolation, err)
	}
	return err
}
