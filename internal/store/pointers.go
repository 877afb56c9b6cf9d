package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ppiankov/lexledger/internal/model"
)

const pointerColumns = `id, evidence_id, topic_key, start_offset, end_offset, exact_quote, claimed_quote,
	value_type, value, confidence, match_quality, effective_from, effective_to, annotation, created_at`

// InsertPointer stores a pointer. Pointer ids are deterministic, so re-running
// extraction for the same evidence reports false and writes nothing.
func (q *Queries) InsertPointer(ctx context.Context, p *model.SourcePointer) (bool, error) {
	res, err := q.exec(ctx, `INSERT INTO pointers (`+pointerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.EvidenceID, p.TopicKey, p.StartOffset, p.EndOffset, p.ExactQuote, p.ClaimedQuote,
		string(p.ValueType), p.Value, p.Confidence, string(p.MatchQuality),
		nullTime(p.EffectiveFrom), nullTime(p.EffectiveTo), string(p.Annotation), fmtTime(p.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert pointer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetPointer loads a pointer by id
func (q *Queries) GetPointer(ctx context.Context, id string) (*model.SourcePointer, error) {
	row := q.queryRow(ctx, `SELECT `+pointerColumns+` FROM pointers WHERE id = ?`, id)
	p, err := scanPointer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("pointer", id)
	}
	return p, err
}

// GetPointers loads pointers by id, preserving the order of ids
func (q *Queries) GetPointers(ctx context.Context, ids []string) ([]*model.SourcePointer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	found, err := q.listPointers(ctx, `SELECT `+pointerColumns+` FROM pointers WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.SourcePointer, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]*model.SourcePointer, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, notFound("pointer", id)
		}
		out = append(out, p)
	}
	return out, nil
}

// ListPointersByTopic returns every pointer for a topic regardless of quality
func (q *Queries) ListPointersByTopic(ctx context.Context, topic string) ([]*model.SourcePointer, error) {
	return q.listPointers(ctx, `SELECT `+pointerColumns+` FROM pointers
		WHERE topic_key = ? ORDER BY created_at ASC, id ASC`, topic)
}

// ListPointersByEvidence returns the pointers anchored in one record
func (q *Queries) ListPointersByEvidence(ctx context.Context, evidenceID string) ([]*model.SourcePointer, error) {
	return q.listPointers(ctx, `SELECT `+pointerColumns+` FROM pointers
		WHERE evidence_id = ? ORDER BY start_offset ASC, id ASC`, evidenceID)
}

// SetPointerAnnotation records the arbiter's mark. Only the annotation changes.
func (q *Queries) SetPointerAnnotation(ctx context.Context, id string, a model.ConflictAnnotation) error {
	res, err := q.exec(ctx, `UPDATE pointers SET annotation = ? WHERE id = ?`, string(a), id)
	if err != nil {
		return fmt.Errorf("failed to annotate pointer: %w", err)
	}
	return expectOne(res, "pointer", id)
}

func (q *Queries) listPointers(ctx context.Context, query string, args ...any) ([]*model.SourcePointer, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pointers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.SourcePointer
	for rows.Next() {
		p, err := scanPointer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPointer(row rowScanner) (*model.SourcePointer, error) {
	var (
		p                     model.SourcePointer
		valueType, quality    string
		annotation, createdAt string
		effFrom, effTo        sql.NullString
	)
	err := row.Scan(&p.ID, &p.EvidenceID, &p.TopicKey, &p.StartOffset, &p.EndOffset, &p.ExactQuote, &p.ClaimedQuote,
		&valueType, &p.Value, &p.Confidence, &quality, &effFrom, &effTo, &annotation, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan pointer: %w", err)
	}
	p.ValueType = model.ValueType(valueType)
	p.MatchQuality = model.MatchQuality(quality)
	p.Annotation = model.ConflictAnnotation(annotation)
	if p.EffectiveFrom, err = parseNullTime(effFrom); err != nil {
		return nil, err
	}
	if p.EffectiveTo, err = parseNullTime(effTo); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}
