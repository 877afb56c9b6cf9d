package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

const conflictColumns = `id, topic_key, kind, a_item_id, a_value, a_tier, a_source_date, a_score,
	b_item_id, b_value, b_tier, b_source_date, b_score, outcome, detected_at`

const resolutionColumns = `id, conflict_id, outcome, winner_id, loser_id, score_a, score_b, reason, decided_by, supersedes, created_at`

// PairKey identifies a conflict independent of side order
func PairKey(kind model.ConflictKind, a, b string) string {
	if b < a {
		a, b = b, a
	}
	return string(kind) + ":" + a + "|" + b
}

// ConflictFilter narrows ListConflicts
type ConflictFilter struct {
	TopicKey string
	OpenOnly bool
}

// InsertConflict records a detected conflict. It reports false when the same
// pair was already recorded.
func (q *Queries) InsertConflict(ctx context.Context, c *model.Conflict) (bool, error) {
	res, err := q.exec(ctx, `INSERT INTO conflicts (pair_key, `+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair_key) DO NOTHING`,
		PairKey(c.Kind, c.SideA.ItemID, c.SideB.ItemID),
		c.ID, c.TopicKey, string(c.Kind),
		c.SideA.ItemID, c.SideA.Value, int(c.SideA.Tier), fmtTime(c.SideA.SourceDate), c.SideA.Score,
		c.SideB.ItemID, c.SideB.Value, int(c.SideB.Tier), fmtTime(c.SideB.SourceDate), c.SideB.Score,
		string(c.Outcome), fmtTime(c.DetectedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetConflict loads a conflict by id
func (q *Queries) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	row := q.queryRow(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conflict", id)
	}
	return c, err
}

// GetConflictByPair loads the conflict between two items
func (q *Queries) GetConflictByPair(ctx context.Context, kind model.ConflictKind, a, b string) (*model.Conflict, error) {
	key := PairKey(kind, a, b)
	row := q.queryRow(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE pair_key = ?`, key)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conflict", key)
	}
	return c, err
}

// ListConflicts returns conflicts, oldest first
func (q *Queries) ListConflicts(ctx context.Context, f ConflictFilter) ([]*model.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE 1 = 1`
	var args []any
	if f.TopicKey != "" {
		query += ` AND topic_key = ?`
		args = append(args, f.TopicKey)
	}
	if f.OpenOnly {
		query += ` AND outcome IN (?, ?)`
		args = append(args, string(model.OutcomePending), string(model.OutcomeNeedsHumanReview))
	}
	query += ` ORDER BY detected_at ASC, id ASC`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConflictOutcome updates the conflict's current outcome. History lives in
// the resolutions table.
func (q *Queries) SetConflictOutcome(ctx context.Context, id string, o model.Outcome) error {
	res, err := q.exec(ctx, `UPDATE conflicts SET outcome = ? WHERE id = ?`, string(o), id)
	if err != nil {
		return fmt.Errorf("failed to set conflict outcome: %w", err)
	}
	return expectOne(res, "conflict", id)
}

// InsertResolution appends a resolution record
func (q *Queries) InsertResolution(ctx context.Context, r *model.Resolution) error {
	_, err := q.exec(ctx, `INSERT INTO resolutions (`+resolutionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConflictID, string(r.Outcome), r.WinnerID, r.LoserID, r.ScoreA, r.ScoreB, r.Reason, r.DecidedBy,
		r.SupersedeOf, fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert resolution: %w", guardError(err))
	}
	return nil
}

// ListResolutions returns a conflict's resolution history, oldest first
func (q *Queries) ListResolutions(ctx context.Context, conflictID string) ([]*model.Resolution, error) {
	rows, err := q.query(ctx, `SELECT `+resolutionColumns+` FROM resolutions
		WHERE conflict_id = ? ORDER BY created_at ASC, id ASC`, conflictID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolutions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Resolution
	for rows.Next() {
		var (
			r                model.Resolution
			outcome, created string
		)
		if err := rows.Scan(&r.ID, &r.ConflictID, &outcome, &r.WinnerID, &r.LoserID, &r.ScoreA, &r.ScoreB,
			&r.Reason, &r.DecidedBy, &r.SupersedeOf, &created); err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		r.Outcome = model.Outcome(outcome)
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LatestResolution returns the resolution currently in force, or nil
func (q *Queries) LatestResolution(ctx context.Context, conflictID string) (*model.Resolution, error) {
	history, err := q.ListResolutions(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	return history[len(history)-1], nil
}

func scanConflict(row rowScanner) (*model.Conflict, error) {
	var (
		c                      model.Conflict
		kind, outcome          string
		aDate, bDate, detected string
		aTier, bTier           int
	)
	err := row.Scan(&c.ID, &c.TopicKey, &kind,
		&c.SideA.ItemID, &c.SideA.Value, &aTier, &aDate, &c.SideA.Score,
		&c.SideB.ItemID, &c.SideB.Value, &bTier, &bDate, &c.SideB.Score,
		&outcome, &detected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	c.Kind = model.ConflictKind(kind)
	c.Outcome = model.Outcome(outcome)
	c.SideA.Tier = model.AuthorityTier(aTier)
	c.SideB.Tier = model.AuthorityTier(bTier)
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&c.SideA.SourceDate, aDate}, {&c.SideB.SourceDate, bDate}, {&c.DetectedAt, detected}} {
		t, err := parseTime(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = t
	}
	return &c, nil
}
