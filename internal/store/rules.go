package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

const ruleColumns = `id, topic_key, version, value, value_type, effective_from, effective_to, status, graph_status,
	pointer_ids, confidence, status_reason, signature, created_at, updated_at, published_at`

// InsertRule stores a rule version. It reports false when a rule with the
// same signature already exists.
func (q *Queries) InsertRule(ctx context.Context, r *model.Rule) (bool, error) {
	ids, err := json.Marshal(r.PointerIDs)
	if err != nil {
		return false, fmt.Errorf("failed to encode pointer ids: %w", err)
	}
	res, err := q.exec(ctx, `INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (signature) DO NOTHING`,
		r.ID, r.TopicKey, r.Version, r.Value, string(r.ValueType), fmtTime(r.EffectiveFrom), nullTime(r.EffectiveTo),
		string(r.Status), nullGraphStatus(r.GraphStatus), string(ids), r.Confidence, r.StatusReason, r.Signature,
		fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt), nullTime(r.PublishedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetRule loads a rule by id
func (q *Queries) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	row := q.queryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("rule", id)
	}
	return r, err
}

// GetRuleBySignature finds an existing rule with identical content
func (q *Queries) GetRuleBySignature(ctx context.Context, signature string) (*model.Rule, error) {
	row := q.queryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE signature = ?`, signature)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("rule signature", signature)
	}
	return r, err
}

// NextRuleVersion returns the next version number for a topic
func (q *Queries) NextRuleVersion(ctx context.Context, topic string) (int, error) {
	var v int
	if err := q.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM rules WHERE topic_key = ?`, topic).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to compute rule version: %w", err)
	}
	return v, nil
}

// ListRulesByTopic returns a topic's rules, optionally filtered by status,
// newest version first
func (q *Queries) ListRulesByTopic(ctx context.Context, topic string, statuses ...model.RuleStatus) ([]*model.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE topic_key = ?`
	args := []any{topic}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY version DESC`
	return q.listRules(ctx, query, args...)
}

// ListRulesByStatus returns rules in one lifecycle state across topics
func (q *Queries) ListRulesByStatus(ctx context.Context, status model.RuleStatus) ([]*model.Rule, error) {
	return q.listRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE status = ? ORDER BY topic_key, version`, string(status))
}

// ListRulesByGraphStatus returns published rules in one graph state
func (q *Queries) ListRulesByGraphStatus(ctx context.Context, gs model.GraphStatus) ([]*model.Rule, error) {
	return q.listRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE status = ? AND graph_status = ?
		ORDER BY topic_key, version`, string(model.RulePublished), string(gs))
}

// TransitionRule moves a rule from one status to another. The update is
// conditional on the current status so concurrent writers cannot both win.
func (q *Queries) TransitionRule(ctx context.Context, id string, from, to model.RuleStatus, reason string, at time.Time) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("rule %s %s -> %s: %w", id, from, to, model.ErrInvalidTransition)
	}
	res, err := q.exec(ctx, `UPDATE rules SET status = ?, status_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), reason, fmtTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rule %s is not %s: %w", id, from, model.ErrInvalidTransition)
	}
	return nil
}

// PublishRule moves an ARBITRATED rule to PUBLISHED with graph status PENDING
func (q *Queries) PublishRule(ctx context.Context, id string, at time.Time) error {
	res, err := q.exec(ctx, `UPDATE rules SET status = ?, graph_status = ?, published_at = ?, updated_at = ?, status_reason = ''
		WHERE id = ? AND status = ?`,
		string(model.RulePublished), string(model.GraphPending), fmtTime(at), fmtTime(at), id, string(model.RuleArbitrated))
	if err != nil {
		return fmt.Errorf("failed to publish rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rule %s is not %s: %w", id, model.RuleArbitrated, model.ErrInvalidTransition)
	}
	return nil
}

// SetGraphStatus records a rule's graph freshness
func (q *Queries) SetGraphStatus(ctx context.Context, id string, gs model.GraphStatus, reason string, at time.Time) error {
	res, err := q.exec(ctx, `UPDATE rules SET graph_status = ?, status_reason = ?, updated_at = ? WHERE id = ?`,
		nullGraphStatus(gs), reason, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to set graph status: %w", err)
	}
	return expectOne(res, "rule", id)
}

func (q *Queries) listRules(ctx context.Context, query string, args ...any) ([]*model.Rule, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(row rowScanner) (*model.Rule, error) {
	var (
		r                             model.Rule
		valueType, status, ids        string
		effFrom, createdAt, updatedAt string
		effTo, graphStatus, published sql.NullString
	)
	err := row.Scan(&r.ID, &r.TopicKey, &r.Version, &r.Value, &valueType, &effFrom, &effTo, &status, &graphStatus,
		&ids, &r.Confidence, &r.StatusReason, &r.Signature, &createdAt, &updatedAt, &published)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}
	r.ValueType = model.ValueType(valueType)
	r.Status = model.RuleStatus(status)
	if graphStatus.Valid {
		r.GraphStatus = model.GraphStatus(graphStatus.String)
	}
	if err := json.Unmarshal([]byte(ids), &r.PointerIDs); err != nil {
		return nil, fmt.Errorf("failed to decode pointer ids for rule %s: %w", r.ID, err)
	}
	if r.EffectiveFrom, err = parseTime(effFrom); err != nil {
		return nil, err
	}
	if r.EffectiveTo, err = parseNullTime(effTo); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if r.PublishedAt, err = parseNullTime(published); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullGraphStatus(gs model.GraphStatus) sql.NullString {
	if gs == model.GraphNone {
		return sql.NullString{}
	}
	return sql.NullString{String: string(gs), Valid: true}
}
