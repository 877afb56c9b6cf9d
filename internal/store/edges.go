package store

import (
	"context"
	"fmt"

	"github.com/ppiankov/lexledger/internal/model"
)

const edgeColumns = `id, from_rule_id, to_rule_id, to_topic_key, pointer_id, created_at`

// ReplaceEdges swaps a rule's outgoing edges for a new set. Call it inside
// WithTx together with SetGraphStatus so both land atomically.
func (q *Queries) ReplaceEdges(ctx context.Context, fromRuleID string, edges []model.Edge) error {
	if _, err := q.exec(ctx, `DELETE FROM edges WHERE from_rule_id = ?`, fromRuleID); err != nil {
		return fmt.Errorf("failed to clear edges for rule %s: %w", fromRuleID, err)
	}
	for _, e := range edges {
		if e.FromRuleID != fromRuleID {
			return fmt.Errorf("edge %s does not start at rule %s", e.ID, fromRuleID)
		}
		_, err := q.exec(ctx, `INSERT INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, e.FromRuleID, e.ToRuleID, e.ToTopicKey, e.PointerID, fmtTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert edge %s: %w", e.ID, err)
		}
	}
	return nil
}

// ListEdgesFrom returns the outgoing edges of a rule
func (q *Queries) ListEdgesFrom(ctx context.Context, ruleID string) ([]model.Edge, error) {
	return q.listEdges(ctx, `SELECT `+edgeColumns+` FROM edges WHERE from_rule_id = ? ORDER BY id`, ruleID)
}

// ListEdgesTo returns the edges pointing at a rule
func (q *Queries) ListEdgesTo(ctx context.Context, ruleID string) ([]model.Edge, error) {
	return q.listEdges(ctx, `SELECT `+edgeColumns+` FROM edges WHERE to_rule_id = ? ORDER BY id`, ruleID)
}

// ListDependentRuleIDs returns rules holding an edge into the given topic
func (q *Queries) ListDependentRuleIDs(ctx context.Context, topic string) ([]string, error) {
	rows, err := q.query(ctx, `SELECT DISTINCT from_rule_id FROM edges WHERE to_topic_key = ? ORDER BY from_rule_id`, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *Queries) listEdges(ctx context.Context, query string, args ...any) ([]model.Edge, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Edge
	for rows.Next() {
		var (
			e         model.Edge
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.FromRuleID, &e.ToRuleID, &e.ToTopicKey, &e.PointerID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
