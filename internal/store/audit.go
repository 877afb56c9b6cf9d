package store

import (
	"context"
	"fmt"

	"github.com/ppiankov/lexledger/internal/model"
)

// InsertAudit appends an audit record
func (q *Queries) InsertAudit(ctx context.Context, a *model.AuditRecord) error {
	_, err := q.exec(ctx, `INSERT INTO audit_log (id, action, subject, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Action, a.Subject, a.Detail, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// ListAudit returns audit records for an action, newest first
func (q *Queries) ListAudit(ctx context.Context, action string, limit int) ([]*model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.query(ctx, `SELECT id, action, subject, detail, created_at FROM audit_log
		WHERE action = ? ORDER BY created_at DESC LIMIT ?`, action, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.AuditRecord
	for rows.Next() {
		var (
			a       model.AuditRecord
			created string
		)
		if err := rows.Scan(&a.ID, &a.Action, &a.Subject, &a.Detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
