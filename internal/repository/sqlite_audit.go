package store

import (
	"context"
	"database/sql"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// AppendAudit appends an audit log entry. Entries are never updated.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *domain.AuditLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (entry_id, entity_type, entity_id, event_type, actor, detail, ts, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.EntityType, entry.EntityID, entry.EventType, nullString(entry.Actor),
		nullStringBytes(entry.Detail), entry.Ts, entry.CreatedAt)
	return err
}

// ListAudit lists the audit entries of an entity, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, entityType domain.EntityType, entityID string, page domain.Page) ([]domain.AuditLogEntry, error) {
	query := limitOffset(`SELECT entry_id, entity_type, entity_id, event_type, actor, detail, ts, created_at
		FROM audit_logs WHERE entity_type = ? AND entity_id = ? ORDER BY ts ASC, rowid ASC`, page.Limit, page.Offset)
	rows, err := s.db.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var actor, detail sql.NullString
		if err := rows.Scan(&e.EntryID, &e.EntityType, &e.EntityID, &e.EventType, &actor, &detail, &e.Ts, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		if detail.Valid {
			e.Detail = []byte(detail.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
