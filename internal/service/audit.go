package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

const systemActor = "system"

// recordAudit appends an audit entry to the store and mirrors it onto the bus.
func (s *Service) recordAudit(ctx context.Context, entityType domain.EntityType, entityID string, eventType domain.AuditEventType, actor string, detail interface{}) error {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to marshal audit detail: %w", err)
		}
		raw = b
	}
	if actor == "" {
		actor = systemActor
	}

	now := s.now()
	entry := &domain.AuditLogEntry{
		EntryID:    "audit_" + uuid.New().String()[:8],
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		Actor:      actor,
		Detail:     raw,
		Ts:         now.UnixMilli(),
		CreatedAt:  now,
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if err := s.bus.Publish(ctx, *entry); err != nil {
		slog.WarnContext(ctx, "audit mirror publish failed", "entry_id", entry.EntryID, "error", err)
	}
	return nil
}

// audit records an entry and logs instead of failing the caller.
func (s *Service) audit(ctx context.Context, entityType domain.EntityType, entityID string, eventType domain.AuditEventType, actor string, detail interface{}) {
	if err := s.recordAudit(ctx, entityType, entityID, eventType, actor, detail); err != nil {
		slog.ErrorContext(ctx, "failed to record audit entry",
			"entity_type", entityType, "entity_id", entityID, "event_type", eventType, "error", err)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, entityType domain.EntityType, entityID string, page domain.Page) ([]domain.AuditLogEntry, error) {
	switch entityType {
	case domain.EntitySimulation, domain.EntityRun, domain.EntitySuite, domain.EntitySuiteRun:
	default:
		return nil, domain.NewValidationError("entity_type", "unknown entity type %q", entityType)
	}
	if entityID == "" {
		return nil, domain.NewValidationError("entity_id", "is required")
	}
	entries, err := s.store.ListAudit(ctx, entityType, entityID, page.Normalize(domain.MaxAuditPageLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return entries, nil
}
