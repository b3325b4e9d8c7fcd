// Package auditbus mirrors audit entries onto a NATS subject so other systems
// can follow state transitions without polling the audit log.
package auditbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Publisher receives every appended audit entry. Publishing is best effort:
// the audit log in the store remains the source of truth.
type Publisher interface {
	Publish(ctx context.Context, entry domain.AuditLogEntry) error
	Close() error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Publish(context.Context, domain.AuditLogEntry) error { return nil }
func (Nop) Close() error                                        { return nil }

// NATS publishes entries to <subject>.<entity_type>.<event_type>.
type NATS struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the NATS server at url.
func Connect(url, subject string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("scenariod-audit"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("audit bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("audit bus reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return NewFromConn(conn, subject), nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *nats.Conn, subject string) *NATS {
	return &NATS{conn: conn, subject: strings.TrimSuffix(subject, ".")}
}

// Subject returns the subject an entry is published on.
func (n *NATS) Subject(entry domain.AuditLogEntry) string {
	return Subject(n.subject, entry)
}

// Subject builds <prefix>.<entity_type>.<event_type>.
func Subject(prefix string, entry domain.AuditLogEntry) string {
	return fmt.Sprintf("%s.%s.%s", prefix, entry.EntityType, entry.EventType)
}

// Publish encodes the entry as JSON and publishes it.
func (n *NATS) Publish(ctx context.Context, entry domain.AuditLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	msg := nats.NewMsg(n.Subject(entry))
	msg.Data = data
	msg.Header.Set("Entity-Id", entry.EntityID)
	msg.Header.Set("Nats-Msg-Id", entry.EntryID)
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish audit entry: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.conn == nil || n.conn.IsClosed() {
		return nil
	}
	return n.conn.Drain()
}
