package domain

import (
	"encoding/json"
	"time"
)

// AuditLogEntry is an append-only record of a state transition.
type AuditLogEntry struct {
	EntryID    string          `json:"entry_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	EventType  AuditEventType  `json:"event_type"`
	Actor      string          `json:"actor"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Ts         int64           `json:"ts"` // Unix milliseconds
	CreatedAt  time.Time       `json:"created_at"`
}

// Page bounds a list query.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Pagination defaults and caps.
const (
	DefaultPageLimit  = 50
	MaxPageLimit      = 100
	MaxAuditPageLimit = 500
)

// Normalize clamps the page into [1, max] with a non-negative offset.
func (p Page) Normalize(max int) Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > max {
		p.Limit = max
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
