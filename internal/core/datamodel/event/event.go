package event

import (
	"encoding/json"
	"time"
)

// LedgerEntry is the idempotency record for one inbound webhook notification.
// ExternalEventID is the processor's event identifier; ProcessedAt is stamped
// only after the handler has completed inside the same database transaction.
type LedgerEntry struct {
	ID              int64           `gorm:"primaryKey"`
	ExternalEventID string          `gorm:"column:external_event_id;not null;uniqueIndex"`
	EventType       string          `gorm:"column:event_type;not null;index"`
	RawPayload      json.RawMessage `gorm:"column:raw_payload;type:jsonb"`
	ProcessedAt     *time.Time      `gorm:"column:processed_at"`
	CreatedAt       time.Time       `gorm:"column:created_at;default:now()"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;default:now()"`
}

func (LedgerEntry) TableName() string {
	return "webhook_event_ledger"
}

// Processed reports whether the entry has already been handled. A processed
// entry must never be handled again.
func (e *LedgerEntry) Processed() bool {
	return e.ProcessedAt != nil
}
