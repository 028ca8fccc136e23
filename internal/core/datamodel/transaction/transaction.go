package transaction

import (
	"encoding/json"
	"time"
)

const (
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

const (
	KindContribution = "contribution"
	KindSaaS         = "saas"
)

// Transaction records one money movement attempt. Processor identifiers are
// backfilled as they become known and are never overwritten once set.
type Transaction struct {
	ID                int64           `gorm:"primaryKey"`
	OrganisationID    int64           `gorm:"column:organisation_id;not null;index"`
	MemberID          *int64          `gorm:"column:member_id;index"`
	Kind              string          `gorm:"column:kind;not null;default:contribution"`
	AmountCents       int64           `gorm:"column:amount_cents;not null"`
	Currency          string          `gorm:"column:currency;not null;default:eur"`
	Status            string          `gorm:"column:status;not null;default:processing;index"`
	PaymentIntentID   *string         `gorm:"column:payment_intent_id;uniqueIndex"`
	CheckoutSessionID *string         `gorm:"column:checkout_session_id;index"`
	Metadata          json.RawMessage `gorm:"column:metadata;type:jsonb"`
	OccurredAt        time.Time       `gorm:"column:occurred_at"`
	CreatedAt         time.Time       `gorm:"column:created_at;default:now()"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;default:now()"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) Settled() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// MetadataMap decodes the metadata column; a missing or malformed column
// yields an empty map so callers can merge and re-store.
func (t *Transaction) MetadataMap() map[string]string {
	m := map[string]string{}
	if len(t.Metadata) > 0 {
		_ = json.Unmarshal(t.Metadata, &m)
	}
	return m
}

// MergeMetadata sets the given keys without dropping existing ones.
func (t *Transaction) MergeMetadata(kv map[string]string) {
	m := t.MetadataMap()
	for k, v := range kv {
		m[k] = v
	}
	raw, _ := json.Marshal(m)
	t.Metadata = raw
}
