package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypePaymentSettled      = "payment.settled"
	TypePaymentFailed       = "payment.failed"
	TypeSubscriptionChanged = "subscription.changed"
)

// NewPaymentSettledEvent announces that a transaction reached its terminal
// succeeded state. Published after the enclosing database transaction commits.
func NewPaymentSettledEvent(transactionID int64, memberID *int64, amountCents int64, paymentIntentID string) BaseEvent {
	data := map[string]interface{}{
		"transaction_id":    transactionID,
		"amount_cents":      amountCents,
		"payment_intent_id": paymentIntentID,
	}
	if memberID != nil {
		data["member_id"] = *memberID
	}
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      TypePaymentSettled,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewPaymentFailedEvent(transactionID int64, memberID *int64, amountCents int64, reason string) BaseEvent {
	data := map[string]interface{}{
		"transaction_id": transactionID,
		"amount_cents":   amountCents,
		"reason":         reason,
	}
	if memberID != nil {
		data["member_id"] = *memberID
	}
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      TypePaymentFailed,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewSubscriptionChangedEvent(ownerKind string, ownerID int64, oldStatus, newStatus string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      TypeSubscriptionChanged,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"owner_kind": ownerKind,
			"owner_id":   ownerID,
			"old_status": oldStatus,
			"new_status": newStatus,
		},
	}
}
