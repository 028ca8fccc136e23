package subscription

import (
	"encoding/json"
	"time"
)

// Status is the normalized internal subscription state shared by both owner
// kinds. Processor status strings are mapped through MapProcessorStatus in the
// subscription package; models never store raw processor strings in Status.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusTrial      Status = "trial"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusPaused     Status = "paused"
)

// Terminal reports whether the subscription can never become active again.
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

// Billable reports whether the owner currently enjoys an entitled state.
func (s Status) Billable() bool {
	return s == StatusActive || s == StatusTrial
}

// OrganisationSubscription is the platform (SaaS) subscription of one
// organisation.
type OrganisationSubscription struct {
	ID                      int64           `gorm:"primaryKey"`
	OrganisationID          int64           `gorm:"column:organisation_id;not null;index"`
	PlanID                  string          `gorm:"column:plan_id"`
	ProcessorCustomerID     string          `gorm:"column:processor_customer_id;index"`
	ProcessorSubscriptionID *string         `gorm:"column:processor_subscription_id;index"`
	Status                  Status          `gorm:"column:status;not null;default:incomplete;index"`
	CurrentPeriodStart      *time.Time      `gorm:"column:current_period_start"`
	CurrentPeriodEnd        *time.Time      `gorm:"column:current_period_end"`
	CancelAt                *time.Time      `gorm:"column:cancel_at"`
	CanceledAt              *time.Time      `gorm:"column:canceled_at"`
	LatestCheckoutSessionID *string         `gorm:"column:latest_checkout_session_id;index"`
	Metadata                json.RawMessage `gorm:"column:metadata;type:jsonb"`
	CreatedAt               time.Time       `gorm:"column:created_at;default:now()"`
	UpdatedAt               time.Time       `gorm:"column:updated_at;default:now()"`
}

func (OrganisationSubscription) TableName() string {
	return "organisation_subscriptions"
}

// MemberSubscription is a member's recurring-debit (autopay) subscription for
// contributions. AmountCents is the recurring charge in minor units.
type MemberSubscription struct {
	ID                      int64           `gorm:"primaryKey"`
	MemberID                int64           `gorm:"column:member_id;not null;index"`
	OrganisationID          int64           `gorm:"column:organisation_id;not null;index"`
	AmountCents             int64           `gorm:"column:amount_cents;not null"`
	Currency                string          `gorm:"column:currency;not null;default:eur"`
	ProcessorCustomerID     string          `gorm:"column:processor_customer_id;index"`
	ProcessorSubscriptionID *string         `gorm:"column:processor_subscription_id;index"`
	Status                  Status          `gorm:"column:status;not null;default:incomplete;index"`
	CurrentPeriodStart      *time.Time      `gorm:"column:current_period_start"`
	CurrentPeriodEnd        *time.Time      `gorm:"column:current_period_end"`
	CancelAt                *time.Time      `gorm:"column:cancel_at"`
	CanceledAt              *time.Time      `gorm:"column:canceled_at"`
	LatestCheckoutSessionID *string         `gorm:"column:latest_checkout_session_id;index"`
	Metadata                json.RawMessage `gorm:"column:metadata;type:jsonb"`
	CreatedAt               time.Time       `gorm:"column:created_at;default:now()"`
	UpdatedAt               time.Time       `gorm:"column:updated_at;default:now()"`
}

func (MemberSubscription) TableName() string {
	return "member_subscriptions"
}

// BillingState is the owner-facing rollup derived from an organisation
// subscription transition.
type BillingState string

const (
	BillingOK             BillingState = "ok"
	BillingWarning        BillingState = "warning"
	BillingRestricted     BillingState = "restricted"
	BillingPendingPayment BillingState = "pending_payment"
)

func mergeMetadata(raw json.RawMessage, kv map[string]string) json.RawMessage {
	m := map[string]string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	for k, v := range kv {
		m[k] = v
	}
	out, _ := json.Marshal(m)
	return out
}

// MergeMetadata sets the given keys without dropping existing ones.
func (s *OrganisationSubscription) MergeMetadata(kv map[string]string) {
	s.Metadata = mergeMetadata(s.Metadata, kv)
}

func (s *MemberSubscription) MergeMetadata(kv map[string]string) {
	s.Metadata = mergeMetadata(s.Metadata, kv)
}
