package processor

import "time"

// Wire types for the payment processor API. Fields are partial on purpose:
// the processor tolerates and emits unknown fields, we only decode what the
// reconciliation engine consumes.

type Customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email,omitempty"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Subscription struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer"`
	Status             string            `json:"status"`
	PriceID            string            `json:"price,omitempty"`
	CurrentPeriodStart int64             `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   int64             `json:"current_period_end,omitempty"`
	CancelAt           int64             `json:"cancel_at,omitempty"`
	CanceledAt         int64             `json:"canceled_at,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

const (
	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"

	SessionModeSubscription = "subscription"
	SessionModePayment      = "payment"

	SessionPaymentStatusPaid   = "paid"
	SessionPaymentStatusUnpaid = "unpaid"
)

type CheckoutSession struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status,omitempty"`
	Mode              string            `json:"mode"`
	URL               string            `json:"url,omitempty"`
	ClientReferenceID string            `json:"client_reference_id,omitempty"`
	CustomerID        string            `json:"customer,omitempty"`
	SubscriptionID    string            `json:"subscription,omitempty"`
	PaymentIntentID   string            `json:"payment_intent,omitempty"`
	CreatedAt         int64             `json:"created,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

const (
	IntentStatusSucceeded  = "succeeded"
	IntentStatusProcessing = "processing"
	IntentStatusCanceled   = "canceled"
)

type PaymentIntent struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	AmountCents int64             `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	CustomerID  string            `json:"customer,omitempty"`
	CreatedAt   int64             `json:"created,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Invoice struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	CustomerID      string `json:"customer,omitempty"`
	SubscriptionID  string `json:"subscription,omitempty"`
	PaymentIntentID string `json:"payment_intent,omitempty"`
	AmountPaidCents int64  `json:"amount_paid"`
	AmountDueCents  int64  `json:"amount_due"`
	Currency        string `json:"currency,omitempty"`
	PeriodStart     int64  `json:"period_start,omitempty"`
	PeriodEnd       int64  `json:"period_end,omitempty"`
}

type Price struct {
	ID              string `json:"id"`
	ProductID       string `json:"product"`
	UnitAmountCents int64  `json:"unit_amount"`
	Currency        string `json:"currency,omitempty"`
	Interval        string `json:"interval,omitempty"`
	LookupKey       string `json:"lookup_key,omitempty"`
}

type Product struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Account struct {
	ID             string `json:"id"`
	ChargesEnabled bool   `json:"charges_enabled"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
}

type AccountLink struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type listEnvelope[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

// UnixTime converts a processor epoch-seconds field to *time.Time, returning
// nil for the zero value the processor uses for unset timestamps.
func UnixTime(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
