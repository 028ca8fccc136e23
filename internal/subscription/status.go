package subscription

import (
	"github.com/dkruthoff/membership-billing/internal/core/datamodel/subscription"
)

// statusTable is the single normalization table shared by both owner kinds.
// Both state machines map through it so they cannot drift apart.
var statusTable = map[string]subscription.Status{
	"trialing":           subscription.StatusTrial,
	"active":             subscription.StatusActive,
	"past_due":           subscription.StatusPastDue,
	"canceled":           subscription.StatusCanceled,
	"unpaid":             subscription.StatusPastDue,
	"incomplete":         subscription.StatusIncomplete,
	"incomplete_expired": subscription.StatusIncomplete,
	"paused":             subscription.StatusPaused,
}

// MapProcessorStatus normalizes a raw processor subscription status. Unknown
// strings map to incomplete as the safe default.
func MapProcessorStatus(raw string) subscription.Status {
	if status, ok := statusTable[raw]; ok {
		return status
	}
	return subscription.StatusIncomplete
}

// DeriveBillingState rolls a raw processor status up into the owner-facing
// billing state written on organisation transitions.
func DeriveBillingState(raw string) subscription.BillingState {
	switch raw {
	case "active", "trialing":
		return subscription.BillingOK
	case "past_due", "unpaid", "incomplete":
		return subscription.BillingWarning
	case "canceled", "incomplete_expired", "paused":
		return subscription.BillingRestricted
	default:
		return subscription.BillingWarning
	}
}

// billingNotes are the operator-facing phrases stamped alongside a billing
// state change. The raw processor status is appended for audit.
var billingNotes = map[subscription.BillingState]string{
	subscription.BillingOK:             "subscription in good standing",
	subscription.BillingWarning:        "payment attention required",
	subscription.BillingRestricted:     "subscription inactive",
	subscription.BillingPendingPayment: "awaiting first payment",
}

func BillingNote(state subscription.BillingState, rawStatus string) string {
	note := billingNotes[state]
	if rawStatus != "" {
		note += " (processor status: " + rawStatus + ")"
	}
	return note
}
