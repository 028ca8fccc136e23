package subscription

import (
	"context"
	"time"

	"github.com/dkruthoff/membership-billing/internal/core/datamodel/member"
	"github.com/dkruthoff/membership-billing/internal/core/datamodel/subscription"
	"github.com/dkruthoff/membership-billing/internal/processor"
)

// OrganisationRepository persists platform (SaaS) subscriptions. "Current"
// means the most recently created row for the owner, ties broken by highest
// id; there is no dedicated current-pointer column.
type OrganisationRepository interface {
	Create(ctx context.Context, sub *subscription.OrganisationSubscription) error
	Update(ctx context.Context, sub *subscription.OrganisationSubscription) error
	CurrentForUpdate(ctx context.Context, organisationID int64) (*subscription.OrganisationSubscription, error)
	ByProcessorSubscriptionIDForUpdate(ctx context.Context, processorSubscriptionID string) (*subscription.OrganisationSubscription, error)
	ByProcessorCustomerIDForUpdate(ctx context.Context, processorCustomerID string) (*subscription.OrganisationSubscription, error)
	BySessionIDForUpdate(ctx context.Context, sessionID string) (*subscription.OrganisationSubscription, error)
	ListIncompleteOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.OrganisationSubscription, error)
}

// MemberRepository persists member recurring-debit (autopay) subscriptions.
type MemberRepository interface {
	Create(ctx context.Context, sub *subscription.MemberSubscription) error
	Update(ctx context.Context, sub *subscription.MemberSubscription) error
	CurrentForUpdate(ctx context.Context, memberID int64) (*subscription.MemberSubscription, error)
	ByProcessorSubscriptionIDForUpdate(ctx context.Context, processorSubscriptionID string) (*subscription.MemberSubscription, error)
	ByProcessorCustomerIDForUpdate(ctx context.Context, processorCustomerID string) (*subscription.MemberSubscription, error)
	BySessionIDForUpdate(ctx context.Context, sessionID string) (*subscription.MemberSubscription, error)
	ListIncompleteOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.MemberSubscription, error)
	ListAll(ctx context.Context, limit int) ([]*subscription.MemberSubscription, error)
}

// OwnerRepository covers the owner-side writes a subscription transition
// performs: the member autopay flag and the organisation billing rollup.
type OwnerRepository interface {
	GetMember(ctx context.Context, memberID int64) (*member.Member, error)
	SetMemberAutopay(ctx context.Context, memberID int64, enabled bool) error
	GetOrganisation(ctx context.Context, organisationID int64) (*member.Organisation, error)
	UpdateOrganisationBilling(ctx context.Context, organisationID int64, state subscription.BillingState, note string) error
}

// ProcessorState is the normalized transition input: whatever source observed
// the processor (webhook payload or a sweeper's re-fetch) reduces it to this
// before calling the state machine, so every trigger applies identical rules.
type ProcessorState struct {
	SubscriptionID     string
	CustomerID         string
	RawStatus          string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAt           *time.Time
	CanceledAt         *time.Time
}

// StateFromProcessor reduces a processor subscription object to transition
// input.
func StateFromProcessor(sub *processor.Subscription) ProcessorState {
	return ProcessorState{
		SubscriptionID:     sub.ID,
		CustomerID:         sub.CustomerID,
		RawStatus:          sub.Status,
		PriceID:            sub.PriceID,
		CurrentPeriodStart: processor.UnixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   processor.UnixTime(sub.CurrentPeriodEnd),
		CancelAt:           processor.UnixTime(sub.CancelAt),
		CanceledAt:         processor.UnixTime(sub.CanceledAt),
	}
}
