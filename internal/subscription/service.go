package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	apperrors "github.com/dkruthoff/membership-billing/internal"
	"github.com/dkruthoff/membership-billing/internal/core/common/validation"
	"github.com/dkruthoff/membership-billing/internal/core/datamodel/subscription"
	"github.com/dkruthoff/membership-billing/internal/core/events"
	"github.com/dkruthoff/membership-billing/internal/processor"
	"gorm.io/gorm"
)

// CheckoutSessionPlaceholder is substituted by the processor with the real
// session id when redirecting back. Success and cancel URLs must carry it
// exactly once.
const CheckoutSessionPlaceholder = "{CHECKOUT_SESSION_ID}"

// Metadata keys stamped on local rows and outbound checkout sessions.
const (
	MetaRawStatus = "processor_status"
	MetaOwnerKind = "owner_kind"
	MetaOwnerID   = "owner_id"

	OwnerKindOrganisation = "organisation"
	OwnerKindMember       = "member"
)

// ProcessorAPI is the slice of the processor client the state machines use.
type ProcessorAPI interface {
	CreateCustomer(ctx context.Context, params processor.CustomerParams, opts ...processor.CallOption) (*processor.Customer, error)
	CreateCheckoutSession(ctx context.Context, params processor.CheckoutSessionParams, opts ...processor.CallOption) (*processor.CheckoutSession, error)
	GetPrice(ctx context.Context, id string, opts ...processor.CallOption) (*processor.Price, error)
}

// Service runs both subscription state machines. Transitions are driven by
// normalized ProcessorState regardless of whether a webhook or a sweeper
// observed it, so redundant and stale deliveries converge on the same row.
type Service struct {
	logger    *slog.Logger
	processor ProcessorAPI
	bus       *events.EventBus
}

func NewService(logger *slog.Logger, api ProcessorAPI, bus *events.EventBus) *Service {
	return &Service{logger: logger, processor: api, bus: bus}
}

// ApplyToOrganisation transitions a platform subscription and rolls the
// result up into the organisation's billing state. The billing state and note
// are written only when they actually change.
func (s *Service) ApplyToOrganisation(ctx context.Context, repo OrganisationRepository, owners OwnerRepository, sub *subscription.OrganisationSubscription, state ProcessorState) error {
	oldStatus := sub.Status
	newStatus := MapProcessorStatus(state.RawStatus)

	sub.Status = newStatus
	if state.SubscriptionID != "" && sub.ProcessorSubscriptionID == nil {
		sub.ProcessorSubscriptionID = &state.SubscriptionID
	}
	if state.CustomerID != "" && sub.ProcessorCustomerID == "" {
		sub.ProcessorCustomerID = state.CustomerID
	}
	sub.CurrentPeriodStart = state.CurrentPeriodStart
	sub.CurrentPeriodEnd = state.CurrentPeriodEnd
	sub.CancelAt = state.CancelAt
	sub.CanceledAt = state.CanceledAt
	sub.MergeMetadata(map[string]string{MetaRawStatus: state.RawStatus})

	if plan := s.resolvePlan(ctx, state.PriceID); plan != "" && plan != sub.PlanID {
		sub.PlanID = plan
	}

	if err := repo.Update(ctx, sub); err != nil {
		return fmt.Errorf("persist organisation subscription %d: %w", sub.ID, err)
	}

	if err := s.rollUpBilling(ctx, owners, sub.OrganisationID, state.RawStatus); err != nil {
		return err
	}

	if oldStatus != newStatus {
		s.logger.Info("organisation subscription transitioned",
			"subscription_id", sub.ID,
			"organisation_id", sub.OrganisationID,
			"from", oldStatus,
			"to", newStatus,
			"raw_status", state.RawStatus)
		s.bus.Publish(ctx, events.NewSubscriptionChangedEvent(OwnerKindOrganisation, sub.OrganisationID, string(oldStatus), string(newStatus)))
	}
	return nil
}

// ApplyToMember transitions an autopay subscription and keeps the member's
// autopay flag in step with whether the subscription is billable.
func (s *Service) ApplyToMember(ctx context.Context, repo MemberRepository, owners OwnerRepository, sub *subscription.MemberSubscription, state ProcessorState) error {
	oldStatus := sub.Status
	newStatus := MapProcessorStatus(state.RawStatus)

	sub.Status = newStatus
	if state.SubscriptionID != "" && sub.ProcessorSubscriptionID == nil {
		sub.ProcessorSubscriptionID = &state.SubscriptionID
	}
	if state.CustomerID != "" && sub.ProcessorCustomerID == "" {
		sub.ProcessorCustomerID = state.CustomerID
	}
	sub.CurrentPeriodStart = state.CurrentPeriodStart
	sub.CurrentPeriodEnd = state.CurrentPeriodEnd
	sub.CancelAt = state.CancelAt
	sub.CanceledAt = state.CanceledAt
	sub.MergeMetadata(map[string]string{MetaRawStatus: state.RawStatus})

	if state.PriceID != "" {
		if price, err := s.processor.GetPrice(ctx, state.PriceID); err == nil {
			if price.UnitAmountCents > 0 && price.UnitAmountCents != sub.AmountCents {
				sub.AmountCents = price.UnitAmountCents
			}
		} else {
			s.logger.Warn("price lookup failed during member transition",
				"subscription_id", sub.ID, "price_id", state.PriceID, "error", err)
		}
	}

	if err := repo.Update(ctx, sub); err != nil {
		return fmt.Errorf("persist member subscription %d: %w", sub.ID, err)
	}

	mem, err := owners.GetMember(ctx, sub.MemberID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("member missing for subscription", "subscription_id", sub.ID, "member_id", sub.MemberID)
			return nil
		}
		return err
	}
	if mem.AutopayEnabled != newStatus.Billable() {
		if err := owners.SetMemberAutopay(ctx, sub.MemberID, newStatus.Billable()); err != nil {
			return fmt.Errorf("update member %d autopay flag: %w", sub.MemberID, err)
		}
	}

	if oldStatus != newStatus {
		s.logger.Info("member subscription transitioned",
			"subscription_id", sub.ID,
			"member_id", sub.MemberID,
			"from", oldStatus,
			"to", newStatus,
			"raw_status", state.RawStatus)
		s.bus.Publish(ctx, events.NewSubscriptionChangedEvent(OwnerKindMember, sub.MemberID, string(oldStatus), string(newStatus)))
	}
	return nil
}

// ResetOrganisationCheckout clears a stale checkout attempt so the owner can
// retry. Used when an open session exceeded the staleness window or its
// processor record vanished.
func (s *Service) ResetOrganisationCheckout(ctx context.Context, repo OrganisationRepository, owners OwnerRepository, sub *subscription.OrganisationSubscription) error {
	sub.Status = subscription.StatusIncomplete
	sub.LatestCheckoutSessionID = nil
	if err := repo.Update(ctx, sub); err != nil {
		return fmt.Errorf("reset organisation subscription %d: %w", sub.ID, err)
	}
	return s.writeBilling(ctx, owners, sub.OrganisationID, subscription.BillingPendingPayment, "")
}

func (s *Service) ResetMemberCheckout(ctx context.Context, repo MemberRepository, sub *subscription.MemberSubscription) error {
	sub.Status = subscription.StatusIncomplete
	sub.LatestCheckoutSessionID = nil
	if err := repo.Update(ctx, sub); err != nil {
		return fmt.Errorf("reset member subscription %d: %w", sub.ID, err)
	}
	return nil
}

// CheckoutResult is what a started checkout hands back to the caller. The
// session id is already persisted on the subscription row at this point.
type CheckoutResult struct {
	SubscriptionID int64  `json:"subscription_id"`
	SessionID      string `json:"session_id"`
	URL            string `json:"url"`
}

type OrganisationCheckoutParams struct {
	OrganisationID int64
	PriceID        string
	SuccessURL     string
	CancelURL      string
}

// StartOrganisationCheckout begins (or restarts) platform billing for an
// organisation: reuses the current non-terminal subscription row or opens a
// new one, creates the processor customer only if none exists yet, and
// records the checkout session id before the URL leaves this function.
func (s *Service) StartOrganisationCheckout(ctx context.Context, repo OrganisationRepository, owners OwnerRepository, params OrganisationCheckoutParams) (*CheckoutResult, error) {
	v := validation.NewValidator()
	v.Field("price_id", params.PriceID).Required()
	v.Field("success_url", params.SuccessURL).Required()
	v.Field("cancel_url", params.CancelURL).Required()
	if appErr := v.Validate(); appErr != nil {
		return nil, appErr
	}

	org, err := owners.GetOrganisation(ctx, params.OrganisationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("organisation not found", apperrors.ErrCodeMemberNotFound)
		}
		return nil, err
	}

	sub, err := repo.CurrentForUpdate(ctx, params.OrganisationID)
	switch {
	case err == nil && !sub.Status.Terminal():
		// reuse the open row; a new checkout supersedes any stale session id
	case err == nil, errors.Is(err, gorm.ErrRecordNotFound):
		sub = &subscription.OrganisationSubscription{
			OrganisationID: params.OrganisationID,
			Status:         subscription.StatusIncomplete,
		}
		if err := repo.Create(ctx, sub); err != nil {
			return nil, fmt.Errorf("create organisation subscription: %w", err)
		}
	default:
		return nil, err
	}

	if sub.ProcessorCustomerID == "" {
		customer, err := s.processor.CreateCustomer(ctx, processor.CustomerParams{
			Email: org.Email,
			Name:  org.Name,
			Metadata: map[string]string{
				MetaOwnerKind: OwnerKindOrganisation,
				MetaOwnerID:   strconv.FormatInt(org.ID, 10),
			},
		})
		if err != nil {
			return nil, apperrors.NewExternalError("create processor customer", err)
		}
		sub.ProcessorCustomerID = customer.ID
	}

	session, err := s.processor.CreateCheckoutSession(ctx, processor.CheckoutSessionParams{
		Mode:              processor.SessionModeSubscription,
		SuccessURL:        EnsureSessionPlaceholder(params.SuccessURL),
		CancelURL:         EnsureSessionPlaceholder(params.CancelURL),
		CustomerID:        sub.ProcessorCustomerID,
		ClientReferenceID: strconv.FormatInt(sub.ID, 10),
		PriceID:           params.PriceID,
		Metadata: map[string]string{
			MetaOwnerKind: OwnerKindOrganisation,
			MetaOwnerID:   strconv.FormatInt(org.ID, 10),
		},
	})
	if err != nil {
		return nil, apperrors.NewExternalError("create checkout session", err)
	}

	sub.LatestCheckoutSessionID = &session.ID
	if err := repo.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("record checkout session on subscription %d: %w", sub.ID, err)
	}

	s.logger.Info("organisation checkout started",
		"organisation_id", org.ID,
		"subscription_id", sub.ID,
		"session_id", session.ID)
	return &CheckoutResult{SubscriptionID: sub.ID, SessionID: session.ID, URL: session.URL}, nil
}

type MemberAutopayParams struct {
	MemberID    int64
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
	// ProcessorAccountID scopes the checkout to the organisation's connected
	// account when set.
	ProcessorAccountID string
}

// StartMemberAutopay begins a recurring contribution debit for a member. A
// member may hold at most one non-terminal autopay subscription; violations
// surface as structured field errors before any processor call is made.
func (s *Service) StartMemberAutopay(ctx context.Context, repo MemberRepository, owners OwnerRepository, params MemberAutopayParams) (*CheckoutResult, error) {
	if appErr := validation.ValidateContributionAmount(params.AmountCents); appErr != nil {
		return nil, appErr
	}
	v := validation.NewValidator()
	v.Field("success_url", params.SuccessURL).Required()
	v.Field("cancel_url", params.CancelURL).Required()
	if appErr := v.Validate(); appErr != nil {
		return nil, appErr
	}

	mem, err := owners.GetMember(ctx, params.MemberID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrMemberNotFound
		}
		return nil, err
	}

	current, err := repo.CurrentForUpdate(ctx, params.MemberID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var sub *subscription.MemberSubscription
	if current != nil && err == nil && !current.Status.Terminal() {
		if current.Status != subscription.StatusIncomplete {
			return nil, apperrors.NewValidationFieldError("member_id",
				"member already has an active autopay subscription",
				apperrors.ErrCodeAutopayAlreadyActive)
		}
		if current.LatestCheckoutSessionID != nil {
			return nil, apperrors.NewValidationFieldError("member_id",
				"a checkout for this member is already in progress",
				apperrors.ErrCodeCheckoutInProgress)
		}
		// incomplete with no open session: reuse the row for a fresh attempt
		sub = current
		sub.AmountCents = params.AmountCents
		if params.Currency != "" {
			sub.Currency = params.Currency
		}
	} else {
		currency := params.Currency
		if currency == "" {
			currency = "eur"
		}
		sub = &subscription.MemberSubscription{
			MemberID:       mem.ID,
			OrganisationID: mem.OrganisationID,
			AmountCents:    params.AmountCents,
			Currency:       currency,
			Status:         subscription.StatusIncomplete,
		}
		if err := repo.Create(ctx, sub); err != nil {
			return nil, fmt.Errorf("create member subscription: %w", err)
		}
	}

	var opts []processor.CallOption
	if params.ProcessorAccountID != "" {
		opts = append(opts, processor.OnBehalfOf(params.ProcessorAccountID))
	}

	if sub.ProcessorCustomerID == "" {
		customer, err := s.processor.CreateCustomer(ctx, processor.CustomerParams{
			Email: mem.Email,
			Metadata: map[string]string{
				MetaOwnerKind: OwnerKindMember,
				MetaOwnerID:   strconv.FormatInt(mem.ID, 10),
			},
		}, opts...)
		if err != nil {
			return nil, apperrors.NewExternalError("create processor customer", err)
		}
		sub.ProcessorCustomerID = customer.ID
	}

	session, err := s.processor.CreateCheckoutSession(ctx, processor.CheckoutSessionParams{
		Mode:              processor.SessionModeSubscription,
		SuccessURL:        EnsureSessionPlaceholder(params.SuccessURL),
		CancelURL:         EnsureSessionPlaceholder(params.CancelURL),
		CustomerID:        sub.ProcessorCustomerID,
		ClientReferenceID: strconv.FormatInt(sub.ID, 10),
		AmountCents:       sub.AmountCents,
		Currency:          sub.Currency,
		Metadata: map[string]string{
			MetaOwnerKind: OwnerKindMember,
			MetaOwnerID:   strconv.FormatInt(mem.ID, 10),
		},
	}, opts...)
	if err != nil {
		return nil, apperrors.NewExternalError("create checkout session", err)
	}

	sub.LatestCheckoutSessionID = &session.ID
	if err := repo.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("record checkout session on subscription %d: %w", sub.ID, err)
	}

	s.logger.Info("member autopay checkout started",
		"member_id", mem.ID,
		"subscription_id", sub.ID,
		"amount_cents", sub.AmountCents,
		"session_id", session.ID)
	return &CheckoutResult{SubscriptionID: sub.ID, SessionID: session.ID, URL: session.URL}, nil
}

// rollUpBilling derives the organisation billing state from the raw processor
// status and writes it only on change.
func (s *Service) rollUpBilling(ctx context.Context, owners OwnerRepository, organisationID int64, rawStatus string) error {
	state := DeriveBillingState(rawStatus)
	return s.writeBilling(ctx, owners, organisationID, state, rawStatus)
}

func (s *Service) writeBilling(ctx context.Context, owners OwnerRepository, organisationID int64, state subscription.BillingState, rawStatus string) error {
	org, err := owners.GetOrganisation(ctx, organisationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("organisation missing for billing rollup", "organisation_id", organisationID)
			return nil
		}
		return err
	}
	if org.BillingState == string(state) {
		return nil
	}
	note := BillingNote(state, rawStatus)
	if err := owners.UpdateOrganisationBilling(ctx, organisationID, state, note); err != nil {
		return fmt.Errorf("update organisation %d billing state: %w", organisationID, err)
	}
	s.logger.Info("organisation billing state changed",
		"organisation_id", organisationID,
		"from", org.BillingState,
		"to", state)
	return nil
}

// resolvePlan maps a processor price id to a plan identifier. Lookup keys are
// the stable plan names; the price id itself is the fallback. Failures are
// logged and skipped so a transition never stalls on plan naming.
func (s *Service) resolvePlan(ctx context.Context, priceID string) string {
	if priceID == "" {
		return ""
	}
	price, err := s.processor.GetPrice(ctx, priceID)
	if err != nil {
		s.logger.Warn("price lookup failed during transition", "price_id", priceID, "error", err)
		return ""
	}
	if price.LookupKey != "" {
		return price.LookupKey
	}
	return price.ID
}

// EnsureSessionPlaceholder appends the session-id placeholder to a redirect
// URL unless the caller already embedded it, choosing ? or & by whether the
// URL carries a query string.
func EnsureSessionPlaceholder(u string) string {
	if strings.Contains(u, CheckoutSessionPlaceholder) {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "session_id=" + CheckoutSessionPlaceholder
}
