package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	internal "github.com/dkruthoff/membership-billing/internal"
	subscriptionmodel "github.com/dkruthoff/membership-billing/internal/core/datamodel/subscription"
	"github.com/dkruthoff/membership-billing/internal/processor"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"github.com/dkruthoff/membership-billing/internal/subscription"
	"gorm.io/gorm"
)

const sweepBatchLimit = 500

// SubscriptionProcessorAPI is the processor surface the incomplete sweep
// needs to re-fetch authoritative state.
type SubscriptionProcessorAPI interface {
	GetCheckoutSession(ctx context.Context, id string, opts ...processor.CallOption) (*processor.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string, opts ...processor.CallOption) (*processor.Subscription, error)
}

// IncompleteSweeper re-checks subscriptions stuck in incomplete: it pulls the
// checkout session or subscription from the processor and replays the same
// transition rules the webhook dispatcher uses. Open sessions past the
// staleness window are force-expired so the owner can retry; vanished
// processor records count as expired too.
type IncompleteSweeper struct {
	logger    *slog.Logger
	store     storage.Store
	subs      *subscription.Service
	processor SubscriptionProcessorAPI
	cfg       internal.ReconcileConfig
}

func NewIncompleteSweeper(logger *slog.Logger, store storage.Store, subs *subscription.Service, api SubscriptionProcessorAPI, cfg internal.ReconcileConfig) *IncompleteSweeper {
	return &IncompleteSweeper{logger: logger, store: store, subs: subs, processor: api, cfg: cfg}
}

// Run sweeps every incomplete subscription older than the configured age,
// both owner kinds. Per-owner failures are counted, never fatal.
func (s *IncompleteSweeper) Run(ctx context.Context) (*Summary, error) {
	cutoff := time.Now().Add(-s.cfg.IncompleteMinAge)

	var orgIDs, memberIDs []int64
	err := s.store.View(ctx, func(r storage.Repos) error {
		orgSubs, err := r.OrgSubs.ListIncompleteOlderThan(ctx, cutoff, sweepBatchLimit)
		if err != nil {
			return err
		}
		for _, sub := range orgSubs {
			orgIDs = append(orgIDs, sub.OrganisationID)
		}
		memberSubs, err := r.MemberSubs.ListIncompleteOlderThan(ctx, cutoff, sweepBatchLimit)
		if err != nil {
			return err
		}
		for _, sub := range memberSubs {
			memberIDs = append(memberIDs, sub.MemberID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, id := range orgIDs {
		s.sweepOrganisation(ctx, id, summary)
	}
	for _, id := range memberIDs {
		s.sweepMember(ctx, id, summary)
	}

	s.logger.Info("incomplete subscription sweep finished",
		"organisations", len(orgIDs),
		"members", len(memberIDs),
		"updated", summary.Updated,
		"expired", summary.Expired,
		"still_pending", summary.StillPending,
		"errored", summary.Errored)
	return summary, nil
}

// RunOrganisation checks one organisation's current subscription regardless
// of age.
func (s *IncompleteSweeper) RunOrganisation(ctx context.Context, organisationID int64) (*Summary, error) {
	summary := &Summary{}
	s.sweepOrganisation(ctx, organisationID, summary)
	return summary, nil
}

// RunMember checks one member's current subscription regardless of age.
func (s *IncompleteSweeper) RunMember(ctx context.Context, memberID int64) (*Summary, error) {
	summary := &Summary{}
	s.sweepMember(ctx, memberID, summary)
	return summary, nil
}

func (s *IncompleteSweeper) sweepOrganisation(ctx context.Context, organisationID int64, summary *Summary) {
	err := s.store.Transaction(ctx, func(r storage.Repos) error {
		sub, err := r.OrgSubs.CurrentForUpdate(ctx, organisationID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				summary.AddStillPending()
				return nil
			}
			return err
		}
		if sub.Status != subscriptionmodel.StatusIncomplete {
			summary.AddStillPending()
			return nil
		}

		outcome, state, err := s.probe(ctx, sub.ProcessorSubscriptionID, sub.LatestCheckoutSessionID)
		if err != nil {
			return err
		}
		switch outcome {
		case probeTransition:
			if err := s.subs.ApplyToOrganisation(ctx, r.OrgSubs, r.Owners, sub, state); err != nil {
				return err
			}
			summary.AddUpdated()
		case probeExpire:
			if err := s.subs.ResetOrganisationCheckout(ctx, r.OrgSubs, r.Owners, sub); err != nil {
				return err
			}
			summary.AddExpired()
		default:
			summary.AddStillPending()
		}
		return nil
	})
	if err != nil {
		s.logger.Error("incomplete sweep failed for organisation",
			"organisation_id", organisationID, "error", err)
		summary.AddErrored()
	}
}

func (s *IncompleteSweeper) sweepMember(ctx context.Context, memberID int64, summary *Summary) {
	err := s.store.Transaction(ctx, func(r storage.Repos) error {
		sub, err := r.MemberSubs.CurrentForUpdate(ctx, memberID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				summary.AddStillPending()
				return nil
			}
			return err
		}
		if sub.Status != subscriptionmodel.StatusIncomplete {
			summary.AddStillPending()
			return nil
		}

		outcome, state, err := s.probe(ctx, sub.ProcessorSubscriptionID, sub.LatestCheckoutSessionID)
		if err != nil {
			return err
		}
		switch outcome {
		case probeTransition:
			if err := s.subs.ApplyToMember(ctx, r.MemberSubs, r.Owners, sub, state); err != nil {
				return err
			}
			summary.AddUpdated()
		case probeExpire:
			if err := s.subs.ResetMemberCheckout(ctx, r.MemberSubs, sub); err != nil {
				return err
			}
			summary.AddExpired()
		default:
			summary.AddStillPending()
		}
		return nil
	})
	if err != nil {
		s.logger.Error("incomplete sweep failed for member",
			"member_id", memberID, "error", err)
		summary.AddErrored()
	}
}

type probeOutcome int

const (
	probePending probeOutcome = iota
	probeTransition
	probeExpire
)

// probe asks the processor what actually happened to a stuck subscription. A
// known processor-subscription id wins over the checkout session; a vanished
// record is equivalent to an expired one.
func (s *IncompleteSweeper) probe(ctx context.Context, processorSubID, sessionID *string) (probeOutcome, subscription.ProcessorState, error) {
	if processorSubID != nil && *processorSubID != "" {
		sub, err := s.processor.GetSubscription(ctx, *processorSubID)
		if err != nil {
			if processor.IsResourceMissing(err) {
				return probeExpire, subscription.ProcessorState{}, nil
			}
			return probePending, subscription.ProcessorState{}, err
		}
		return probeTransition, subscription.StateFromProcessor(sub), nil
	}

	if sessionID != nil && *sessionID != "" {
		session, err := s.processor.GetCheckoutSession(ctx, *sessionID)
		if err != nil {
			if processor.IsResourceMissing(err) {
				return probeExpire, subscription.ProcessorState{}, nil
			}
			return probePending, subscription.ProcessorState{}, err
		}

		switch session.Status {
		case processor.SessionStatusComplete:
			if session.SubscriptionID == "" {
				return probePending, subscription.ProcessorState{}, nil
			}
			sub, err := s.processor.GetSubscription(ctx, session.SubscriptionID)
			if err != nil {
				if processor.IsResourceMissing(err) {
					return probeExpire, subscription.ProcessorState{}, nil
				}
				return probePending, subscription.ProcessorState{}, err
			}
			return probeTransition, subscription.StateFromProcessor(sub), nil

		case processor.SessionStatusExpired:
			return probeExpire, subscription.ProcessorState{}, nil

		default:
			created := processor.UnixTime(session.CreatedAt)
			if created != nil && time.Since(*created) > s.cfg.SessionStaleAfter {
				return probeExpire, subscription.ProcessorState{}, nil
			}
			return probePending, subscription.ProcessorState{}, nil
		}
	}

	// No processor identifier to check against yet, nothing to decide.
	return probePending, subscription.ProcessorState{}, nil
}
