package reconcile

import (
	"context"
	"errors"
	"log/slog"

	internal "github.com/dkruthoff/membership-billing/internal"
	"github.com/dkruthoff/membership-billing/internal/processor"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"github.com/dkruthoff/membership-billing/internal/subscription"
	"gorm.io/gorm"
)

// MemberSubscriptionSweeper re-pulls processor state for member autopay
// subscriptions and replays the transition rules, catching any lifecycle
// webhook that never arrived.
type MemberSubscriptionSweeper struct {
	logger    *slog.Logger
	store     storage.Store
	subs      *subscription.Service
	processor SubscriptionProcessorAPI
}

func NewMemberSubscriptionSweeper(logger *slog.Logger, store storage.Store, subs *subscription.Service, api SubscriptionProcessorAPI) *MemberSubscriptionSweeper {
	return &MemberSubscriptionSweeper{logger: logger, store: store, subs: subs, processor: api}
}

// RunAll syncs every member subscription that has a processor subscription
// id. Per-member failures are counted, never fatal.
func (s *MemberSubscriptionSweeper) RunAll(ctx context.Context) (*Summary, error) {
	var memberIDs []int64
	err := s.store.View(ctx, func(r storage.Repos) error {
		subs, err := r.MemberSubs.ListAll(ctx, sweepBatchLimit)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if sub.ProcessorSubscriptionID != nil && *sub.ProcessorSubscriptionID != "" {
				memberIDs = append(memberIDs, sub.MemberID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, memberID := range memberIDs {
		s.syncOne(ctx, memberID, summary)
	}

	s.logger.Info("member subscription sweep finished",
		"members", len(memberIDs),
		"updated", summary.Updated,
		"still_pending", summary.StillPending,
		"errored", summary.Errored)
	return summary, nil
}

// RunOne syncs a single member's current subscription.
func (s *MemberSubscriptionSweeper) RunOne(ctx context.Context, memberID int64) (*Summary, error) {
	summary := &Summary{}
	s.syncOne(ctx, memberID, summary)
	if summary.Errored > 0 {
		return summary, internal.NewInternalError("member subscription sync failed", nil)
	}
	return summary, nil
}

func (s *MemberSubscriptionSweeper) syncOne(ctx context.Context, memberID int64, summary *Summary) {
	err := s.store.Transaction(ctx, func(r storage.Repos) error {
		sub, err := r.MemberSubs.CurrentForUpdate(ctx, memberID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				summary.AddStillPending()
				return nil
			}
			return err
		}
		if sub.ProcessorSubscriptionID == nil || *sub.ProcessorSubscriptionID == "" {
			summary.AddStillPending()
			return nil
		}

		remote, err := s.processor.GetSubscription(ctx, *sub.ProcessorSubscriptionID)
		if err != nil {
			if processor.IsResourceMissing(err) {
				// The processor forgot the subscription; treat it as canceled
				// so the member can start over.
				state := subscription.ProcessorState{
					SubscriptionID: *sub.ProcessorSubscriptionID,
					RawStatus:      "canceled",
				}
				if err := s.subs.ApplyToMember(ctx, r.MemberSubs, r.Owners, sub, state); err != nil {
					return err
				}
				summary.AddExpired()
				return nil
			}
			return err
		}

		if err := s.subs.ApplyToMember(ctx, r.MemberSubs, r.Owners, sub, subscription.StateFromProcessor(remote)); err != nil {
			return err
		}
		summary.AddUpdated()
		return nil
	})
	if err != nil {
		s.logger.Error("member subscription sync failed", "member_id", memberID, "error", err)
		summary.AddErrored()
	}
}
