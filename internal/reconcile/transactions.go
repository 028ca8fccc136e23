package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	internal "github.com/dkruthoff/membership-billing/internal"
	transactionmodel "github.com/dkruthoff/membership-billing/internal/core/datamodel/transaction"
	"github.com/dkruthoff/membership-billing/internal/processor"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"github.com/dkruthoff/membership-billing/internal/transaction"
	"gorm.io/gorm"
)

// PaymentProcessorAPI is the processor surface the transaction sweep needs.
type PaymentProcessorAPI interface {
	GetPaymentIntent(ctx context.Context, id string, opts ...processor.CallOption) (*processor.PaymentIntent, error)
	GetCheckoutSession(ctx context.Context, id string, opts ...processor.CallOption) (*processor.CheckoutSession, error)
}

// TransactionSweeper re-queries the processor for transactions that may have
// missed their webhook: everything in processing, plus recently created
// unsettled rows as a fallback net. Outcomes go through the same settlement
// calls the dispatcher uses.
type TransactionSweeper struct {
	logger    *slog.Logger
	store     storage.Store
	txns      *transaction.Service
	processor PaymentProcessorAPI
	cfg       internal.ReconcileConfig
}

func NewTransactionSweeper(logger *slog.Logger, store storage.Store, txns *transaction.Service, api PaymentProcessorAPI, cfg internal.ReconcileConfig) *TransactionSweeper {
	return &TransactionSweeper{logger: logger, store: store, txns: txns, processor: api, cfg: cfg}
}

// Run sweeps processing transactions; includeRecent widens the net to all
// unsettled transactions created inside the configured recent window.
func (s *TransactionSweeper) Run(ctx context.Context, includeRecent bool) (*Summary, error) {
	ids := map[int64]struct{}{}
	err := s.store.View(ctx, func(r storage.Repos) error {
		processing, err := r.Transactions.ListProcessing(ctx, sweepBatchLimit)
		if err != nil {
			return err
		}
		for _, t := range processing {
			ids[t.ID] = struct{}{}
		}
		if includeRecent {
			recent, err := r.Transactions.ListUnsettledSince(ctx, time.Now().Add(-s.cfg.RecentWindow), sweepBatchLimit)
			if err != nil {
				return err
			}
			for _, t := range recent {
				ids[t.ID] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for id := range ids {
		s.sweepOne(ctx, id, summary)
	}

	s.logger.Info("transaction sweep finished",
		"candidates", len(ids),
		"updated", summary.Updated,
		"still_pending", summary.StillPending,
		"errored", summary.Errored)
	return summary, nil
}

// SyncPayment reconciles a single payment by whichever identifier the
// operator has: a payment intent id, a checkout session id, or a numeric
// transaction id.
func (s *TransactionSweeper) SyncPayment(ctx context.Context, identifier string) (*Summary, error) {
	summary := &Summary{}
	err := s.store.Transaction(ctx, func(r storage.Repos) error {
		txn, err := s.txns.Locate(ctx, r.Transactions, identifier, identifier, identifier)
		if err != nil {
			return err
		}
		if txn == nil {
			return internal.ErrTransactionNotFound
		}
		return s.reconcile(ctx, r, txn, summary)
	})
	if err != nil {
		if appErr, ok := internal.IsAppError(err); ok {
			return summary, appErr
		}
		summary.AddErrored()
		s.logger.Error("payment sync failed", "identifier", identifier, "error", err)
	}
	return summary, nil
}

func (s *TransactionSweeper) sweepOne(ctx context.Context, id int64, summary *Summary) {
	err := s.store.Transaction(ctx, func(r storage.Repos) error {
		txn, err := r.Transactions.GetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		return s.reconcile(ctx, r, txn, summary)
	})
	if err != nil {
		s.logger.Error("transaction sweep failed", "transaction_id", id, "error", err)
		summary.AddErrored()
	}
}

// reconcile probes the processor by whichever identifier the transaction
// carries and settles on a definitive outcome. Runs under the caller's row
// lock.
func (s *TransactionSweeper) reconcile(ctx context.Context, r storage.Repos, txn *transactionmodel.Transaction, summary *Summary) error {
	if txn.Settled() {
		summary.AddStillPending()
		return nil
	}

	if txn.PaymentIntentID != nil && *txn.PaymentIntentID != "" {
		intent, err := s.processor.GetPaymentIntent(ctx, *txn.PaymentIntentID)
		if err != nil {
			if processor.IsResourceMissing(err) {
				s.logger.Warn("payment intent vanished from processor",
					"transaction_id", txn.ID, "payment_intent_id", *txn.PaymentIntentID)
				summary.AddStillPending()
				return nil
			}
			return err
		}
		switch intent.Status {
		case processor.IntentStatusSucceeded:
			if err := s.txns.SettleSucceeded(ctx, r.Transactions, r.Contributions, txn, intent.ID, ""); err != nil {
				return err
			}
			summary.AddUpdated()
		case processor.IntentStatusCanceled:
			if err := s.txns.SettleFailed(ctx, r.Transactions, r.Contributions, txn, intent.ID, "", "payment intent canceled"); err != nil {
				return err
			}
			summary.AddUpdated()
		default:
			summary.AddStillPending()
		}
		return nil
	}

	if txn.CheckoutSessionID != nil && *txn.CheckoutSessionID != "" {
		session, err := s.processor.GetCheckoutSession(ctx, *txn.CheckoutSessionID)
		if err != nil {
			if processor.IsResourceMissing(err) {
				if err := s.txns.SettleFailed(ctx, r.Transactions, r.Contributions, txn, "", *txn.CheckoutSessionID, "checkout session vanished"); err != nil {
					return err
				}
				summary.AddExpired()
				return nil
			}
			return err
		}
		switch {
		case session.PaymentStatus == processor.SessionPaymentStatusPaid:
			if err := s.txns.SettleSucceeded(ctx, r.Transactions, r.Contributions, txn, session.PaymentIntentID, session.ID); err != nil {
				return err
			}
			summary.AddUpdated()
		case session.Status == processor.SessionStatusExpired:
			if err := s.txns.SettleFailed(ctx, r.Transactions, r.Contributions, txn, session.PaymentIntentID, session.ID, "checkout session expired"); err != nil {
				return err
			}
			summary.AddExpired()
		default:
			summary.AddStillPending()
		}
		return nil
	}

	summary.AddStillPending()
	return nil
}
