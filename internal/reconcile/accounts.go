package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	internal "github.com/dkruthoff/membership-billing/internal"
	accountmodel "github.com/dkruthoff/membership-billing/internal/core/datamodel/account"
	"github.com/dkruthoff/membership-billing/internal/processor"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"github.com/dkruthoff/membership-billing/internal/transaction"
)

// AccountProcessorAPI lists recent payment activity per connected account.
type AccountProcessorAPI interface {
	ListCheckoutSessions(ctx context.Context, createdAfter time.Time, limit int, opts ...processor.CallOption) ([]processor.CheckoutSession, error)
	ListPaymentIntents(ctx context.Context, createdAfter time.Time, limit int, opts ...processor.CallOption) ([]processor.PaymentIntent, error)
}

// AccountSweeper walks every active connected account, lists its recent
// checkout sessions and payment intents, and feeds anything that matches a
// local transaction through settlement. Accounts are processed by a small
// worker pool; correctness relies only on the per-row locks underneath.
type AccountSweeper struct {
	logger     *slog.Logger
	store      storage.Store
	txns       *transaction.Service
	processor  AccountProcessorAPI
	cfg        internal.ReconcileConfig
	maxWorkers int
}

func NewAccountSweeper(logger *slog.Logger, store storage.Store, txns *transaction.Service, api AccountProcessorAPI, cfg internal.ReconcileConfig) *AccountSweeper {
	return &AccountSweeper{
		logger:     logger,
		store:      store,
		txns:       txns,
		processor:  api,
		cfg:        cfg,
		maxWorkers: 4,
	}
}

func (s *AccountSweeper) Run(ctx context.Context) (*Summary, error) {
	var accounts []*accountmodel.ConnectedAccount
	err := s.store.View(ctx, func(r storage.Repos) error {
		var err error
		accounts, err = r.Accounts.ListActive(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	jobs := make(chan *accountmodel.ConnectedAccount)
	var wg sync.WaitGroup
	for i := 0; i < s.maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for acct := range jobs {
				s.sweepAccount(ctx, acct, summary)
			}
		}()
	}
	for _, acct := range accounts {
		select {
		case jobs <- acct:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	s.logger.Info("connected account sweep finished",
		"accounts", len(accounts),
		"updated", summary.Updated,
		"expired", summary.Expired,
		"still_pending", summary.StillPending,
		"errored", summary.Errored)
	return summary, nil
}

func (s *AccountSweeper) sweepAccount(ctx context.Context, acct *accountmodel.ConnectedAccount, summary *Summary) {
	createdAfter := time.Now().Add(-s.cfg.RecentWindow)
	scope := processor.OnBehalfOf(acct.ProcessorAccountID)

	sessions, err := s.processor.ListCheckoutSessions(ctx, createdAfter, sweepBatchLimit, scope)
	if err != nil {
		s.logger.Error("listing checkout sessions failed",
			"processor_account_id", acct.ProcessorAccountID, "error", err)
		summary.AddErrored()
		return
	}
	for _, session := range sessions {
		s.settleSession(ctx, session, summary)
	}

	intents, err := s.processor.ListPaymentIntents(ctx, createdAfter, sweepBatchLimit, scope)
	if err != nil {
		s.logger.Error("listing payment intents failed",
			"processor_account_id", acct.ProcessorAccountID, "error", err)
		summary.AddErrored()
		return
	}
	for _, intent := range intents {
		s.settleIntent(ctx, intent, summary)
	}
}

func (s *AccountSweeper) settleSession(ctx context.Context, session processor.CheckoutSession, summary *Summary) {
	err := s.store.Transaction(ctx, func(r storage.Repos) error {
		txn, err := s.txns.Locate(ctx, r.Transactions, session.ClientReferenceID, session.ID, session.PaymentIntentID)
		if err != nil {
			return err
		}
		if txn == nil || txn.Settled() {
			return nil
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
	})
	if err != nil {
		s.logger.Error("settling checkout session failed", "session_id", session.ID, "error", err)
		summary.AddErrored()
	}
}

func (s *AccountSweeper) settleIntent(ctx context.Context, intent processor.PaymentIntent, summary *Summary) {
	err := s.store.Transaction(ctx, func(r storage.Repos) error {
		txn, err := s.txns.Locate(ctx, r.Transactions, "", "", intent.ID)
		if err != nil {
			return err
		}
		if txn == nil || txn.Settled() {
			return nil
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
	})
	if err != nil {
		s.logger.Error("settling payment intent failed", "payment_intent_id", intent.ID, "error", err)
		summary.AddErrored()
	}
}
