package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dkruthoff/membership-billing/internal/account"
	contributionmodel "github.com/dkruthoff/membership-billing/internal/core/datamodel/contribution"
	subscriptionmodel "github.com/dkruthoff/membership-billing/internal/core/datamodel/subscription"
	datatransaction "github.com/dkruthoff/membership-billing/internal/core/datamodel/transaction"
	"github.com/dkruthoff/membership-billing/internal/processor"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"github.com/dkruthoff/membership-billing/internal/subscription"
	"github.com/dkruthoff/membership-billing/internal/transaction"
	"gorm.io/gorm"
)

// ProcessorAPI is the slice of the processor client the dispatcher needs:
// completed checkout sessions reference a subscription that must be fetched
// to learn its authoritative status.
type ProcessorAPI interface {
	GetSubscription(ctx context.Context, id string, opts ...processor.CallOption) (*processor.Subscription, error)
}

// Dispatcher routes an admitted webhook event to the owning handler. Routing
// is two-level: account events feed the Connect-account projection, everything
// else resolves a member subscription first and falls back to an organisation
// subscription, since both owner kinds share the processor's id namespace.
type Dispatcher struct {
	logger    *slog.Logger
	subs      *subscription.Service
	txns      *transaction.Service
	accounts  *account.Service
	processor ProcessorAPI
}

func NewDispatcher(logger *slog.Logger, subs *subscription.Service, txns *transaction.Service, accounts *account.Service, api ProcessorAPI) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		subs:      subs,
		txns:      txns,
		accounts:  accounts,
		processor: api,
	}
}

// Dispatch runs inside the caller's database transaction, after the ledger
// admitted the event. Any returned error rolls the whole unit of work back so
// the processor's redelivery can retry.
func (d *Dispatcher) Dispatch(ctx context.Context, r storage.Repos, env *Envelope) error {
	switch {
	case strings.HasPrefix(env.Type, "account."):
		return d.handleAccount(ctx, r, env)
	case env.Type == "checkout.session.completed":
		return d.handleCheckoutCompleted(ctx, r, env)
	case env.Type == "checkout.session.expired":
		return d.handleCheckoutExpired(ctx, r, env)
	case strings.HasPrefix(env.Type, "customer.subscription."):
		return d.handleSubscriptionEvent(ctx, r, env)
	case env.Type == "invoice.payment_succeeded" || env.Type == "invoice.paid":
		return d.handleInvoiceSucceeded(ctx, r, env)
	case env.Type == "invoice.payment_failed":
		return d.handleInvoiceFailed(ctx, r, env)
	default:
		d.logger.Debug("unhandled webhook event type", "event_id", env.ID, "event_type", env.Type)
		return nil
	}
}

func (d *Dispatcher) handleAccount(ctx context.Context, r storage.Repos, env *Envelope) error {
	acct, err := env.Account()
	if err != nil {
		return err
	}
	return d.accounts.Apply(ctx, r.Accounts, acct)
}

func (d *Dispatcher) handleCheckoutCompleted(ctx context.Context, r storage.Repos, env *Envelope) error {
	session, err := env.CheckoutSession()
	if err != nil {
		return err
	}

	if session.Mode == processor.SessionModePayment {
		txn, err := d.txns.Locate(ctx, r.Transactions, session.ClientReferenceID, session.ID, session.PaymentIntentID)
		if err != nil {
			return err
		}
		if txn == nil {
			d.logger.Warn("completed payment session matches no transaction",
				"event_id", env.ID, "session_id", session.ID)
			return nil
		}
		if session.PaymentStatus == processor.SessionPaymentStatusPaid {
			return d.txns.SettleSucceeded(ctx, r.Transactions, r.Contributions, txn, session.PaymentIntentID, session.ID)
		}
		// unpaid completion means an async debit is still clearing; the
		// invoice or payment-intent event settles it later
		return nil
	}

	state, err := d.subscriptionState(ctx, session)
	if err != nil {
		return err
	}

	if memberSub := d.findMemberSub(ctx, r, session.SubscriptionID, session.CustomerID, session.ID); memberSub != nil {
		return d.subs.ApplyToMember(ctx, r.MemberSubs, r.Owners, memberSub, state)
	}
	if orgSub := d.findOrgSub(ctx, r, session.SubscriptionID, session.CustomerID, session.ID); orgSub != nil {
		return d.subs.ApplyToOrganisation(ctx, r.OrgSubs, r.Owners, orgSub, state)
	}

	d.logger.Warn("completed subscription session matches no local subscription",
		"event_id", env.ID, "session_id", session.ID, "customer_id", session.CustomerID)
	return nil
}

func (d *Dispatcher) handleCheckoutExpired(ctx context.Context, r storage.Repos, env *Envelope) error {
	session, err := env.CheckoutSession()
	if err != nil {
		return err
	}

	if memberSub := d.findMemberSub(ctx, r, "", "", session.ID); memberSub != nil {
		return d.subs.ResetMemberCheckout(ctx, r.MemberSubs, memberSub)
	}
	if orgSub := d.findOrgSub(ctx, r, "", "", session.ID); orgSub != nil {
		return d.subs.ResetOrganisationCheckout(ctx, r.OrgSubs, r.Owners, orgSub)
	}

	txn, err := d.txns.Locate(ctx, r.Transactions, session.ClientReferenceID, session.ID, session.PaymentIntentID)
	if err != nil {
		return err
	}
	if txn != nil && !txn.Settled() {
		return d.txns.SettleFailed(ctx, r.Transactions, r.Contributions, txn, session.PaymentIntentID, session.ID, "checkout session expired")
	}
	return nil
}

func (d *Dispatcher) handleSubscriptionEvent(ctx context.Context, r storage.Repos, env *Envelope) error {
	sub, err := env.Subscription()
	if err != nil {
		return err
	}
	state := subscription.StateFromProcessor(sub)

	if memberSub := d.findMemberSub(ctx, r, sub.ID, sub.CustomerID, ""); memberSub != nil {
		return d.subs.ApplyToMember(ctx, r.MemberSubs, r.Owners, memberSub, state)
	}
	if orgSub := d.findOrgSub(ctx, r, sub.ID, sub.CustomerID, ""); orgSub != nil {
		return d.subs.ApplyToOrganisation(ctx, r.OrgSubs, r.Owners, orgSub, state)
	}

	d.logger.Warn("subscription event matches no local subscription",
		"event_id", env.ID, "event_type", env.Type,
		"processor_subscription_id", sub.ID, "customer_id", sub.CustomerID)
	return nil
}

func (d *Dispatcher) handleInvoiceSucceeded(ctx context.Context, r storage.Repos, env *Envelope) error {
	invoice, err := env.Invoice()
	if err != nil {
		return err
	}
	if invoice.PaymentIntentID == "" {
		d.logger.Warn("paid invoice carries no payment intent", "event_id", env.ID, "invoice_id", invoice.ID)
		return nil
	}

	amount := invoice.AmountPaidCents
	if amount == 0 {
		amount = invoice.AmountDueCents
	}

	if memberSub := d.findMemberSub(ctx, r, invoice.SubscriptionID, invoice.CustomerID, ""); memberSub != nil {
		txn, created, err := d.txns.UpsertByIntent(ctx, r.Transactions, transaction.UpsertByIntentParams{
			OrganisationID: memberSub.OrganisationID,
			MemberID:       &memberSub.MemberID,
			Kind:           datatransaction.KindContribution,
			AmountCents:    amount,
			Currency:       invoice.Currency,
			IntentID:       invoice.PaymentIntentID,
			Metadata:       map[string]string{"invoice_id": invoice.ID},
		})
		if err != nil {
			return err
		}
		// Each invoice opens a fresh obligation for its billing period;
		// existing records are never repurposed. The create is guarded on the
		// transaction being new so redundant sweeps stay idempotent.
		if created {
			if err := d.createInvoiceContribution(ctx, r, memberSub, invoice, amount, txn.ID); err != nil {
				return err
			}
		}
		return d.txns.SettleSucceeded(ctx, r.Transactions, r.Contributions, txn, invoice.PaymentIntentID, "")
	}

	if orgSub := d.findOrgSub(ctx, r, invoice.SubscriptionID, invoice.CustomerID, ""); orgSub != nil {
		txn, _, err := d.txns.UpsertByIntent(ctx, r.Transactions, transaction.UpsertByIntentParams{
			OrganisationID: orgSub.OrganisationID,
			Kind:           datatransaction.KindSaaS,
			AmountCents:    amount,
			Currency:       invoice.Currency,
			IntentID:       invoice.PaymentIntentID,
			Metadata:       map[string]string{"invoice_id": invoice.ID},
		})
		if err != nil {
			return err
		}
		return d.txns.SettleSucceeded(ctx, r.Transactions, r.Contributions, txn, invoice.PaymentIntentID, "")
	}

	d.logger.Warn("paid invoice matches no local subscription",
		"event_id", env.ID, "invoice_id", invoice.ID,
		"processor_subscription_id", invoice.SubscriptionID, "customer_id", invoice.CustomerID)
	return nil
}

func (d *Dispatcher) handleInvoiceFailed(ctx context.Context, r storage.Repos, env *Envelope) error {
	invoice, err := env.Invoice()
	if err != nil {
		return err
	}
	if invoice.PaymentIntentID == "" {
		return nil
	}

	memberSub := d.findMemberSub(ctx, r, invoice.SubscriptionID, invoice.CustomerID, "")
	var orgSub *subscriptionmodel.OrganisationSubscription
	if memberSub == nil {
		orgSub = d.findOrgSub(ctx, r, invoice.SubscriptionID, invoice.CustomerID, "")
		if orgSub == nil {
			return nil
		}
	}

	params := transaction.UpsertByIntentParams{
		AmountCents: invoice.AmountDueCents,
		Currency:    invoice.Currency,
		IntentID:    invoice.PaymentIntentID,
		Metadata:    map[string]string{"invoice_id": invoice.ID},
	}
	if memberSub != nil {
		params.OrganisationID = memberSub.OrganisationID
		params.MemberID = &memberSub.MemberID
		params.Kind = datatransaction.KindContribution
	} else {
		params.OrganisationID = orgSub.OrganisationID
		params.Kind = datatransaction.KindSaaS
	}

	txn, _, err := d.txns.UpsertByIntent(ctx, r.Transactions, params)
	if err != nil {
		return err
	}
	return d.txns.SettleFailed(ctx, r.Transactions, r.Contributions, txn, invoice.PaymentIntentID, "", "invoice payment failed")
}

func (d *Dispatcher) createInvoiceContribution(ctx context.Context, r storage.Repos, sub *subscriptionmodel.MemberSubscription, invoice *processor.Invoice, amount int64, transactionID int64) error {
	var period *time.Time
	if start := processor.UnixTime(invoice.PeriodStart); start != nil {
		p := contributionmodel.MonthOf(*start)
		period = &p
	}
	rec := &contributionmodel.Record{
		MemberID:      sub.MemberID,
		Period:        period,
		AmountCents:   amount,
		Status:        contributionmodel.StatusOpen,
		TransactionID: &transactionID,
	}
	if err := r.Contributions.Create(ctx, rec); err != nil {
		return fmt.Errorf("create contribution record for invoice %s: %w", invoice.ID, err)
	}
	return nil
}

// subscriptionState fetches the authoritative subscription behind a completed
// checkout session. A vanished subscription on a paid session is treated as
// active so the local row is not left incomplete; an unreachable processor
// aborts the whole event for redelivery.
func (d *Dispatcher) subscriptionState(ctx context.Context, session *processor.CheckoutSession) (subscription.ProcessorState, error) {
	if session.SubscriptionID == "" {
		return subscription.ProcessorState{
			CustomerID: session.CustomerID,
			RawStatus:  "incomplete",
		}, nil
	}

	sub, err := d.processor.GetSubscription(ctx, session.SubscriptionID)
	if err != nil {
		if processor.IsResourceMissing(err) {
			d.logger.Warn("subscription behind completed session is gone",
				"session_id", session.ID, "processor_subscription_id", session.SubscriptionID)
			raw := "incomplete"
			if session.PaymentStatus == processor.SessionPaymentStatusPaid {
				raw = "active"
			}
			return subscription.ProcessorState{
				SubscriptionID: session.SubscriptionID,
				CustomerID:     session.CustomerID,
				RawStatus:      raw,
			}, nil
		}
		return subscription.ProcessorState{}, err
	}
	return subscription.StateFromProcessor(sub), nil
}

func (d *Dispatcher) findMemberSub(ctx context.Context, r storage.Repos, processorSubID, customerID, sessionID string) *subscriptionmodel.MemberSubscription {
	if processorSubID != "" {
		if sub, err := r.MemberSubs.ByProcessorSubscriptionIDForUpdate(ctx, processorSubID); err == nil {
			return sub
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Error("member subscription lookup failed", "processor_subscription_id", processorSubID, "error", err)
		}
	}
	if customerID != "" {
		if sub, err := r.MemberSubs.ByProcessorCustomerIDForUpdate(ctx, customerID); err == nil {
			return sub
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Error("member subscription lookup failed", "customer_id", customerID, "error", err)
		}
	}
	if sessionID != "" {
		if sub, err := r.MemberSubs.BySessionIDForUpdate(ctx, sessionID); err == nil {
			return sub
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Error("member subscription lookup failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) findOrgSub(ctx context.Context, r storage.Repos, processorSubID, customerID, sessionID string) *subscriptionmodel.OrganisationSubscription {
	if processorSubID != "" {
		if sub, err := r.OrgSubs.ByProcessorSubscriptionIDForUpdate(ctx, processorSubID); err == nil {
			return sub
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Error("organisation subscription lookup failed", "processor_subscription_id", processorSubID, "error", err)
		}
	}
	if customerID != "" {
		if sub, err := r.OrgSubs.ByProcessorCustomerIDForUpdate(ctx, customerID); err == nil {
			return sub
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Error("organisation subscription lookup failed", "customer_id", customerID, "error", err)
		}
	}
	if sessionID != "" {
		if sub, err := r.OrgSubs.BySessionIDForUpdate(ctx, sessionID); err == nil {
			return sub
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Error("organisation subscription lookup failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}
