package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dkruthoff/membership-billing/internal/contribution"
	contributionmodel "github.com/dkruthoff/membership-billing/internal/core/datamodel/contribution"
	"github.com/dkruthoff/membership-billing/internal/core/datamodel/transaction"
	"github.com/dkruthoff/membership-billing/internal/core/events"
	"gorm.io/gorm"
)

// MetaContributionRecords is the metadata key carrying the ids of
// contribution records a checkout was started for, comma-separated. Settlement
// links these records if nothing linked them yet.
const MetaContributionRecords = "contribution_record_ids"

// Service applies settlement outcomes to transactions and cascades them to
// linked contribution records. Every method is idempotent: re-applying the
// same outcome, with the same or a superset of identifiers, converges on the
// same persisted state.
type Service struct {
	logger *slog.Logger
	bus    *events.EventBus
}

func NewService(logger *slog.Logger, bus *events.EventBus) *Service {
	return &Service{logger: logger, bus: bus}
}

// Locate resolves a transaction from whichever identifiers the caller has,
// in fixed priority: numeric client reference as a primary-key lookup, then
// checkout session id, then payment intent id. Each lookup row-locks the hit
// so concurrent settlement attempts serialize. Returns nil without error when
// nothing matches.
func (s *Service) Locate(ctx context.Context, repo Repository, clientReferenceID, sessionID, intentID string) (*transaction.Transaction, error) {
	if clientReferenceID != "" {
		if id, err := strconv.ParseInt(clientReferenceID, 10, 64); err == nil {
			t, err := repo.GetForUpdate(ctx, id)
			if err == nil {
				return t, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}

	if sessionID != "" {
		t, err := repo.GetBySessionIDForUpdate(ctx, sessionID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if intentID != "" {
		t, err := repo.GetByIntentIDForUpdate(ctx, intentID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// SettleSucceeded forces the transaction into its terminal succeeded state
// and marks every linked contribution record paid. Identifier fields are
// backfilled only when unset; occurred_at and status are always refreshed so
// the last writer wins on the outcome while never clobbering identifiers
// learned by an earlier race participant.
func (s *Service) SettleSucceeded(ctx context.Context, repo Repository, contribs contribution.Repository, t *transaction.Transaction, intentID, sessionID string) error {
	backfillIdentifiers(t, intentID, sessionID)

	now := time.Now().UTC()
	t.Status = transaction.StatusSucceeded
	t.OccurredAt = now

	if err := repo.Update(ctx, t); err != nil {
		return fmt.Errorf("persist settled transaction %d: %w", t.ID, err)
	}

	records, err := s.linkedRecords(ctx, contribs, t)
	if err != nil {
		return err
	}
	for _, rec := range records {
		rec.Status = contributionmodel.StatusPaid
		if rec.TransactionID == nil {
			rec.TransactionID = &t.ID
		}
		if rec.Period == nil {
			period := rec.ResolvePeriod(&t.OccurredAt, now)
			rec.Period = &period
		}
		if err := contribs.Update(ctx, rec); err != nil {
			return fmt.Errorf("mark contribution %d paid: %w", rec.ID, err)
		}
	}

	s.logger.Info("transaction settled",
		"transaction_id", t.ID,
		"organisation_id", t.OrganisationID,
		"amount_cents", t.AmountCents,
		"contributions_paid", len(records))

	intent := ""
	if t.PaymentIntentID != nil {
		intent = *t.PaymentIntentID
	}
	s.bus.Publish(ctx, events.NewPaymentSettledEvent(t.ID, t.MemberID, t.AmountCents, intent))
	return nil
}

// SettleFailed mirrors SettleSucceeded for the failed outcome: linked
// contribution records revert to open (never deleted) and the failure reason
// is kept in metadata for audit.
func (s *Service) SettleFailed(ctx context.Context, repo Repository, contribs contribution.Repository, t *transaction.Transaction, intentID, sessionID, reason string) error {
	backfillIdentifiers(t, intentID, sessionID)

	t.Status = transaction.StatusFailed
	t.OccurredAt = time.Now().UTC()
	if reason != "" {
		t.MergeMetadata(map[string]string{"failure_reason": reason})
	}

	if err := repo.Update(ctx, t); err != nil {
		return fmt.Errorf("persist failed transaction %d: %w", t.ID, err)
	}

	records, err := s.linkedRecords(ctx, contribs, t)
	if err != nil {
		return err
	}
	for _, rec := range records {
		rec.Status = contributionmodel.StatusOpen
		if rec.TransactionID == nil {
			rec.TransactionID = &t.ID
		}
		if err := contribs.Update(ctx, rec); err != nil {
			return fmt.Errorf("reopen contribution %d: %w", rec.ID, err)
		}
	}

	s.logger.Warn("transaction failed",
		"transaction_id", t.ID,
		"organisation_id", t.OrganisationID,
		"reason", reason,
		"contributions_reopened", len(records))

	s.bus.Publish(ctx, events.NewPaymentFailedEvent(t.ID, t.MemberID, t.AmountCents, reason))
	return nil
}

// UpsertByIntentParams describes a transaction observed on the processor side
// (typically from an invoice event) that may or may not exist locally yet.
type UpsertByIntentParams struct {
	OrganisationID int64
	MemberID       *int64
	Kind           string
	AmountCents    int64
	Currency       string
	IntentID       string
	SessionID      string
	Metadata       map[string]string
}

// UpsertByIntent finds the transaction for a payment intent or creates it in
// processing state. Re-observation fills only unset fields.
func (s *Service) UpsertByIntent(ctx context.Context, repo Repository, params UpsertByIntentParams) (*transaction.Transaction, bool, error) {
	t, err := repo.GetByIntentIDForUpdate(ctx, params.IntentID)
	if err == nil {
		changed := false
		if t.CheckoutSessionID == nil && params.SessionID != "" {
			t.CheckoutSessionID = &params.SessionID
			changed = true
		}
		if t.MemberID == nil && params.MemberID != nil {
			t.MemberID = params.MemberID
			changed = true
		}
		if len(params.Metadata) > 0 {
			t.MergeMetadata(params.Metadata)
			changed = true
		}
		if changed {
			if err := repo.Update(ctx, t); err != nil {
				return nil, false, fmt.Errorf("backfill transaction %d: %w", t.ID, err)
			}
		}
		return t, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	kind := params.Kind
	if kind == "" {
		kind = transaction.KindContribution
	}
	currency := params.Currency
	if currency == "" {
		currency = "eur"
	}
	t = &transaction.Transaction{
		OrganisationID:  params.OrganisationID,
		MemberID:        params.MemberID,
		Kind:            kind,
		AmountCents:     params.AmountCents,
		Currency:        currency,
		Status:          transaction.StatusProcessing,
		PaymentIntentID: &params.IntentID,
		OccurredAt:      time.Now().UTC(),
	}
	if params.SessionID != "" {
		t.CheckoutSessionID = &params.SessionID
	}
	if len(params.Metadata) > 0 {
		t.MergeMetadata(params.Metadata)
	}
	if err := repo.Create(ctx, t); err != nil {
		return nil, false, fmt.Errorf("create transaction for intent %s: %w", params.IntentID, err)
	}

	s.logger.Info("transaction created from processor observation",
		"transaction_id", t.ID,
		"payment_intent_id", params.IntentID,
		"amount_cents", params.AmountCents)
	return t, true, nil
}

// linkedRecords collects the contribution records this transaction settles:
// anything already pointing at it plus records named in checkout metadata
// that nothing linked yet.
func (s *Service) linkedRecords(ctx context.Context, contribs contribution.Repository, t *transaction.Transaction) ([]*contributionmodel.Record, error) {
	records, err := contribs.ListByTransaction(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("list contributions for transaction %d: %w", t.ID, err)
	}

	seen := make(map[int64]struct{}, len(records))
	for _, rec := range records {
		seen[rec.ID] = struct{}{}
	}

	if raw, ok := t.MetadataMap()[MetaContributionRecords]; ok && raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			rec, err := contribs.GetForUpdate(ctx, id)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					s.logger.Warn("metadata references missing contribution record",
						"transaction_id", t.ID, "contribution_id", id)
					continue
				}
				return nil, err
			}
			// A record already settled by a different transaction is not ours
			// to touch.
			if rec.TransactionID != nil && *rec.TransactionID != t.ID {
				continue
			}
			records = append(records, rec)
			seen[id] = struct{}{}
		}
	}

	return records, nil
}

func backfillIdentifiers(t *transaction.Transaction, intentID, sessionID string) {
	if t.PaymentIntentID == nil && intentID != "" {
		t.PaymentIntentID = &intentID
	}
	if t.CheckoutSessionID == nil && sessionID != "" {
		t.CheckoutSessionID = &sessionID
	}
}
