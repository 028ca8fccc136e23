package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dkruthoff/membership-billing/internal/core/datamodel/account"
	"github.com/dkruthoff/membership-billing/internal/processor"
)

type Repository interface {
	Create(ctx context.Context, acct *account.ConnectedAccount) error
	Update(ctx context.Context, acct *account.ConnectedAccount) error
	GetByProcessorAccountIDForUpdate(ctx context.Context, processorAccountID string) (*account.ConnectedAccount, error)
	GetByOrganisationID(ctx context.Context, organisationID int64) (*account.ConnectedAccount, error)
	ListActive(ctx context.Context) ([]*account.ConnectedAccount, error)
}

// Service keeps the local Connect-account projection in step with the
// processor's capability flags. It is independent of the subscription state
// machines.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	return &Service{logger: logger}
}

// Apply updates the projection from a processor account object. Writes only
// when something actually changed.
func (s *Service) Apply(ctx context.Context, repo Repository, pa *processor.Account) error {
	acct, err := repo.GetByProcessorAccountIDForUpdate(ctx, pa.ID)
	if err != nil {
		// Accounts are provisioned by the onboarding flow; an unknown account
		// id is not ours to create here.
		s.logger.Warn("account event for unknown connected account", "processor_account_id", pa.ID)
		return nil
	}

	var disabledReason *string
	if pa.DisabledReason != "" {
		disabledReason = &pa.DisabledReason
	}
	newStatus := account.DeriveStatus(pa.ChargesEnabled, pa.PayoutsEnabled, disabledReason)

	changed := acct.Status != newStatus ||
		acct.ChargesEnabled != pa.ChargesEnabled ||
		acct.PayoutsEnabled != pa.PayoutsEnabled ||
		derefOr(acct.DisabledReason) != pa.DisabledReason
	if !changed {
		return nil
	}

	acct.Status = newStatus
	acct.ChargesEnabled = pa.ChargesEnabled
	acct.PayoutsEnabled = pa.PayoutsEnabled
	acct.DisabledReason = disabledReason

	if err := repo.Update(ctx, acct); err != nil {
		return fmt.Errorf("update connected account %s: %w", pa.ID, err)
	}

	s.logger.Info("connected account status updated",
		"processor_account_id", pa.ID,
		"organisation_id", acct.OrganisationID,
		"status", newStatus,
		"charges_enabled", pa.ChargesEnabled,
		"payouts_enabled", pa.PayoutsEnabled)
	return nil
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
