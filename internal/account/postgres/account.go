package postgres

import (
	"context"

	accountpkg "github.com/dkruthoff/membership-billing/internal/account"
	"github.com/dkruthoff/membership-billing/internal/core/datamodel/account"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"gorm.io/gorm"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) accountpkg.Repository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, acct *account.ConnectedAccount) error {
	return r.db.WithContext(ctx).Create(acct).Error
}

func (r *AccountRepository) Update(ctx context.Context, acct *account.ConnectedAccount) error {
	return r.db.WithContext(ctx).Save(acct).Error
}

func (r *AccountRepository) GetByProcessorAccountIDForUpdate(ctx context.Context, processorAccountID string) (*account.ConnectedAccount, error) {
	var acct account.ConnectedAccount
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("processor_account_id = ?", processorAccountID).
		First(&acct).Error
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *AccountRepository) GetByOrganisationID(ctx context.Context, organisationID int64) (*account.ConnectedAccount, error) {
	var acct account.ConnectedAccount
	err := r.db.WithContext(ctx).
		Where("organisation_id = ?", organisationID).
		First(&acct).Error
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *AccountRepository) ListActive(ctx context.Context) ([]*account.ConnectedAccount, error) {
	var accts []*account.ConnectedAccount
	err := r.db.WithContext(ctx).
		Where("status = ?", account.StatusActive).
		Order("id ASC").
		Find(&accts).Error
	return accts, err
}
