package postgres

import (
	"context"

	accountpg "github.com/dkruthoff/membership-billing/internal/account/postgres"
	contributionpg "github.com/dkruthoff/membership-billing/internal/contribution/postgres"
	ledgerpg "github.com/dkruthoff/membership-billing/internal/ledger/postgres"
	"github.com/dkruthoff/membership-billing/internal/storage"
	subscriptionpg "github.com/dkruthoff/membership-billing/internal/subscription/postgres"
	transactionpg "github.com/dkruthoff/membership-billing/internal/transaction/postgres"
	"gorm.io/gorm"
)

// Store opens gorm transactions and hands out repositories bound to them.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func reposFor(tx *gorm.DB) storage.Repos {
	return storage.Repos{
		Events:        ledgerpg.NewLedgerRepository(tx),
		Transactions:  transactionpg.NewTransactionRepository(tx),
		Contributions: contributionpg.NewContributionRepository(tx),
		OrgSubs:       subscriptionpg.NewOrganisationSubscriptionRepository(tx),
		MemberSubs:    subscriptionpg.NewMemberSubscriptionRepository(tx),
		Owners:        subscriptionpg.NewOwnerRepository(tx),
		Accounts:      accountpg.NewAccountRepository(tx),
	}
}

func (s *Store) Transaction(ctx context.Context, fn func(r storage.Repos) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(reposFor(tx))
	})
}

func (s *Store) View(ctx context.Context, fn func(r storage.Repos) error) error {
	return fn(reposFor(s.db.WithContext(ctx)))
}
