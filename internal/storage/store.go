package storage

import (
	"context"

	"github.com/dkruthoff/membership-billing/internal/account"
	"github.com/dkruthoff/membership-billing/internal/contribution"
	"github.com/dkruthoff/membership-billing/internal/ledger"
	"github.com/dkruthoff/membership-billing/internal/subscription"
	"github.com/dkruthoff/membership-billing/internal/transaction"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repos bundles transaction-scoped repositories. Every repository in one
// bundle shares a single database transaction, so row locks taken through one
// of them are held until the whole unit of work commits or rolls back.
type Repos struct {
	Events        ledger.Repository
	Transactions  transaction.Repository
	Contributions contribution.Repository
	OrgSubs       subscription.OrganisationRepository
	MemberSubs    subscription.MemberRepository
	Owners        subscription.OwnerRepository
	Accounts      account.Repository
}

// Store opens atomic units of work. fn runs inside one database transaction;
// any returned error rolls everything back, including ledger stamps.
type Store interface {
	Transaction(ctx context.Context, fn func(r Repos) error) error
	// View runs fn without mutation intent; implementations may still use a
	// transaction to get a consistent snapshot.
	View(ctx context.Context, fn func(r Repos) error) error
}

// ForUpdate adds a row-level lock to the query. SQLite, used by in-memory
// repository tests, has no FOR UPDATE and serializes writers anyway.
func ForUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
