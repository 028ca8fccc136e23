package contribution

import (
	"context"
	"time"

	"github.com/dkruthoff/membership-billing/internal/core/datamodel/contribution"
)

// Repository is the contribution ledger. Lookups feeding a settlement must be
// transaction-scoped so the cascade in the transaction service stays atomic.
type Repository interface {
	Create(ctx context.Context, rec *contribution.Record) error
	Update(ctx context.Context, rec *contribution.Record) error
	GetForUpdate(ctx context.Context, id int64) (*contribution.Record, error)
	ListByTransaction(ctx context.Context, transactionID int64) ([]*contribution.Record, error)
	FindByMemberAndPeriod(ctx context.Context, memberID int64, period time.Time) (*contribution.Record, error)
	ListOpenByMember(ctx context.Context, memberID int64) ([]*contribution.Record, error)
}
