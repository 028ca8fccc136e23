package transaction

import (
	"context"
	"time"

	"github.com/dkruthoff/membership-billing/internal/core/datamodel/transaction"
)

// Repository is the transaction store. Every lookup that precedes a
// settlement decision takes a row lock, so concurrent settlement attempts for
// the same transaction serialize on the database.
type Repository interface {
	Create(ctx context.Context, t *transaction.Transaction) error
	Update(ctx context.Context, t *transaction.Transaction) error
	GetForUpdate(ctx context.Context, id int64) (*transaction.Transaction, error)
	GetBySessionIDForUpdate(ctx context.Context, sessionID string) (*transaction.Transaction, error)
	GetByIntentIDForUpdate(ctx context.Context, intentID string) (*transaction.Transaction, error)
	ListProcessing(ctx context.Context, limit int) ([]*transaction.Transaction, error)
	ListUnsettledSince(ctx context.Context, since time.Time, limit int) ([]*transaction.Transaction, error)
}
