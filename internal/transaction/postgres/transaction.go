package postgres

import (
	"context"
	"time"

	"github.com/dkruthoff/membership-billing/internal/core/datamodel/transaction"
	"github.com/dkruthoff/membership-billing/internal/storage"
	transactionpkg "github.com/dkruthoff/membership-billing/internal/transaction"
	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) transactionpkg.Repository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *TransactionRepository) Update(ctx context.Context, t *transaction.Transaction) error {
	return r.db.WithContext(ctx).Save(t).Error
}

func (r *TransactionRepository) GetForUpdate(ctx context.Context, id int64) (*transaction.Transaction, error) {
	var t transaction.Transaction
	err := storage.ForUpdate(r.db.WithContext(ctx)).First(&t, id).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) GetBySessionIDForUpdate(ctx context.Context, sessionID string) (*transaction.Transaction, error) {
	var t transaction.Transaction
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("checkout_session_id = ?", sessionID).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) GetByIntentIDForUpdate(ctx context.Context, intentID string) (*transaction.Transaction, error) {
	var t transaction.Transaction
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("payment_intent_id = ?", intentID).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) ListProcessing(ctx context.Context, limit int) ([]*transaction.Transaction, error) {
	var ts []*transaction.Transaction
	q := r.db.WithContext(ctx).
		Where("status = ?", transaction.StatusProcessing).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&ts).Error
	return ts, err
}

func (r *TransactionRepository) ListUnsettledSince(ctx context.Context, since time.Time, limit int) ([]*transaction.Transaction, error) {
	var ts []*transaction.Transaction
	q := r.db.WithContext(ctx).
		Where("status <> ? AND created_at >= ?", transaction.StatusSucceeded, since).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&ts).Error
	return ts, err
}
