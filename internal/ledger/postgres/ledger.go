package postgres

import (
	"context"

	"github.com/dkruthoff/membership-billing/internal/core/datamodel/event"
	"github.com/dkruthoff/membership-billing/internal/ledger"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"gorm.io/gorm"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) ledger.Repository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) GetForUpdate(ctx context.Context, externalEventID string) (*event.LedgerEntry, error) {
	var entry event.LedgerEntry
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("external_event_id = ?", externalEventID).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *LedgerRepository) Create(ctx context.Context, entry *event.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *LedgerRepository) Update(ctx context.Context, entry *event.LedgerEntry) error {
	return r.db.WithContext(ctx).Save(entry).Error
}
