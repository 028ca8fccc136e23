package postgres

import (
	"context"
	"time"

	contributionpkg "github.com/dkruthoff/membership-billing/internal/contribution"
	"github.com/dkruthoff/membership-billing/internal/core/datamodel/contribution"
	"github.com/dkruthoff/membership-billing/internal/storage"
	"gorm.io/gorm"
)

type ContributionRepository struct {
	db *gorm.DB
}

func NewContributionRepository(db *gorm.DB) contributionpkg.Repository {
	return &ContributionRepository{db: db}
}

func (r *ContributionRepository) Create(ctx context.Context, rec *contribution.Record) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *ContributionRepository) Update(ctx context.Context, rec *contribution.Record) error {
	return r.db.WithContext(ctx).Save(rec).Error
}

func (r *ContributionRepository) GetForUpdate(ctx context.Context, id int64) (*contribution.Record, error) {
	var rec contribution.Record
	err := storage.ForUpdate(r.db.WithContext(ctx)).First(&rec, id).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *ContributionRepository) ListByTransaction(ctx context.Context, transactionID int64) ([]*contribution.Record, error) {
	var recs []*contribution.Record
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&recs).Error
	return recs, err
}

func (r *ContributionRepository) FindByMemberAndPeriod(ctx context.Context, memberID int64, period time.Time) (*contribution.Record, error) {
	var rec contribution.Record
	err := r.db.WithContext(ctx).
		Where("member_id = ? AND period = ?", memberID, period).
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *ContributionRepository) ListOpenByMember(ctx context.Context, memberID int64) ([]*contribution.Record, error) {
	var recs []*contribution.Record
	err := r.db.WithContext(ctx).
		Where("member_id = ? AND status = ?", memberID, contribution.StatusOpen).
		Order("period ASC").
		Find(&recs).Error
	return recs, err
}
