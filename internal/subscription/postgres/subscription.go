package postgres

import (
	"context"
	"time"

	"github.com/dkruthoff/membership-billing/internal/core/datamodel/member"
	"github.com/dkruthoff/membership-billing/internal/core/datamodel/subscription"
	"github.com/dkruthoff/membership-billing/internal/storage"
	subscriptionpkg "github.com/dkruthoff/membership-billing/internal/subscription"
	"gorm.io/gorm"
)

type OrganisationSubscriptionRepository struct {
	db *gorm.DB
}

func NewOrganisationSubscriptionRepository(db *gorm.DB) subscriptionpkg.OrganisationRepository {
	return &OrganisationSubscriptionRepository{db: db}
}

func (r *OrganisationSubscriptionRepository) Create(ctx context.Context, sub *subscription.OrganisationSubscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *OrganisationSubscriptionRepository) Update(ctx context.Context, sub *subscription.OrganisationSubscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *OrganisationSubscriptionRepository) CurrentForUpdate(ctx context.Context, organisationID int64) (*subscription.OrganisationSubscription, error) {
	var sub subscription.OrganisationSubscription
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("organisation_id = ?", organisationID).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *OrganisationSubscriptionRepository) ByProcessorSubscriptionIDForUpdate(ctx context.Context, processorSubscriptionID string) (*subscription.OrganisationSubscription, error) {
	var sub subscription.OrganisationSubscription
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("processor_subscription_id = ?", processorSubscriptionID).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *OrganisationSubscriptionRepository) ByProcessorCustomerIDForUpdate(ctx context.Context, processorCustomerID string) (*subscription.OrganisationSubscription, error) {
	var sub subscription.OrganisationSubscription
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("processor_customer_id = ?", processorCustomerID).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *OrganisationSubscriptionRepository) BySessionIDForUpdate(ctx context.Context, sessionID string) (*subscription.OrganisationSubscription, error) {
	var sub subscription.OrganisationSubscription
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("latest_checkout_session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *OrganisationSubscriptionRepository) ListIncompleteOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.OrganisationSubscription, error) {
	var subs []*subscription.OrganisationSubscription
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", subscription.StatusIncomplete, cutoff).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&subs).Error
	return subs, err
}

type MemberSubscriptionRepository struct {
	db *gorm.DB
}

func NewMemberSubscriptionRepository(db *gorm.DB) subscriptionpkg.MemberRepository {
	return &MemberSubscriptionRepository{db: db}
}

func (r *MemberSubscriptionRepository) Create(ctx context.Context, sub *subscription.MemberSubscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *MemberSubscriptionRepository) Update(ctx context.Context, sub *subscription.MemberSubscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *MemberSubscriptionRepository) CurrentForUpdate(ctx context.Context, memberID int64) (*subscription.MemberSubscription, error) {
	var sub subscription.MemberSubscription
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("member_id = ?", memberID).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *MemberSubscriptionRepository) ByProcessorSubscriptionIDForUpdate(ctx context.Context, processorSubscriptionID string) (*subscription.MemberSubscription, error) {
	var sub subscription.MemberSubscription
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("processor_subscription_id = ?", processorSubscriptionID).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *MemberSubscriptionRepository) ByProcessorCustomerIDForUpdate(ctx context.Context, processorCustomerID string) (*subscription.MemberSubscription, error) {
	var sub subscription.MemberSubscription
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("processor_customer_id = ?", processorCustomerID).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *MemberSubscriptionRepository) BySessionIDForUpdate(ctx context.Context, sessionID string) (*subscription.MemberSubscription, error) {
	var sub subscription.MemberSubscription
	err := storage.ForUpdate(r.db.WithContext(ctx)).
		Where("latest_checkout_session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *MemberSubscriptionRepository) ListIncompleteOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*subscription.MemberSubscription, error) {
	var subs []*subscription.MemberSubscription
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", subscription.StatusIncomplete, cutoff).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&subs).Error
	return subs, err
}

func (r *MemberSubscriptionRepository) ListAll(ctx context.Context, limit int) ([]*subscription.MemberSubscription, error) {
	var subs []*subscription.MemberSubscription
	q := r.db.WithContext(ctx).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&subs).Error
	return subs, err
}

type OwnerRepository struct {
	db *gorm.DB
}

func NewOwnerRepository(db *gorm.DB) subscriptionpkg.OwnerRepository {
	return &OwnerRepository{db: db}
}

func (r *OwnerRepository) GetMember(ctx context.Context, memberID int64) (*member.Member, error) {
	var m member.Member
	err := r.db.WithContext(ctx).First(&m, memberID).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *OwnerRepository) SetMemberAutopay(ctx context.Context, memberID int64, enabled bool) error {
	return r.db.WithContext(ctx).
		Model(&member.Member{}).
		Where("id = ?", memberID).
		UpdateColumn("autopay_enabled", enabled).Error
}

func (r *OwnerRepository) GetOrganisation(ctx context.Context, organisationID int64) (*member.Organisation, error) {
	var org member.Organisation
	err := r.db.WithContext(ctx).First(&org, organisationID).Error
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *OwnerRepository) UpdateOrganisationBilling(ctx context.Context, organisationID int64, state subscription.BillingState, note string) error {
	return r.db.WithContext(ctx).
		Model(&member.Organisation{}).
		Where("id = ?", organisationID).
		Updates(map[string]interface{}{
			"billing_state": string(state),
			"billing_note":  note,
		}).Error
}
