package member

import "time"

// Member carries only the fields the reconciliation engine touches. Full
// member administration lives outside this service.
type Member struct {
	ID             int64     `gorm:"primaryKey"`
	OrganisationID int64     `gorm:"column:organisation_id;not null;index"`
	Email          string    `gorm:"column:email"`
	AutopayEnabled bool      `gorm:"column:autopay_enabled;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt      time.Time `gorm:"column:updated_at;default:now()"`
}

func (Member) TableName() string {
	return "members"
}

// Organisation is the owner of SaaS subscriptions and of a connected account.
// BillingState and BillingNote are written only when a subscription transition
// actually changes them.
type Organisation struct {
	ID           int64     `gorm:"primaryKey"`
	Name         string    `gorm:"column:name"`
	Email        string    `gorm:"column:email"`
	PlanID       string    `gorm:"column:plan_id"`
	BillingState string    `gorm:"column:billing_state;default:pending_payment"`
	BillingNote  string    `gorm:"column:billing_note"`
	CreatedAt    time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt    time.Time `gorm:"column:updated_at;default:now()"`
}

func (Organisation) TableName() string {
	return "organisations"
}
