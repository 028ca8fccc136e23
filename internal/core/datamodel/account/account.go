package account

import "time"

const (
	StatusActive  = "active"
	StatusPending = "pending"
	StatusBlocked = "blocked"
)

// ConnectedAccount is the local projection of one organisation's processor
// sub-account. Status is derived from the processor's capability flags, never
// set directly by operators.
type ConnectedAccount struct {
	ID                 int64     `gorm:"primaryKey"`
	OrganisationID     int64     `gorm:"column:organisation_id;not null;uniqueIndex"`
	ProcessorAccountID string    `gorm:"column:processor_account_id;not null;uniqueIndex"`
	Status             string    `gorm:"column:status;not null;default:pending;index"`
	ChargesEnabled     bool      `gorm:"column:charges_enabled;default:false"`
	PayoutsEnabled     bool      `gorm:"column:payouts_enabled;default:false"`
	DisabledReason     *string   `gorm:"column:disabled_reason"`
	CreatedAt          time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt          time.Time `gorm:"column:updated_at;default:now()"`
}

func (ConnectedAccount) TableName() string {
	return "connected_accounts"
}

// DeriveStatus maps processor capability flags onto the projection status:
// both capabilities on means active, an explicit disabled reason means
// blocked, anything else is still onboarding.
func DeriveStatus(chargesEnabled, payoutsEnabled bool, disabledReason *string) string {
	if disabledReason != nil && *disabledReason != "" {
		return StatusBlocked
	}
	if chargesEnabled && payoutsEnabled {
		return StatusActive
	}
	return StatusPending
}
