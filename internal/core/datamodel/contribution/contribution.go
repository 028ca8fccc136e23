package contribution

import (
	"time"
)

const (
	StatusOpen = "open"
	StatusPaid = "paid"
)

// Record is a per-member, per-period payment obligation. Period is
// month-granular (always the first of the month, UTC); a nil period means the
// month has not been determined yet and is resolved when the record is linked
// to a settled transaction.
type Record struct {
	ID            int64      `gorm:"primaryKey"`
	MemberID      int64      `gorm:"column:member_id;not null;index"`
	Period        *time.Time `gorm:"column:period;index"`
	AmountCents   int64      `gorm:"column:amount_cents;not null"`
	Status        string     `gorm:"column:status;not null;default:open;index"`
	TransactionID *int64     `gorm:"column:transaction_id;index"`
	CreatedAt     time.Time  `gorm:"column:created_at;default:now()"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;default:now()"`
}

func (Record) TableName() string {
	return "contribution_records"
}

// MonthOf truncates t to the first day of its calendar month in UTC.
func MonthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ResolvePeriod applies the period priority rule: the linked transaction's
// occurred_at wins, then the record's own creation time, then now.
func (r *Record) ResolvePeriod(occurredAt *time.Time, now time.Time) time.Time {
	if r.Period != nil {
		return *r.Period
	}
	if occurredAt != nil && !occurredAt.IsZero() {
		return MonthOf(*occurredAt)
	}
	if !r.CreatedAt.IsZero() {
		return MonthOf(r.CreatedAt)
	}
	return MonthOf(now)
}
