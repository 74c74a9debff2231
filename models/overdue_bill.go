package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OverdueBill is one installment period under a multi-installment case.
// The parent case's effective overdue_days and cycle are the maximum over
// its non-repaid sub-bills.
type OverdueBill struct {
	ID            int64 `gorm:"primaryKey" json:"id"`
	ApplicationID int64 `gorm:"index;not null" json:"application_id"`
	SubBillID     int64 `gorm:"uniqueIndex;not null" json:"sub_bill_id"` // origin-system sub-bill id
	PeriodNo      int   `gorm:"not null" json:"period_no"`

	Status      ApplicationStatus `gorm:"index;not null;default:0" json:"status"`
	OverdueDays int               `gorm:"index;not null;default:0" json:"overdue_days"`
	OriginDueAt time.Time         `gorm:"not null" json:"origin_due_at"`

	PrincipalPending decimal.Decimal `gorm:"type:numeric(16,2);not null" json:"principal_pending"`
	LateFeePending   decimal.Decimal `gorm:"type:numeric(16,2);not null" json:"late_fee_pending"`

	FinishedAt *time.Time `json:"finished_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for OverdueBill
func (OverdueBill) TableName() string {
	return "overdue_bills"
}
