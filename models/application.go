package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApplicationStatus is the collection status of a case
type ApplicationStatus int16

const (
	StatusUnclaimed     ApplicationStatus = 0 // waiting for dispatch
	StatusProcessing    ApplicationStatus = 1 // owned, automated-contact pool
	StatusRepaid        ApplicationStatus = 2 // terminal
	StatusBadDebt       ApplicationStatus = 3
	StatusManualManaged ApplicationStatus = 4 // owned, human/partner directed
)

// ApplicationType distinguishes single-installment loans from multi-installment umbrellas
type ApplicationType int16

const (
	TypeSingleInstallment ApplicationType = 0
	TypeMultiInstallment  ApplicationType = 1
)

// Application represents one collectible debt under active or potential collection.
//
// Ownership invariant: LatestBomberID is set if and only if Status is
// Processing or ManualManaged. PtpBomberID, when set, equals LatestBomberID
// or is cleared on reassignment.
type Application struct {
	ID         int64 `gorm:"primaryKey" json:"id"`
	ExternalID int64 `gorm:"uniqueIndex;not null" json:"external_id"` // origin-system id

	UserID       int64  `gorm:"index;not null" json:"user_id"`
	UserName     string `gorm:"size:100" json:"user_name"`
	UserMobileNo string `gorm:"size:30" json:"user_mobile_no"`

	Principal decimal.Decimal `gorm:"type:numeric(16,2);not null" json:"principal"`
	LateFee   decimal.Decimal `gorm:"type:numeric(16,2);not null" json:"late_fee"`

	Status      ApplicationStatus `gorm:"index;not null;default:0" json:"status"`
	Cycle       Cycle             `gorm:"index;not null;default:1" json:"cycle"`
	Type        ApplicationType   `gorm:"not null;default:0" json:"type"`
	OverdueDays int               `gorm:"index;not null;default:0" json:"overdue_days"`
	OriginDueAt time.Time         `gorm:"not null" json:"origin_due_at"`

	LatestBomberID *int64 `gorm:"index" json:"latest_bomber_id,omitempty"`
	LastBomberID   *int64 `json:"last_bomber_id,omitempty"`
	PtpBomberID    *int64 `json:"ptp_bomber_id,omitempty"`

	PromisedDate   *time.Time       `json:"promised_date,omitempty"`
	PromisedAmount *decimal.Decimal `gorm:"type:numeric(16,2)" json:"promised_amount,omitempty"`

	LatestCallAt *time.Time `json:"latest_call_at,omitempty"`
	CalledTimes  int        `gorm:"not null;default:0" json:"called_times"`

	// Per-cycle entry timestamps, set the first time the case reaches the band
	Dpd1EntryAt *time.Time `json:"dpd1_entry_at,omitempty"`
	C1AEntryAt  *time.Time `json:"c1a_entry_at,omitempty"`
	C1BEntryAt  *time.Time `json:"c1b_entry_at,omitempty"`
	C2EntryAt   *time.Time `json:"c2_entry_at,omitempty"`
	C3EntryAt   *time.Time `json:"c3_entry_at,omitempty"`

	RepaidAt *time.Time `json:"repaid_at,omitempty"`

	// Optimistic lock counter: every mutating path compares and bumps it
	Version int64 `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Application
func (Application) TableName() string {
	return "applications"
}

// Owned reports whether the case currently has a collector
func (a *Application) Owned() bool {
	return a.Status == StatusProcessing || a.Status == StatusManualManaged
}

// HasActivePromise reports whether a promise-to-pay is still live at the given day
func (a *Application) HasActivePromise(today time.Time) bool {
	return a.PromisedDate != nil && !a.PromisedDate.Before(today)
}

// EntryFieldForCycle returns the column name of the entry timestamp for a cycle
func EntryFieldForCycle(c Cycle) string {
	switch c {
	case CycleC1A:
		return "c1a_entry_at"
	case CycleC1B:
		return "c1b_entry_at"
	case CycleC2:
		return "c2_entry_at"
	case CycleC3:
		return "c3_entry_at"
	default:
		return ""
	}
}
