package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// DispatchAppHistory is one collector-ownership interval over one case.
// Rows are created on assignment and closed (OutAt set) on reassignment or
// case closure; they are never deleted.
//
// Invariant: at most one row per (application, bomber) with OutAt IS NULL.
type DispatchAppHistory struct {
	ID            int64  `gorm:"primaryKey" json:"id"`
	ApplicationID int64  `gorm:"index:idx_dah_app_out;not null" json:"application_id"`
	BomberID      int64  `gorm:"index;not null" json:"bomber_id"`
	PartnerID     *int64 `gorm:"index" json:"partner_id,omitempty"`

	EntryAt             time.Time       `gorm:"not null" json:"entry_at"`
	EntryOverdueDays    int             `gorm:"not null" json:"entry_overdue_days"`
	EntryPrincipalPending decimal.Decimal `gorm:"type:numeric(16,2);not null" json:"entry_principal_pending"`
	EntryLateFeePending   decimal.Decimal `gorm:"type:numeric(16,2);not null" json:"entry_late_fee_pending"`

	// ExpectedOutTime is the SLA deadline: cycle band upper bound minus
	// overdue days at entry, added to the entry day
	ExpectedOutTime time.Time `gorm:"not null" json:"expected_out_time"`

	OutAt               *time.Time       `gorm:"index:idx_dah_app_out" json:"out_at,omitempty"`
	OutOverdueDays      *int             `json:"out_overdue_days,omitempty"`
	OutPrincipalPending *decimal.Decimal `gorm:"type:numeric(16,2)" json:"out_principal_pending,omitempty"`
	OutLateFeePending   *decimal.Decimal `gorm:"type:numeric(16,2)" json:"out_late_fee_pending,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for DispatchAppHistory
func (DispatchAppHistory) TableName() string {
	return "dispatch_app_histories"
}

// Open reports whether the interval is still current
func (h *DispatchAppHistory) Open() bool {
	return h.OutAt == nil
}

// DispatchAppLog records, per collector per bulk-redistribution run, which
// case ids moved in and out. Write-once per run; kept for reconciliation.
type DispatchAppLog struct {
	ID       int64     `gorm:"primaryKey" json:"id"`
	RunID    uuid.UUID `gorm:"type:uuid;index;not null" json:"run_id"`
	BomberID int64     `gorm:"index;not null" json:"bomber_id"`
	Cycle    Cycle     `gorm:"not null" json:"cycle"`

	// Moved in
	ToIDs   pq.Int64Array `gorm:"type:bigint[]" json:"to_ids"`
	FormIDs pq.Int64Array `gorm:"type:bigint[]" json:"form_ids"` // previous owners of ToIDs

	// Moved out, split by promise-to-pay state
	NpIDs pq.Int64Array `gorm:"type:bigint[]" json:"np_ids"`
	PIDs  pq.Int64Array `gorm:"type:bigint[]" json:"p_ids"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for DispatchAppLog
func (DispatchAppLog) TableName() string {
	return "dispatch_app_logs"
}

// Escalation is the audit row written when a case is promoted between cycles.
type Escalation struct {
	ID            int64  `gorm:"primaryKey" json:"id"`
	ApplicationID int64  `gorm:"index;not null" json:"application_id"`
	CurrentCycle  Cycle  `gorm:"not null" json:"current_cycle"`
	EscalateTo    Cycle  `gorm:"not null" json:"escalate_to"`
	CurrentBomberID *int64 `json:"current_bomber_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for Escalation
func (Escalation) TableName() string {
	return "escalations"
}
