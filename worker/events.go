package worker

import (
	"github.com/shopspring/decimal"
)

// Topics consumed from the upstream billing system
const (
	TopicApplicationOverdue = "application_overdue"
	TopicBillPaid           = "bill_paid"
	TopicBillCleared        = "bill_cleared"
	TopicBillRevoke         = "bill_revoke"
)

// ApplicationOverdueEvent announces that a bill crossed its due date. The
// first event for an application creates the case; repeats update it.
type ApplicationOverdueEvent struct {
	ApplicationID int64  `json:"id"` // origin-system application id
	SubBillID     int64  `json:"bill_sub_id,omitempty"`
	PeriodNo      int    `json:"period_no,omitempty"`
	Multi         bool   `json:"multi_installment"`
	UserID        int64  `json:"user_id"`
	UserName      string `json:"user_name"`
	UserMobileNo  string `json:"user_mobile_no"`

	Principal decimal.Decimal `json:"principal"`
	LateFee   decimal.Decimal `json:"late_fee"`

	OriginDueAt EventTime `json:"origin_due_at"`

	Contacts []EventContact `json:"contacts,omitempty"`
}

// EventContact is a phone-book entry shipped with the overdue event
type EventContact struct {
	Name     string `json:"name"`
	MobileNo string `json:"mobile_no"`
	Relation string `json:"relation"`
}

// BillPaidEvent reports a repayment against one sub-bill. Partial: the case
// stays open until a BillClearedEvent arrives.
type BillPaidEvent struct {
	ApplicationID int64           `json:"id"`
	SubBillID     int64           `json:"bill_sub_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        EventTime `json:"paid_at"`
}

// BillClearedEvent reports full settlement of an application
type BillClearedEvent struct {
	ApplicationID int64           `json:"id"`
	ClearedAt     EventTime `json:"cleared_at"`
}

// BillRevokeEvent reverses a previously reported settlement
type BillRevokeEvent struct {
	ApplicationID int64  `json:"id"`
	Reason        string `json:"reason,omitempty"`
}
