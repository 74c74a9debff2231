package models

import (
	"time"
)

// Bomber is a collection agent: a human operator, an outsourcing-partner seat,
// or the automated-contact pseudo collector for a cycle.
type Bomber struct {
	ID           int64   `gorm:"primaryKey" json:"id"`
	Name         string  `gorm:"size:100;not null" json:"name"`
	Username     string  `gorm:"size:100;uniqueIndex;not null" json:"username"`
	PasswordHash string  `gorm:"size:255;not null" json:"-"`
	Phone        string  `gorm:"size:30" json:"phone"`
	Email        *string `gorm:"size:100" json:"email,omitempty"`

	RoleID  int64 `gorm:"index;not null" json:"role_id"`
	GroupID *int64 `gorm:"index" json:"group_id,omitempty"`

	// PartnerID is set when the seat belongs to an outsourcing organization
	PartnerID *int64 `gorm:"index" json:"partner_id,omitempty"`

	// Instalment, when nonzero, restricts the bomber to multi-installment
	// cases of that cycle
	Instalment Cycle `gorm:"not null;default:0" json:"instalment"`

	IsDel int16 `gorm:"not null;default:0" json:"is_del"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Bomber
func (Bomber) TableName() string {
	return "bombers"
}

// Active reports whether the bomber may receive new cases
func (b *Bomber) Active() bool {
	return b.IsDel == 0
}

// BomberRole defines default cycle responsibility and permission weight
type BomberRole struct {
	ID     int64  `gorm:"primaryKey" json:"id"`
	Name   string `gorm:"size:50;uniqueIndex;not null" json:"name"`
	Cycle  Cycle  `gorm:"not null;default:0" json:"cycle"` // 0 = not cycle-bound
	Weight int    `gorm:"not null;default:0" json:"weight"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for BomberRole
func (BomberRole) TableName() string {
	return "bomber_roles"
}

// Partner is an external outsourcing organization serving one cycle.
type Partner struct {
	ID    int64  `gorm:"primaryKey" json:"id"`
	Name  string `gorm:"size:100;not null" json:"name"`
	Cycle Cycle  `gorm:"index;not null" json:"cycle"`

	// AppPercentage is the fraction of the cycle's new case volume the
	// partner must receive, in [0,1]
	AppPercentage float64 `gorm:"not null" json:"app_percentage"`

	Status int16 `gorm:"not null;default:1" json:"status"` // 1 active, 0 offline

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Partner
func (Partner) TableName() string {
	return "partners"
}

// BomberLog operation kinds
const (
	BomberOpCreate int16 = 0
	BomberOpDelete int16 = 1
)

// BomberLog is the roster audit row. The staffing-change sweep derives
// "who joined or left today" from these rows.
type BomberLog struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	BomberID  int64     `gorm:"index;not null" json:"bomber_id"`
	Operation int16     `gorm:"not null" json:"operation"`
	OperatorID *int64   `json:"operator_id,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for BomberLog
func (BomberLog) TableName() string {
	return "bomber_logs"
}
