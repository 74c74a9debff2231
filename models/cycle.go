package models

// Cycle identifies a days-past-due band. Later-stage cycles carry larger values,
// so escalation comparisons are plain integer comparisons.
type Cycle int16

const (
	CycleC1A Cycle = 1
	CycleC1B Cycle = 2
	CycleC2  Cycle = 3
	CycleC3  Cycle = 4
	CycleM3  Cycle = 5
)

// String returns the operational name of the cycle
func (c Cycle) String() string {
	switch c {
	case CycleC1A:
		return "C1A"
	case CycleC1B:
		return "C1B"
	case CycleC2:
		return "C2"
	case CycleC3:
		return "C3"
	case CycleM3:
		return "M3"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the value names a known cycle
func (c Cycle) Valid() bool {
	return c >= CycleC1A && c <= CycleM3
}

// CycleConfig is the per-cycle strategy table. One row per cycle replaces the
// per-cycle copies of dispatch logic: day band limits, how long a collector is
// expected to hold a case, and whether the cycle routes through outsourcing
// partners at all.
type CycleConfig struct {
	Cycle            Cycle `gorm:"primaryKey" json:"cycle"`
	MinOverdueDays   int   `gorm:"not null" json:"min_overdue_days"`
	MaxOverdueDays   int   `gorm:"not null" json:"max_overdue_days"` // 0 = unbounded
	LedgerPeriodDays int   `gorm:"not null" json:"ledger_period_days"`
	UsesPartners     bool  `gorm:"default:true" json:"uses_partners"`
}

// TableName specifies the table name for CycleConfig
func (CycleConfig) TableName() string {
	return "cycle_configs"
}

// DefaultCycleConfigs returns the fixed day-band table seeded at migration time.
func DefaultCycleConfigs() []CycleConfig {
	return []CycleConfig{
		{Cycle: CycleC1A, MinOverdueDays: 1, MaxOverdueDays: 10, LedgerPeriodDays: 10, UsesPartners: false},
		{Cycle: CycleC1B, MinOverdueDays: 11, MaxOverdueDays: 30, LedgerPeriodDays: 20, UsesPartners: true},
		{Cycle: CycleC2, MinOverdueDays: 31, MaxOverdueDays: 60, LedgerPeriodDays: 30, UsesPartners: true},
		{Cycle: CycleC3, MinOverdueDays: 61, MaxOverdueDays: 90, LedgerPeriodDays: 30, UsesPartners: true},
		{Cycle: CycleM3, MinOverdueDays: 91, MaxOverdueDays: 0, LedgerPeriodDays: 90, UsesPartners: false},
	}
}

// CycleForOverdueDays maps a days-past-due figure onto the band table.
// Days below the first band (not yet overdue) map to C1A.
func CycleForOverdueDays(days int) Cycle {
	switch {
	case days <= 10:
		return CycleC1A
	case days <= 30:
		return CycleC1B
	case days <= 60:
		return CycleC2
	case days <= 90:
		return CycleC3
	default:
		return CycleM3
	}
}

// UpperBound returns the last overdue day covered by the cycle's band.
// M3 has no upper bound; its ledger period stands in for one.
func (cfg CycleConfig) UpperBound() int {
	if cfg.MaxOverdueDays > 0 {
		return cfg.MaxOverdueDays
	}
	return cfg.MinOverdueDays + cfg.LedgerPeriodDays - 1
}
