package dispatch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// StaleOverdueDays splits the daily refresh into a routine pass and a
// higher-volume stale pass. The computation is identical; the split keeps
// the hot index selective.
const StaleOverdueDays = 95

// SnapshotBatchSize bounds the billing-service payload per snapshot call.
const SnapshotBatchSize = 1000

// CaseUpdate carries an optimistic-lock write for one application row.
// Fields maps column names to new values; Version is the value read before
// deciding on the write.
type CaseUpdate struct {
	ID      int64
	Version int64
	Fields  map[string]interface{}
}

// Exit closes one open ledger interval with the out-side snapshot.
type Exit struct {
	ApplicationID    int64
	BomberID         int64
	OutAt            time.Time
	OutOverdueDays   int
	PrincipalPending decimal.Decimal
	LateFeePending   decimal.Decimal
}

// CaseRepo is the sanctioned access path to application rows. Only the
// orchestrator and the payment handler mutate ownership fields.
type CaseRepo interface {
	Get(ctx context.Context, id int64) (*models.Application, error)
	GetByExternalID(ctx context.Context, externalID int64) (*models.Application, error)
	Create(ctx context.Context, app *models.Application) error

	// Update applies a compare-and-swap write: it succeeds only if the row
	// still carries upd.Version, and bumps the version. ErrStaleVersion
	// otherwise.
	Update(ctx context.Context, upd CaseUpdate) error

	// ListNonRepaid returns open cases; fresh selects overdue_days <=
	// StaleOverdueDays, the complement otherwise.
	ListNonRepaid(ctx context.Context, fresh bool) ([]models.Application, error)
	ListUnclaimedByCycle(ctx context.Context, cycle models.Cycle, appType models.ApplicationType) ([]models.Application, error)
	ListOwnedByCycle(ctx context.Context, cycle models.Cycle) ([]models.Application, error)
	ListOwnedByBomber(ctx context.Context, bomberID int64) ([]models.Application, error)
	ListPromiseExpired(ctx context.Context, before time.Time) ([]models.Application, error)
}

// BillRepo accesses per-installment sub-bill rows.
type BillRepo interface {
	ListByApplication(ctx context.Context, applicationID int64) ([]models.OverdueBill, error)
	ListNonRepaid(ctx context.Context, fresh bool) ([]models.OverdueBill, error)
	Upsert(ctx context.Context, bill *models.OverdueBill) error
	UpdateOverdueDays(ctx context.Context, id int64, days int) error
	MarkRepaid(ctx context.Context, subBillID int64, at time.Time) error
}

// BomberRepo reads the collector and partner rosters.
type BomberRepo interface {
	Get(ctx context.Context, id int64) (*models.Bomber, error)

	// ListActiveByCycle returns the internal pool for a cycle: not deleted,
	// not partner-bound, instalment responsibility matching the requested one.
	ListActiveByCycle(ctx context.Context, cycle models.Cycle, instalment models.Cycle) ([]models.Bomber, error)
	ListActiveByPartner(ctx context.Context, partnerID int64) ([]models.Bomber, error)
	ListPartners(ctx context.Context, cycle models.Cycle) ([]models.Partner, error)
	ListChangedOn(ctx context.Context, day time.Time) ([]models.BomberLog, error)
}

// LedgerRepo maintains the dispatch audit trail. Rows are opened and closed,
// never deleted.
type LedgerRepo interface {
	Open(ctx context.Context, rows []models.DispatchAppHistory) error

	// Close sets the out-side snapshot on the currently open row for each
	// (application, bomber) pair. Pairs without an open row are skipped and
	// reported via the returned count.
	Close(ctx context.Context, exits []Exit) (int, error)

	OpenByApplication(ctx context.Context, applicationID int64) ([]models.DispatchAppHistory, error)
	HasOpen(ctx context.Context, applicationID, bomberID int64) (bool, error)
}

// LogRepo writes bulk-redistribution operation logs.
type LogRepo interface {
	Create(ctx context.Context, logRow *models.DispatchAppLog) error
}

// EscalationRepo writes escalation audit rows.
type EscalationRepo interface {
	Create(ctx context.Context, row *models.Escalation) error
}

// Store bundles the repositories behind one transactional boundary.
// Atomically runs fn against a store whose writes commit together or not
// at all; engines keep external calls outside of it.
type Store interface {
	Cases() CaseRepo
	Bills() BillRepo
	Bombers() BomberRepo
	Ledger() LedgerRepo
	Logs() LogRepo
	Escalations() EscalationRepo

	Atomically(ctx context.Context, fn func(Store) error) error
}

// CycleTable is the loaded per-cycle strategy table keyed by cycle.
type CycleTable map[models.Cycle]models.CycleConfig

// DefaultCycleTable builds the table from the seeded defaults
func DefaultCycleTable() CycleTable {
	table := make(CycleTable)
	for _, cfg := range models.DefaultCycleConfigs() {
		table[cfg.Cycle] = cfg
	}
	return table
}
