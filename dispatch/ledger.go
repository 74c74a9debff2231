package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zhoujialefanjiayuan/bomber-sub000/billing"
	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// Ledger maintains the ownership audit trail. It snapshots pending amounts
// through the billing service at every transition; snapshot fetches happen
// in bounded batches before any write transaction so that a billing outage
// skips a batch cleanly instead of leaving half-written intervals.
type Ledger struct {
	store   Store
	billing billing.Service
	cycles  CycleTable
	clock   Clock
}

// NewLedger wires the ledger
func NewLedger(store Store, billingSvc billing.Service, cycles CycleTable, clock Clock) *Ledger {
	return &Ledger{store: store, billing: billingSvc, cycles: cycles, clock: clock}
}

// snapshots fetches pending-amount snapshots for the given cases in batches
// of at most SnapshotBatchSize. Any batch failure fails the whole call: the
// caller must not open or close intervals on guessed numbers.
func (l *Ledger) snapshots(ctx context.Context, ids []int64) (map[int64]billing.Bill, error) {
	out := make(map[int64]billing.Bill, len(ids))
	for start := 0; start < len(ids); start += SnapshotBatchSize {
		end := start + SnapshotBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		bills, err := l.billing.GetBills(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("billing snapshot batch [%d:%d]: %w", start, end, err)
		}
		for _, b := range bills {
			out[b.ApplicationID] = b
		}
	}
	return out, nil
}

// EntryRows builds open-interval rows for a batch of cases headed to one
// collector. Repaid cases are skipped. The rows are returned, not written:
// the orchestrator writes them inside the same transaction as the case
// updates and prior-entry closes.
func (l *Ledger) EntryRows(ctx context.Context, cases []models.Application, bomberID int64, partnerID *int64) ([]models.DispatchAppHistory, error) {
	ids := make([]int64, 0, len(cases))
	for _, app := range cases {
		if app.Status == models.StatusRepaid {
			continue
		}
		ids = append(ids, app.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	snaps, err := l.snapshots(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	today := Today(l.clock)
	rows := make([]models.DispatchAppHistory, 0, len(ids))
	for _, app := range cases {
		if app.Status == models.StatusRepaid {
			continue
		}
		snap, ok := snaps[app.ID]
		if !ok {
			log.Printf("ledger entry: no billing snapshot for application %d, skipping", app.ID)
			continue
		}

		rows = append(rows, models.DispatchAppHistory{
			ApplicationID:         app.ID,
			BomberID:              bomberID,
			PartnerID:             partnerID,
			EntryAt:               now,
			EntryOverdueDays:      app.OverdueDays,
			EntryPrincipalPending: snap.PrincipalPending(),
			EntryLateFeePending:   snap.LateFeePending(),
			ExpectedOutTime:       l.expectedOutTime(app, today),
		})
	}
	return rows, nil
}

// ExitRows builds close snapshots for a batch of cases leaving one
// collector. The monthDispatch flag is threaded by the orchestrator: a
// month-end close keeps ptp_bomber because the same collector may get the
// same case straight back.
func (l *Ledger) ExitRows(ctx context.Context, cases []models.Application, bomberID int64) ([]Exit, error) {
	ids := make([]int64, 0, len(cases))
	for _, app := range cases {
		ids = append(ids, app.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	snaps, err := l.snapshots(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	exits := make([]Exit, 0, len(ids))
	for _, app := range cases {
		exit := Exit{
			ApplicationID:    app.ID,
			BomberID:         bomberID,
			OutAt:            now,
			OutOverdueDays:   app.OverdueDays,
			PrincipalPending: app.Principal,
			LateFeePending:   app.LateFee,
		}
		if snap, ok := snaps[app.ID]; ok {
			exit.OutOverdueDays = snap.OverdueDays
			exit.PrincipalPending = snap.PrincipalPending()
			exit.LateFeePending = snap.LateFeePending()
		}
		exits = append(exits, exit)
	}
	return exits, nil
}

// expectedOutTime derives the SLA deadline: the case should leave the
// collector when it ages out of the cycle's day band.
func (l *Ledger) expectedOutTime(app models.Application, today time.Time) time.Time {
	cfg, ok := l.cycles[app.Cycle]
	if !ok {
		cfg = models.DefaultCycleConfigs()[0]
	}
	remaining := cfg.UpperBound() - app.OverdueDays
	if remaining < 0 {
		remaining = 0
	}
	return today.AddDate(0, 0, remaining)
}
