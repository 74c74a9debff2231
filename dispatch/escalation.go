package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// EscalationEngine keeps overdue_days and cycle consistent with wall-clock
// time and promotes cases between cycles. Every promoted case goes back to
// Unclaimed so the next dispatch pass can route it.
type EscalationEngine struct {
	store Store
	clock Clock
}

// NewEscalationEngine wires the engine
func NewEscalationEngine(store Store, clock Clock) *EscalationEngine {
	return &EscalationEngine{store: store, clock: clock}
}

// RefreshOverdueDays recomputes overdue_days for all non-repaid cases.
// fresh=true covers the routine band (overdue_days <= 95), fresh=false the
// stale band; the computation is the same, the split keeps each scan
// selective. Per-case failures are logged and do not stop the pass.
// Re-running with no time advance writes nothing.
func (e *EscalationEngine) RefreshOverdueDays(ctx context.Context, fresh bool) error {
	today := Today(e.clock)
	cases, err := e.store.Cases().ListNonRepaid(ctx, fresh)
	if err != nil {
		return fmt.Errorf("list non-repaid cases: %w", err)
	}

	updated := 0
	for _, app := range cases {
		days := OverdueDays(app.OriginDueAt, today)
		if app.Type == models.TypeMultiInstallment {
			bills, err := e.store.Bills().ListByApplication(ctx, app.ID)
			if err != nil {
				log.Printf("refresh overdue days: sub-bills for application %d: %v", app.ID, err)
				continue
			}
			days = maxSubBillOverdueDays(bills, today)
		}
		if days == app.OverdueDays {
			continue
		}

		upd := CaseUpdate{
			ID:      app.ID,
			Version: app.Version,
			Fields:  map[string]interface{}{"overdue_days": days},
		}
		if days >= 1 && app.Dpd1EntryAt == nil {
			upd.Fields["dpd1_entry_at"] = today
		}
		if err := e.store.Cases().Update(ctx, upd); err != nil {
			log.Printf("refresh overdue days: application %d: %v", app.ID, err)
			continue
		}
		updated++
	}

	log.Printf("overdue-days refresh (fresh=%v): %d/%d cases updated", fresh, updated, len(cases))
	return nil
}

// RefreshSubBillOverdueDays recomputes overdue_days on each non-repaid
// sub-bill independently of the parent case.
func (e *EscalationEngine) RefreshSubBillOverdueDays(ctx context.Context, fresh bool) error {
	today := Today(e.clock)
	bills, err := e.store.Bills().ListNonRepaid(ctx, fresh)
	if err != nil {
		return fmt.Errorf("list non-repaid sub-bills: %w", err)
	}

	for _, bill := range bills {
		days := OverdueDays(bill.OriginDueAt, today)
		if days == bill.OverdueDays {
			continue
		}
		if err := e.store.Bills().UpdateOverdueDays(ctx, bill.ID, days); err != nil {
			log.Printf("refresh sub-bill %d overdue days: %v", bill.ID, err)
		}
	}
	return nil
}

// EscalateDueCases promotes every case whose recomputed cycle is strictly
// later than its stored one, unless an active promise-to-pay suppresses the
// move. Promotion closes the open ledger entry, strips ownership, resets the
// case to Unclaimed in the new cycle and writes an escalation audit row,
// one transaction per case so a bad row never blocks the batch.
// Returns the ids of promoted cases for the dispatch pass that follows.
func (e *EscalationEngine) EscalateDueCases(ctx context.Context) ([]int64, error) {
	today := Today(e.clock)

	var scanned []models.Application
	for _, fresh := range []bool{true, false} {
		batch, err := e.store.Cases().ListNonRepaid(ctx, fresh)
		if err != nil {
			return nil, fmt.Errorf("list non-repaid cases: %w", err)
		}
		scanned = append(scanned, batch...)
	}

	var promoted []int64
	for _, app := range scanned {
		target, ok := e.targetCycle(ctx, app, today)
		if !ok || target <= app.Cycle {
			continue
		}
		if app.HasActivePromise(today) {
			continue
		}

		if err := e.escalateOne(ctx, app, target, today); err != nil {
			log.Printf("escalate application %d %s->%s: %v", app.ID, app.Cycle, target, err)
			continue
		}
		promoted = append(promoted, app.ID)
	}

	if len(promoted) > 0 {
		log.Printf("escalation sweep: %d cases promoted", len(promoted))
	}
	return promoted, nil
}

// targetCycle computes the cycle the case should be in today
func (e *EscalationEngine) targetCycle(ctx context.Context, app models.Application, today time.Time) (models.Cycle, bool) {
	if app.Type == models.TypeMultiInstallment {
		bills, err := e.store.Bills().ListByApplication(ctx, app.ID)
		if err != nil {
			log.Printf("target cycle: sub-bills for application %d: %v", app.ID, err)
			return 0, false
		}
		days := maxSubBillOverdueDays(bills, today)
		return models.CycleForOverdueDays(days), true
	}
	return models.CycleForOverdueDays(OverdueDays(app.OriginDueAt, today)), true
}

func (e *EscalationEngine) escalateOne(ctx context.Context, app models.Application, target models.Cycle, today time.Time) error {
	days := OverdueDays(app.OriginDueAt, today)

	return e.store.Atomically(ctx, func(tx Store) error {
		if app.LatestBomberID != nil {
			exits := []Exit{{
				ApplicationID:    app.ID,
				BomberID:         *app.LatestBomberID,
				OutAt:            e.clock.Now(),
				OutOverdueDays:   days,
				PrincipalPending: app.Principal,
				LateFeePending:   app.LateFee,
			}}
			if _, err := tx.Ledger().Close(ctx, exits); err != nil {
				return fmt.Errorf("close ledger entry: %w", err)
			}
		}

		fields := map[string]interface{}{
			"cycle":            target,
			"status":           models.StatusUnclaimed,
			"overdue_days":     days,
			"latest_bomber_id": nil,
			"ptp_bomber_id":    nil,
			"latest_call_at":   nil,
			"called_times":     0,
		}
		if app.LatestBomberID != nil {
			fields["last_bomber_id"] = *app.LatestBomberID
		}
		if col := models.EntryFieldForCycle(target); col != "" {
			fields[col] = today
		}
		if err := tx.Cases().Update(ctx, CaseUpdate{ID: app.ID, Version: app.Version, Fields: fields}); err != nil {
			return err
		}

		return tx.Escalations().Create(ctx, &models.Escalation{
			ApplicationID:   app.ID,
			CurrentCycle:    app.Cycle,
			EscalateTo:      target,
			CurrentBomberID: app.LatestBomberID,
		})
	})
}

func maxSubBillOverdueDays(bills []models.OverdueBill, today time.Time) int {
	maxDays := 0
	for _, b := range bills {
		if b.Status == models.StatusRepaid {
			continue
		}
		if d := OverdueDays(b.OriginDueAt, today); d > maxDays {
			maxDays = d
		}
	}
	return maxDays
}
