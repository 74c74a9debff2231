package dispatch

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// AutoCallQueue is the automated-contact queue serving C1A cases.
type AutoCallQueue interface {
	Push(ctx context.Context, applicationID int64) error
	Remove(ctx context.Context, applicationID int64) error
}

// Notifier delivers collection events to collectors.
type Notifier interface {
	NotifyRepaid(ctx context.Context, bomberID, applicationID int64) error
}

// Orchestrator coordinates escalation, allocation and the ledger for the
// three dispatch workflows: new-case intake, post-escalation re-routing and
// month-end / staffing-change rebalancing. It is the only writer of
// ownership fields on the case table.
type Orchestrator struct {
	store     Store
	allocator *Allocator
	ledger    *Ledger
	cycles    CycleTable
	clock     Clock
	autoQueue AutoCallQueue
	notifier  Notifier
}

// NewOrchestrator wires the orchestrator
func NewOrchestrator(store Store, allocator *Allocator, ledger *Ledger,
	cycles CycleTable, clock Clock, autoQueue AutoCallQueue, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		store:     store,
		allocator: allocator,
		ledger:    ledger,
		cycles:    cycles,
		clock:     clock,
		autoQueue: autoQueue,
		notifier:  notifier,
	}
}

// DispatchNewCase routes a single freshly created case through the same
// partner/internal split as the batch path.
func (o *Orchestrator) DispatchNewCase(ctx context.Context, applicationID int64) error {
	app, err := o.store.Cases().Get(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.Status != models.StatusUnclaimed {
		return nil
	}
	return o.DispatchCycle(ctx, app.Cycle)
}

// DispatchCycle routes every unclaimed case of a cycle: outsourcing
// partners take their proportional slice first, the internal pool splits
// the rest evenly. Multi-installment cases route only to collectors with
// the matching instalment responsibility. An empty pool is a logged no-op;
// the cases stay Unclaimed for the next run.
func (o *Orchestrator) DispatchCycle(ctx context.Context, cycle models.Cycle) error {
	cfg, ok := o.cycles[cycle]
	if !ok {
		return fmt.Errorf("no cycle config for %s", cycle)
	}

	single, err := o.store.Cases().ListUnclaimedByCycle(ctx, cycle, models.TypeSingleInstallment)
	if err != nil {
		return fmt.Errorf("list unclaimed %s cases: %w", cycle, err)
	}
	multi, err := o.store.Cases().ListUnclaimedByCycle(ctx, cycle, models.TypeMultiInstallment)
	if err != nil {
		return fmt.Errorf("list unclaimed %s instalment cases: %w", cycle, err)
	}
	if len(single) == 0 && len(multi) == 0 {
		return nil
	}

	internalPool := single
	if cfg.UsesPartners {
		partners, err := o.store.Bombers().ListPartners(ctx, cycle)
		if err != nil {
			return fmt.Errorf("list partners for %s: %w", cycle, err)
		}
		var shares []PartnerShare
		shares, internalPool = o.allocator.SplitByPartner(single, partners)
		for _, share := range shares {
			if len(share.Cases) == 0 {
				continue
			}
			seats, err := o.store.Bombers().ListActiveByPartner(ctx, share.Partner.ID)
			if err != nil {
				log.Printf("dispatch %s: partner %d roster: %v", cycle, share.Partner.ID, err)
				continue
			}
			pid := share.Partner.ID
			o.assignEven(ctx, cycle, share.Cases, seats, &pid)
		}
	}

	internals, err := o.store.Bombers().ListActiveByCycle(ctx, cycle, 0)
	if err != nil {
		return fmt.Errorf("list %s roster: %w", cycle, err)
	}
	o.assignEven(ctx, cycle, internalPool, internals, nil)

	if len(multi) > 0 {
		instalmentPool, err := o.store.Bombers().ListActiveByCycle(ctx, cycle, cycle)
		if err != nil {
			return fmt.Errorf("list %s instalment roster: %w", cycle, err)
		}
		o.assignEven(ctx, cycle, multi, instalmentPool, nil)
	}
	return nil
}

// assignEven splits cases evenly over the pool and commits one batch per
// destination collector. Pool or batch failures are logged and skipped;
// untouched cases stay Unclaimed for the next run.
func (o *Orchestrator) assignEven(ctx context.Context, cycle models.Cycle, cases []models.Application, pool []models.Bomber, partnerID *int64) {
	if len(cases) == 0 {
		return
	}
	split, err := o.allocator.SplitEven(cases, pool)
	if err != nil {
		log.Printf("dispatch %s: %d cases left unassigned: %v", cycle, len(cases), err)
		return
	}
	for bomberID, batch := range split {
		if len(batch) == 0 {
			continue
		}
		if err := o.assignBatch(ctx, cycle, batch, bomberID, partnerID); err != nil {
			log.Printf("dispatch %s: batch of %d to bomber %d failed: %v (ids=%v)",
				cycle, len(batch), bomberID, err, caseIDs(batch))
		}
	}
}

// assignBatch gives one batch of cases to one collector: billing snapshots
// first, then a single transaction covering the ledger open and the case
// updates. C1A cases additionally enter the automated-contact queue.
func (o *Orchestrator) assignBatch(ctx context.Context, cycle models.Cycle, batch []models.Application, bomberID int64, partnerID *int64) error {
	rows, err := o.ledger.EntryRows(ctx, batch, bomberID, partnerID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	status := models.StatusManualManaged
	if cycle == models.CycleC1A && partnerID == nil {
		status = models.StatusProcessing
	}

	covered := make(map[int64]bool, len(rows))
	for _, r := range rows {
		covered[r.ApplicationID] = true
	}

	err = o.store.Atomically(ctx, func(tx Store) error {
		if err := tx.Ledger().Open(ctx, rows); err != nil {
			return fmt.Errorf("open ledger entries: %w", err)
		}
		for _, app := range batch {
			if !covered[app.ID] {
				continue
			}
			fields := map[string]interface{}{
				"status":           status,
				"latest_bomber_id": bomberID,
				"ptp_bomber_id":    nil,
			}
			if app.LatestBomberID != nil {
				fields["last_bomber_id"] = *app.LatestBomberID
			}
			if err := tx.Cases().Update(ctx, CaseUpdate{ID: app.ID, Version: app.Version, Fields: fields}); err != nil {
				return fmt.Errorf("update application %d: %w", app.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if status == models.StatusProcessing && o.autoQueue != nil {
		for _, app := range batch {
			if !covered[app.ID] {
				continue
			}
			if err := o.autoQueue.Push(ctx, app.ID); err != nil {
				log.Printf("autocall enqueue application %d: %v", app.ID, err)
			}
		}
	}
	return nil
}

// DispatchEscalated re-routes whatever the escalation sweep left Unclaimed,
// cycle by cycle.
func (o *Orchestrator) DispatchEscalated(ctx context.Context) {
	for _, cycle := range []models.Cycle{models.CycleC1A, models.CycleC1B, models.CycleC2, models.CycleC3, models.CycleM3} {
		if err := o.DispatchCycle(ctx, cycle); err != nil {
			log.Printf("dispatch escalated %s: %v", cycle, err)
		}
	}
}

// RebalanceCycle redistributes a cycle's open caseload across the current
// roster: at month end (removed empty, monthDispatch true) or after a
// staffing change (removed carries the day's leavers). Each destination
// collector's moves commit in one transaction; a billing failure skips just
// that collector's batch. One operation-log row per touched collector, all
// sharing one run id.
func (o *Orchestrator) RebalanceCycle(ctx context.Context, cycle models.Cycle, removed []int64, monthDispatch bool) error {
	today := Today(o.clock)

	open, err := o.store.Cases().ListOwnedByCycle(ctx, cycle)
	if err != nil {
		return fmt.Errorf("list owned %s cases: %w", cycle, err)
	}
	if len(open) == 0 {
		return nil
	}

	roster, err := o.store.Bombers().ListActiveByCycle(ctx, cycle, 0)
	if err != nil {
		return fmt.Errorf("list %s roster: %w", cycle, err)
	}

	removedSet := make(map[int64]bool, len(removed))
	for _, id := range removed {
		removedSet[id] = true
	}
	rosterIDs := make([]int64, 0, len(roster))
	rosterSet := make(map[int64]models.Bomber, len(roster))
	for _, b := range roster {
		if removedSet[b.ID] {
			continue
		}
		rosterIDs = append(rosterIDs, b.ID)
		rosterSet[b.ID] = b
	}

	byOwner := make(map[int64][]models.Application)
	for _, app := range open {
		if app.LatestBomberID == nil {
			continue
		}
		byOwner[*app.LatestBomberID] = append(byOwner[*app.LatestBomberID], app)
	}

	holdings := make([]Holding, 0, len(byOwner))
	for owner, cases := range byOwner {
		_, onRoster := rosterSet[owner]
		holdings = append(holdings, Holding{
			BomberID: owner,
			Cases:    cases,
			Removed:  removedSet[owner] || !onRoster,
		})
	}

	inheritors := o.groupInheritors(ctx, holdings, rosterSet)

	plan, err := o.allocator.Rebalance(holdings, rosterIDs, inheritors, today)
	if err != nil {
		log.Printf("rebalance %s: no-op: %v", cycle, err)
		return nil
	}
	for _, orphan := range plan.PinnedOrphans {
		log.Printf("rebalance %s: promise case %d lost its collector, pending manual reattachment", cycle, orphan.ID)
	}

	runID := uuid.New()
	for _, bp := range plan.Plans {
		if !bp.Moved() {
			continue
		}
		if err := o.applyRebalancePlan(ctx, cycle, runID, bp, monthDispatch); err != nil {
			log.Printf("rebalance %s: bomber %d batch failed: %v (incoming=%v)",
				cycle, bp.BomberID, err, caseIDs(bp.Incoming))
		}
	}
	return nil
}

// applyRebalancePlan commits one collector's slice of a rebalance run:
// closes the incoming cases' previous intervals, opens new ones, rewrites
// ownership, and records the operation log.
func (o *Orchestrator) applyRebalancePlan(ctx context.Context, cycle models.Cycle, runID uuid.UUID, bp BomberPlan, monthDispatch bool) error {
	if len(bp.Incoming) == 0 {
		// Pure shed: the moves are logged from the receiving side; only the
		// operation log is written here
		return o.store.Logs().Create(ctx, &models.DispatchAppLog{
			RunID:    runID,
			BomberID: bp.BomberID,
			Cycle:    cycle,
			NpIDs:    caseIDs(bp.OutNP),
			PIDs:     caseIDs(bp.OutP),
		})
	}

	// Snapshots before the transaction: exits grouped by previous owner,
	// entries for the new owner
	exitsByOwner := make(map[int64][]models.Application)
	var formIDs []int64
	for _, app := range bp.Incoming {
		if app.LatestBomberID != nil && *app.LatestBomberID != bp.BomberID {
			exitsByOwner[*app.LatestBomberID] = append(exitsByOwner[*app.LatestBomberID], app)
			formIDs = append(formIDs, *app.LatestBomberID)
		} else {
			formIDs = append(formIDs, 0)
		}
	}

	var exits []Exit
	for owner, leaving := range exitsByOwner {
		rows, err := o.ledger.ExitRows(ctx, leaving, owner)
		if err != nil {
			return err
		}
		exits = append(exits, rows...)
	}
	entries, err := o.ledger.EntryRows(ctx, bp.Incoming, bp.BomberID, nil)
	if err != nil {
		return err
	}

	err = o.store.Atomically(ctx, func(tx Store) error {
		if len(exits) > 0 {
			if _, err := tx.Ledger().Close(ctx, exits); err != nil {
				return fmt.Errorf("close ledger entries: %w", err)
			}
		}
		if err := tx.Ledger().Open(ctx, entries); err != nil {
			return fmt.Errorf("open ledger entries: %w", err)
		}
		for _, app := range bp.Incoming {
			fields := map[string]interface{}{
				"status":           models.StatusManualManaged,
				"latest_bomber_id": bp.BomberID,
			}
			if app.LatestBomberID != nil {
				fields["last_bomber_id"] = *app.LatestBomberID
			}
			// A promise does not survive a collector change outside the
			// month-end path, where the same collector may be re-assigned
			if !monthDispatch {
				fields["ptp_bomber_id"] = nil
			}
			if err := tx.Cases().Update(ctx, CaseUpdate{ID: app.ID, Version: app.Version, Fields: fields}); err != nil {
				return fmt.Errorf("update application %d: %w", app.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return o.store.Logs().Create(ctx, &models.DispatchAppLog{
		RunID:    runID,
		BomberID: bp.BomberID,
		Cycle:    cycle,
		ToIDs:    caseIDs(bp.Incoming),
		FormIDs:  pq.Int64Array(formIDs),
		NpIDs:    caseIDs(bp.OutNP),
		PIDs:     caseIDs(bp.OutP),
	})
}

// groupInheritors maps each removed collector to an active collector of the
// same group, so that pinned promise cases follow the group rather than the
// shuffled surplus.
func (o *Orchestrator) groupInheritors(ctx context.Context, holdings []Holding, rosterSet map[int64]models.Bomber) map[int64]int64 {
	inheritors := make(map[int64]int64)
	for _, h := range holdings {
		if !h.Removed {
			continue
		}
		leaver, err := o.store.Bombers().Get(ctx, h.BomberID)
		if err != nil || leaver.GroupID == nil {
			continue
		}
		for id, b := range rosterSet {
			if b.GroupID != nil && *b.GroupID == *leaver.GroupID {
				inheritors[h.BomberID] = id
				break
			}
		}
	}
	return inheritors
}

// HandlePaidCase processes a payment-completion event: closes every open
// ledger interval, moves the case to Repaid, removes it from the automated
// contact queue and notifies the collector who held it.
func (o *Orchestrator) HandlePaidCase(ctx context.Context, applicationID int64) error {
	app, err := o.store.Cases().Get(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.Status == models.StatusRepaid {
		return nil
	}

	now := o.clock.Now()
	open, err := o.store.Ledger().OpenByApplication(ctx, app.ID)
	if err != nil {
		return fmt.Errorf("open ledger entries for application %d: %w", app.ID, err)
	}

	// Repaid means nothing is pending; the billing snapshot is best-effort
	outDays := OverdueDays(app.OriginDueAt, Today(o.clock))
	exits := make([]Exit, 0, len(open))
	for _, h := range open {
		exits = append(exits, Exit{
			ApplicationID:  app.ID,
			BomberID:       h.BomberID,
			OutAt:          now,
			OutOverdueDays: outDays,
		})
	}

	notifyBomber := app.LatestBomberID

	err = o.store.Atomically(ctx, func(tx Store) error {
		if len(exits) > 0 {
			if _, err := tx.Ledger().Close(ctx, exits); err != nil {
				return fmt.Errorf("close ledger entries: %w", err)
			}
		}
		fields := map[string]interface{}{
			"status":           models.StatusRepaid,
			"repaid_at":        now,
			"latest_bomber_id": nil,
			"ptp_bomber_id":    nil,
			"promised_date":    nil,
			"promised_amount":  nil,
		}
		if app.LatestBomberID != nil {
			fields["last_bomber_id"] = *app.LatestBomberID
		}
		return tx.Cases().Update(ctx, CaseUpdate{ID: app.ID, Version: app.Version, Fields: fields})
	})
	if err != nil {
		return err
	}

	if o.autoQueue != nil {
		if err := o.autoQueue.Remove(ctx, app.ID); err != nil {
			log.Printf("autocall dequeue application %d: %v", app.ID, err)
		}
	}
	if notifyBomber != nil && o.notifier != nil {
		if err := o.notifier.NotifyRepaid(ctx, *notifyBomber, app.ID); err != nil {
			log.Printf("repaid notification to bomber %d: %v", *notifyBomber, err)
		}
	}
	return nil
}

// SweepPromiseExpiry handles promises that lapsed without payment. Early
// cycles release the case entirely (back to Unclaimed, open interval
// closed); later cycles keep the collector but drop automated-contact
// eligibility.
func (o *Orchestrator) SweepPromiseExpiry(ctx context.Context) error {
	today := Today(o.clock)
	expired, err := o.store.Cases().ListPromiseExpired(ctx, today)
	if err != nil {
		return fmt.Errorf("list expired promises: %w", err)
	}

	for _, app := range expired {
		if !app.Owned() {
			continue
		}

		early := app.Cycle <= models.CycleC1B
		err := o.store.Atomically(ctx, func(tx Store) error {
			fields := map[string]interface{}{
				"ptp_bomber_id":   nil,
				"promised_date":   nil,
				"promised_amount": nil,
			}
			if early {
				if app.LatestBomberID != nil {
					exits := []Exit{{
						ApplicationID:    app.ID,
						BomberID:         *app.LatestBomberID,
						OutAt:            o.clock.Now(),
						OutOverdueDays:   app.OverdueDays,
						PrincipalPending: app.Principal,
						LateFeePending:   app.LateFee,
					}}
					if _, err := tx.Ledger().Close(ctx, exits); err != nil {
						return fmt.Errorf("close ledger entry: %w", err)
					}
					fields["last_bomber_id"] = *app.LatestBomberID
				}
				fields["status"] = models.StatusUnclaimed
				fields["latest_bomber_id"] = nil
			} else {
				fields["status"] = models.StatusManualManaged
			}
			return tx.Cases().Update(ctx, CaseUpdate{ID: app.ID, Version: app.Version, Fields: fields})
		})
		if err != nil {
			log.Printf("promise-expiry sweep: application %d: %v", app.ID, err)
			continue
		}

		if o.autoQueue != nil {
			if err := o.autoQueue.Remove(ctx, app.ID); err != nil {
				log.Printf("autocall dequeue application %d: %v", app.ID, err)
			}
		}
	}
	return nil
}

func caseIDs(cases []models.Application) pq.Int64Array {
	ids := make(pq.Int64Array, 0, len(cases))
	for _, c := range cases {
		ids = append(ids, c.ID)
	}
	return ids
}
