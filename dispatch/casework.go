package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

var (
	// ErrNotClaimable is returned when a claim targets a case that already
	// has a collector or is closed.
	ErrNotClaimable = errors.New("application is not claimable")

	// ErrNotOwner is returned when a collector acts on a case they do not
	// currently hold.
	ErrNotOwner = errors.New("application is held by another collector")

	// ErrPromiseInPast is returned when a promise-to-pay date is before today.
	ErrPromiseInPast = errors.New("promised date is in the past")
)

// ClaimCase hands an Unclaimed case to the requesting collector: billing
// snapshot, ledger entry, then the ownership flip under the version check.
func (o *Orchestrator) ClaimCase(ctx context.Context, applicationID, bomberID int64) error {
	app, err := o.store.Cases().Get(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.Status != models.StatusUnclaimed {
		return ErrNotClaimable
	}

	rows, err := o.ledger.EntryRows(ctx, []models.Application{*app}, bomberID, nil)
	if err != nil {
		return fmt.Errorf("snapshot application %d: %w", applicationID, err)
	}
	if len(rows) == 0 {
		// No billing snapshot means no ledger entry; ownership must not
		// change without one
		return fmt.Errorf("no billing snapshot for application %d", applicationID)
	}

	return o.store.Atomically(ctx, func(tx Store) error {
		if err := tx.Ledger().Open(ctx, rows); err != nil {
			return fmt.Errorf("open ledger entry: %w", err)
		}
		fields := map[string]interface{}{
			"status":           models.StatusManualManaged,
			"latest_bomber_id": bomberID,
			"ptp_bomber_id":    nil,
		}
		if app.LatestBomberID != nil {
			fields["last_bomber_id"] = *app.LatestBomberID
		}
		return tx.Cases().Update(ctx, CaseUpdate{ID: app.ID, Version: app.Version, Fields: fields})
	})
}

// RecordPromise stores a promise-to-pay on a case held by the collector.
// The promise pins the case to the collector through rebalances until the
// promised date lapses.
func (o *Orchestrator) RecordPromise(ctx context.Context, applicationID, bomberID int64,
	date time.Time, amount decimal.Decimal) error {
	app, err := o.store.Cases().Get(ctx, applicationID)
	if err != nil {
		return err
	}
	if !app.Owned() || app.LatestBomberID == nil || *app.LatestBomberID != bomberID {
		return ErrNotOwner
	}
	if date.Before(Today(o.clock)) {
		return ErrPromiseInPast
	}

	return o.store.Cases().Update(ctx, CaseUpdate{
		ID:      app.ID,
		Version: app.Version,
		Fields: map[string]interface{}{
			"promised_date":   date,
			"promised_amount": amount,
			"ptp_bomber_id":   bomberID,
		},
	})
}

// RecordCall bumps the contact counters after a collector call attempt
func (o *Orchestrator) RecordCall(ctx context.Context, applicationID, bomberID int64) error {
	app, err := o.store.Cases().Get(ctx, applicationID)
	if err != nil {
		return err
	}
	if !app.Owned() || app.LatestBomberID == nil || *app.LatestBomberID != bomberID {
		return ErrNotOwner
	}

	return o.store.Cases().Update(ctx, CaseUpdate{
		ID:      app.ID,
		Version: app.Version,
		Fields: map[string]interface{}{
			"latest_call_at": o.clock.Now(),
			"called_times":   app.CalledTimes + 1,
		},
	})
}
