package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/zhoujialefanjiayuan/bomber-sub000/autocall"
	"github.com/zhoujialefanjiayuan/bomber-sub000/dispatch"
	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// StuckCallTimeout is how long a claimed automated-contact entry may sit
// before the scavenger requeues it.
const StuckCallTimeout = 30 * time.Minute

// Scheduler drives the recurring dispatch jobs: the daily overdue sweep,
// the promise-expiry sweep, the month-start rebalance and the staffing-
// change scan. Every job tolerates per-item failures; a bad day surfaces in
// the logs and self-heals on the next tick.
type Scheduler struct {
	store      dispatch.Store
	escalation *dispatch.EscalationEngine
	orch       *dispatch.Orchestrator
	queue      *autocall.Queue
	clock      dispatch.Clock

	lastDailyRun  time.Time
	lastRosterRun time.Time
}

// New wires the scheduler. queue may be nil when Redis is unavailable.
func New(store dispatch.Store, escalation *dispatch.EscalationEngine,
	orch *dispatch.Orchestrator, queue *autocall.Queue, clock dispatch.Clock) *Scheduler {
	return &Scheduler{
		store:      store,
		escalation: escalation,
		orch:       orch,
		queue:      queue,
		clock:      clock,
	}
}

// Start launches the job loops and blocks until the context is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	log.Println("scheduler: starting dispatch jobs")

	sweepTicker := time.NewTicker(10 * time.Minute)
	defer sweepTicker.Stop()
	scavengeTicker := time.NewTicker(5 * time.Minute)
	defer scavengeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return
		case <-sweepTicker.C:
			s.tick(ctx)
		case <-scavengeTicker.C:
			s.scavenge(ctx)
		}
	}
}

// tick runs the once-per-day jobs if this day has not been covered yet.
// The ticker fires often so a restart mid-morning still runs the day.
func (s *Scheduler) tick(ctx context.Context) {
	today := dispatch.Today(s.clock)

	if s.lastDailyRun.Before(today) {
		s.runDaily(ctx, today)
		s.lastDailyRun = today
	}
	if s.lastRosterRun.Before(today) {
		// Roster changes from yesterday are settled; rebalance on them
		s.runRosterScan(ctx, today.AddDate(0, 0, -1))
		s.lastRosterRun = today
	}
}

// runDaily executes the daily sweep in dependency order: refresh ages,
// expire promises, escalate, then re-route whatever came loose.
func (s *Scheduler) runDaily(ctx context.Context, today time.Time) {
	log.Printf("scheduler: daily sweep for %s", today.Format("2006-01-02"))

	for _, fresh := range []bool{true, false} {
		if err := s.escalation.RefreshOverdueDays(ctx, fresh); err != nil {
			log.Printf("scheduler: refresh overdue days (fresh=%v): %v", fresh, err)
		}
		if err := s.escalation.RefreshSubBillOverdueDays(ctx, fresh); err != nil {
			log.Printf("scheduler: refresh sub-bill overdue days (fresh=%v): %v", fresh, err)
		}
	}

	if err := s.orch.SweepPromiseExpiry(ctx); err != nil {
		log.Printf("scheduler: promise-expiry sweep: %v", err)
	}

	promoted, err := s.escalation.EscalateDueCases(ctx)
	if err != nil {
		log.Printf("scheduler: escalation sweep: %v", err)
	} else if len(promoted) > 0 {
		log.Printf("scheduler: %d cases escalated, re-dispatching", len(promoted))
	}
	s.orch.DispatchEscalated(ctx)

	if today.Day() == 1 {
		s.runMonthRebalance(ctx)
	}
}

// runMonthRebalance levels every cycle's open caseload on the first of the
// month, keeping promise links since collectors may retain their cases.
func (s *Scheduler) runMonthRebalance(ctx context.Context) {
	log.Println("scheduler: month-start rebalance")
	for _, cycle := range allCycles() {
		if err := s.orch.RebalanceCycle(ctx, cycle, nil, true); err != nil {
			log.Printf("scheduler: month rebalance %s: %v", cycle, err)
		}
	}
}

// runRosterScan rebalances cycles touched by collector deletions on the
// given day, derived from the roster audit log.
func (s *Scheduler) runRosterScan(ctx context.Context, day time.Time) {
	changes, err := s.store.Bombers().ListChangedOn(ctx, day)
	if err != nil {
		log.Printf("scheduler: roster scan: %v", err)
		return
	}

	var removed []int64
	for _, change := range changes {
		if change.Operation == models.BomberOpDelete {
			removed = append(removed, change.BomberID)
		}
	}
	if len(removed) == 0 {
		return
	}

	log.Printf("scheduler: %d collectors left on %s, rebalancing", len(removed), day.Format("2006-01-02"))
	for _, cycle := range allCycles() {
		if err := s.orch.RebalanceCycle(ctx, cycle, removed, false); err != nil {
			log.Printf("scheduler: roster rebalance %s: %v", cycle, err)
		}
	}
}

// scavenge requeues automated-contact entries stuck in flight
func (s *Scheduler) scavenge(ctx context.Context) {
	if s.queue == nil {
		return
	}
	requeued, err := s.queue.ScavengeStuck(ctx, StuckCallTimeout)
	if err != nil {
		log.Printf("scheduler: autocall scavenge: %v", err)
		return
	}
	if len(requeued) > 0 {
		log.Printf("scheduler: requeued %d stuck autocall entries: %v", len(requeued), requeued)
	}
}

func allCycles() []models.Cycle {
	return []models.Cycle{models.CycleC1A, models.CycleC1B, models.CycleC2, models.CycleC3, models.CycleM3}
}
