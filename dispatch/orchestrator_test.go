package dispatch

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

type stubQueue struct {
	pushed  []int64
	removed []int64
}

func (q *stubQueue) Push(ctx context.Context, applicationID int64) error {
	q.pushed = append(q.pushed, applicationID)
	return nil
}

func (q *stubQueue) Remove(ctx context.Context, applicationID int64) error {
	q.removed = append(q.removed, applicationID)
	return nil
}

type stubNotifier struct {
	repaid map[int64][]int64 // bomber id -> application ids
}

func (n *stubNotifier) NotifyRepaid(ctx context.Context, bomberID, applicationID int64) error {
	if n.repaid == nil {
		n.repaid = make(map[int64][]int64)
	}
	n.repaid[bomberID] = append(n.repaid[bomberID], applicationID)
	return nil
}

type orchestratorFixture struct {
	store    *MemoryStore
	billing  *stubBilling
	queue    *stubQueue
	notifier *stubNotifier
	orch     *Orchestrator
	clock    FixedClock
	today    time.Time
}

func newOrchestratorFixture(t *testing.T, seed int64) *orchestratorFixture {
	t.Helper()
	clock := fixedDay(2024, 5, 10)
	store := NewMemoryStore()
	svc := newStubBilling()
	queue := &stubQueue{}
	notifier := &stubNotifier{}
	cycles := DefaultCycleTable()
	ledger := NewLedger(store, svc, cycles, clock)
	alloc := NewAllocator(rand.New(rand.NewSource(seed)))
	orch := NewOrchestrator(store, alloc, ledger, cycles, clock, queue, notifier)
	return &orchestratorFixture{
		store:    store,
		billing:  svc,
		queue:    queue,
		notifier: notifier,
		orch:     orch,
		clock:    clock,
		today:    Today(clock),
	}
}

// addInternalBomber registers a collector eligible for a cycle's internal pool
func (f *orchestratorFixture) addInternalBomber(id int64, cycle models.Cycle) *models.Bomber {
	role := f.store.AddRole(models.BomberRole{Cycle: cycle})
	return f.store.AddBomber(models.Bomber{ID: id, RoleID: role.ID})
}

func (f *orchestratorFixture) addUnclaimed(id int64, cycle models.Cycle, days int) *models.Application {
	f.billing.put(id, 1000, 10)
	return f.store.AddApplication(models.Application{
		ID:          id,
		Cycle:       cycle,
		Status:      models.StatusUnclaimed,
		OverdueDays: days,
		OriginDueAt: f.today.AddDate(0, 0, -days),
	})
}

func TestDispatchCycleC1AGoesToAutomatedPool(t *testing.T) {
	f := newOrchestratorFixture(t, 1)
	f.addInternalBomber(7, models.CycleC1A)
	for i := int64(1); i <= 3; i++ {
		f.addUnclaimed(i, models.CycleC1A, 4)
	}

	require.NoError(t, f.orch.DispatchCycle(context.Background(), models.CycleC1A))

	for i := int64(1); i <= 3; i++ {
		got, err := f.store.Cases().Get(context.Background(), i)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
		require.NotNil(t, got.LatestBomberID)
		assert.Equal(t, int64(7), *got.LatestBomberID)
		assert.Nil(t, got.PtpBomberID)
	}
	assert.ElementsMatch(t, []int64{1, 2, 3}, f.queue.pushed)
	assert.Len(t, f.store.LedgerRows(), 3)
}

func TestDispatchCyclePartnerSplitAndEvenInternal(t *testing.T) {
	f := newOrchestratorFixture(t, 2)

	partner := f.store.AddPartner(models.Partner{ID: 1, Cycle: models.CycleC2, AppPercentage: 0.3, Status: 1})
	pid := partner.ID
	f.store.AddBomber(models.Bomber{ID: 91, PartnerID: &pid})
	f.store.AddBomber(models.Bomber{ID: 92, PartnerID: &pid})
	for i := int64(1); i <= 5; i++ {
		f.addInternalBomber(i, models.CycleC2)
	}
	for i := int64(100); i < 200; i++ {
		f.addUnclaimed(i, models.CycleC2, 35)
	}

	require.NoError(t, f.orch.DispatchCycle(context.Background(), models.CycleC2))

	partnerLoad := 0
	internalLoad := make(map[int64]int)
	for i := int64(100); i < 200; i++ {
		got, err := f.store.Cases().Get(context.Background(), i)
		require.NoError(t, err)
		assert.Equal(t, models.StatusManualManaged, got.Status)
		require.NotNil(t, got.LatestBomberID)
		switch owner := *got.LatestBomberID; owner {
		case 91, 92:
			partnerLoad++
		default:
			internalLoad[owner]++
		}
	}

	// floor(100 * 0.3) to the partner's seats, the remaining 70 split 14 each
	assert.Equal(t, 30, partnerLoad)
	require.Len(t, internalLoad, 5)
	for id, n := range internalLoad {
		assert.Equalf(t, 14, n, "internal collector %d", id)
	}

	// Partner entries carry the partner id on the ledger interval
	withPartner := 0
	for _, row := range f.store.LedgerRows() {
		if row.PartnerID != nil {
			withPartner++
			assert.Equal(t, pid, *row.PartnerID)
		}
	}
	assert.Equal(t, 30, withPartner)
	assert.Empty(t, f.queue.pushed)
}

func TestDispatchCycleNoRosterLeavesUnclaimed(t *testing.T) {
	f := newOrchestratorFixture(t, 3)
	f.addUnclaimed(1, models.CycleC3, 70)

	require.NoError(t, f.orch.DispatchCycle(context.Background(), models.CycleC3))

	got, err := f.store.Cases().Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnclaimed, got.Status)
	assert.Nil(t, got.LatestBomberID)
	assert.Empty(t, f.store.LedgerRows())
}

func TestDispatchCycleRoutesInstalmentCasesSeparately(t *testing.T) {
	f := newOrchestratorFixture(t, 4)

	f.addInternalBomber(1, models.CycleC1B)
	instRole := f.store.AddRole(models.BomberRole{Cycle: models.CycleC1B})
	f.store.AddBomber(models.Bomber{ID: 2, RoleID: instRole.ID, Instalment: models.CycleC1B})

	f.addUnclaimed(10, models.CycleC1B, 15)
	multi := f.addUnclaimed(11, models.CycleC1B, 15)
	multi.Type = models.TypeMultiInstallment
	f.store.AddApplication(*multi)

	require.NoError(t, f.orch.DispatchCycle(context.Background(), models.CycleC1B))

	single, err := f.store.Cases().Get(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, single.LatestBomberID)
	assert.Equal(t, int64(1), *single.LatestBomberID)

	got, err := f.store.Cases().Get(context.Background(), 11)
	require.NoError(t, err)
	require.NotNil(t, got.LatestBomberID)
	assert.Equal(t, int64(2), *got.LatestBomberID)
}

func TestFullPipelineEscalateThenDispatch(t *testing.T) {
	f := newOrchestratorFixture(t, 5)
	f.addInternalBomber(1, models.CycleC1B)

	owner := int64(9)
	f.addInternalBomber(owner, models.CycleC1A)
	f.billing.put(50, 2000, 40)
	f.store.AddApplication(models.Application{
		ID:             50,
		Cycle:          models.CycleC1A,
		Status:         models.StatusProcessing,
		LatestBomberID: &owner,
		OverdueDays:    10,
		OriginDueAt:    f.today.AddDate(0, 0, -12),
		Principal:      decimal.NewFromInt(2000),
	})
	require.NoError(t, f.store.Ledger().Open(context.Background(), []models.DispatchAppHistory{{
		ApplicationID: 50, BomberID: owner, EntryAt: f.today.AddDate(0, 0, -8),
	}}))

	engine := NewEscalationEngine(f.store, f.clock)
	promoted, err := engine.EscalateDueCases(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{50}, promoted)

	f.orch.DispatchEscalated(context.Background())

	got, err := f.store.Cases().Get(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, models.CycleC1B, got.Cycle)
	assert.Equal(t, models.StatusManualManaged, got.Status)
	require.NotNil(t, got.LatestBomberID)
	assert.Equal(t, int64(1), *got.LatestBomberID)
	require.NotNil(t, got.LastBomberID)
	assert.Equal(t, owner, *got.LastBomberID)

	// Old interval closed, new one open
	openCount := 0
	for _, row := range f.store.LedgerRows() {
		if row.OutAt == nil {
			openCount++
			assert.Equal(t, int64(1), row.BomberID)
		} else {
			assert.Equal(t, owner, row.BomberID)
		}
	}
	assert.Equal(t, 1, openCount)
}

func TestRebalanceCycleStaffingChange(t *testing.T) {
	f := newOrchestratorFixture(t, 6)
	ctx := context.Background()

	group := int64(40)
	leaverRole := f.store.AddRole(models.BomberRole{Cycle: models.CycleC2})
	f.store.AddBomber(models.Bomber{ID: 1, RoleID: leaverRole.ID, GroupID: &group, IsDel: 1})
	heir := f.addInternalBomber(2, models.CycleC2)
	heir.GroupID = &group
	f.store.AddBomber(*heir)
	f.addInternalBomber(3, models.CycleC2)

	promiseDay := f.today.AddDate(0, 0, 3)
	owner1, owner2, owner3 := int64(1), int64(2), int64(3)

	seed := func(id int64, owner *int64, promise *time.Time) {
		f.billing.put(id, 1000, 10)
		var ptp *int64
		if promise != nil {
			ptp = owner
		}
		f.store.AddApplication(models.Application{
			ID:             id,
			Cycle:          models.CycleC2,
			Status:         models.StatusManualManaged,
			LatestBomberID: owner,
			PtpBomberID:    ptp,
			PromisedDate:   promise,
			OverdueDays:    40,
			OriginDueAt:    f.today.AddDate(0, 0, -40),
		})
		require.NoError(t, f.store.Ledger().Open(ctx, []models.DispatchAppHistory{{
			ApplicationID: id, BomberID: *owner, EntryAt: f.today.AddDate(0, 0, -5),
		}}))
	}

	seed(10, &owner1, &promiseDay) // pinned promise, owner leaving
	seed(11, &owner1, nil)
	seed(12, &owner1, nil)
	seed(20, &owner2, nil)
	seed(30, &owner3, nil)

	require.NoError(t, f.orch.RebalanceCycle(ctx, models.CycleC2, []int64{1}, false))

	// The promise follows the leaver's group, not the shuffled surplus
	got, err := f.store.Cases().Get(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, got.LatestBomberID)
	assert.Equal(t, int64(2), *got.LatestBomberID)
	require.NotNil(t, got.LastBomberID)
	assert.Equal(t, int64(1), *got.LastBomberID)
	assert.NotNil(t, got.PromisedDate)

	// Nothing stays with the leaver and loads even out
	load := map[int64]int{}
	for _, id := range []int64{10, 11, 12, 20, 30} {
		app, err := f.store.Cases().Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, app.LatestBomberID)
		assert.NotEqual(t, int64(1), *app.LatestBomberID)
		load[*app.LatestBomberID]++
	}
	assert.LessOrEqual(t, abs(load[2]-load[3]), 1)

	// Every move closed the old interval and opened a new one
	for _, id := range []int64{10, 11, 12} {
		open, err := f.store.Ledger().OpenByApplication(ctx, id)
		require.NoError(t, err)
		require.Lenf(t, open, 1, "application %d", id)
		assert.NotEqual(t, int64(1), open[0].BomberID)
	}

	// One run id across the whole sweep, with a shed-only row for the leaver
	logs := f.store.LogRows()
	require.NotEmpty(t, logs)
	runID := logs[0].RunID
	var leaverLogged bool
	for _, row := range logs {
		assert.Equal(t, runID, row.RunID)
		assert.Equal(t, models.CycleC2, row.Cycle)
		if row.BomberID == 1 {
			leaverLogged = true
			assert.ElementsMatch(t, []int64{11, 12}, []int64(row.NpIDs))
			assert.ElementsMatch(t, []int64{10}, []int64(row.PIDs))
			assert.Empty(t, row.ToIDs)
		}
	}
	assert.True(t, leaverLogged)
}

func TestRebalanceMonthEndKeepsPtpOwner(t *testing.T) {
	f := newOrchestratorFixture(t, 7)
	ctx := context.Background()

	f.addInternalBomber(1, models.CycleC1B)
	f.addInternalBomber(2, models.CycleC1B)

	promiseDay := f.today.AddDate(0, 0, 2)
	owner := int64(1)
	for i := int64(1); i <= 6; i++ {
		f.billing.put(i, 500, 5)
		app := models.Application{
			ID:             i,
			Cycle:          models.CycleC1B,
			Status:         models.StatusManualManaged,
			LatestBomberID: &owner,
			OverdueDays:    20,
			OriginDueAt:    f.today.AddDate(0, 0, -20),
		}
		if i == 1 {
			app.PromisedDate = &promiseDay
			app.PtpBomberID = &owner
		}
		f.store.AddApplication(app)
		require.NoError(t, f.store.Ledger().Open(ctx, []models.DispatchAppHistory{{
			ApplicationID: i, BomberID: owner, EntryAt: f.today.AddDate(0, 0, -10),
		}}))
	}

	require.NoError(t, f.orch.RebalanceCycle(ctx, models.CycleC1B, nil, true))

	// The pinned case never left its collector, so the promise link survives
	pinned, err := f.store.Cases().Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, pinned.LatestBomberID)
	assert.Equal(t, owner, *pinned.LatestBomberID)
	require.NotNil(t, pinned.PtpBomberID)

	load := map[int64]int{}
	for i := int64(1); i <= 6; i++ {
		app, err := f.store.Cases().Get(ctx, i)
		require.NoError(t, err)
		require.NotNil(t, app.LatestBomberID)
		load[*app.LatestBomberID]++
	}
	assert.Equal(t, 3, load[1])
	assert.Equal(t, 3, load[2])
}

func TestRebalanceBillingOutageSkipsOneCollectorsBatch(t *testing.T) {
	f := newOrchestratorFixture(t, 12)
	ctx := context.Background()

	// Collector 1 left before month end; 2 and 3 split the book
	leaverRole := f.store.AddRole(models.BomberRole{Cycle: models.CycleC2})
	f.store.AddBomber(models.Bomber{ID: 1, RoleID: leaverRole.ID, IsDel: 1})
	f.addInternalBomber(2, models.CycleC2)
	f.addInternalBomber(3, models.CycleC2)

	owner := int64(1)
	for i := int64(1); i <= 4; i++ {
		f.billing.put(i, 1000, 10)
		f.store.AddApplication(models.Application{
			ID:             i,
			Cycle:          models.CycleC2,
			Status:         models.StatusManualManaged,
			LatestBomberID: &owner,
			OverdueDays:    40,
			OriginDueAt:    f.today.AddDate(0, 0, -40),
		})
		require.NoError(t, f.store.Ledger().Open(ctx, []models.DispatchAppHistory{{
			ApplicationID: i, BomberID: owner, EntryAt: f.today.AddDate(0, 0, -10),
		}}))
	}

	// Whichever collector's batch holds case 3 loses its billing snapshot
	f.billing.failOn(3)

	require.NoError(t, f.orch.RebalanceCycle(ctx, models.CycleC2, nil, true))

	var stayed, moved []int64
	movedOwners := map[int64]bool{}
	for i := int64(1); i <= 4; i++ {
		app, err := f.store.Cases().Get(ctx, i)
		require.NoError(t, err)
		require.NotNil(t, app.LatestBomberID)
		if *app.LatestBomberID == owner {
			stayed = append(stayed, i)
		} else {
			moved = append(moved, i)
			movedOwners[*app.LatestBomberID] = true
		}
	}

	// The failed batch never committed: its two cases, case 3 included,
	// keep their previous owner; the other collector's batch went through
	require.Len(t, stayed, 2)
	require.Len(t, moved, 2)
	assert.Contains(t, stayed, int64(3))
	require.Len(t, movedOwners, 1)

	for _, id := range stayed {
		app, err := f.store.Cases().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusManualManaged, app.Status)
		open, err := f.store.Ledger().OpenByApplication(ctx, id)
		require.NoError(t, err)
		require.Lenf(t, open, 1, "application %d", id)
		assert.Equal(t, owner, open[0].BomberID)
	}
	for _, id := range moved {
		open, err := f.store.Ledger().OpenByApplication(ctx, id)
		require.NoError(t, err)
		require.Lenf(t, open, 1, "application %d", id)
		assert.NotEqual(t, owner, open[0].BomberID)
	}

	// No operation log claims the failed moves
	for _, row := range f.store.LogRows() {
		assert.NotContains(t, []int64(row.ToIDs), int64(3))
	}
}

func TestHandlePaidCase(t *testing.T) {
	f := newOrchestratorFixture(t, 8)
	ctx := context.Background()

	owner := int64(4)
	promiseDay := f.today.AddDate(0, 0, 1)
	amount := decimal.NewFromInt(300)
	f.store.AddApplication(models.Application{
		ID:             1,
		Cycle:          models.CycleC1A,
		Status:         models.StatusProcessing,
		LatestBomberID: &owner,
		PtpBomberID:    &owner,
		PromisedDate:   &promiseDay,
		PromisedAmount: &amount,
		OverdueDays:    6,
		OriginDueAt:    f.today.AddDate(0, 0, -6),
	})
	require.NoError(t, f.store.Ledger().Open(ctx, []models.DispatchAppHistory{{
		ApplicationID: 1, BomberID: owner, EntryAt: f.today.AddDate(0, 0, -3),
	}}))

	require.NoError(t, f.orch.HandlePaidCase(ctx, 1))

	got, err := f.store.Cases().Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRepaid, got.Status)
	require.NotNil(t, got.RepaidAt)
	assert.Nil(t, got.LatestBomberID)
	assert.Nil(t, got.PtpBomberID)
	assert.Nil(t, got.PromisedDate)
	assert.Nil(t, got.PromisedAmount)
	require.NotNil(t, got.LastBomberID)
	assert.Equal(t, owner, *got.LastBomberID)

	rows := f.store.LedgerRows()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].OutAt)
	assert.True(t, rows[0].OutPrincipalPending.IsZero())
	assert.True(t, rows[0].OutLateFeePending.IsZero())

	assert.Equal(t, []int64{1}, f.queue.removed)
	assert.Equal(t, []int64{1}, f.notifier.repaid[owner])

	// Re-delivered event is a no-op
	require.NoError(t, f.orch.HandlePaidCase(ctx, 1))
	assert.Equal(t, []int64{1}, f.queue.removed)
}

func TestSweepPromiseExpiry(t *testing.T) {
	f := newOrchestratorFixture(t, 9)
	ctx := context.Background()

	lapsed := f.today.AddDate(0, 0, -1)
	early, late := int64(1), int64(2)

	f.store.AddApplication(models.Application{
		ID:             10,
		Cycle:          models.CycleC1A,
		Status:         models.StatusProcessing,
		LatestBomberID: &early,
		PtpBomberID:    &early,
		PromisedDate:   &lapsed,
		OverdueDays:    8,
		OriginDueAt:    f.today.AddDate(0, 0, -8),
	})
	require.NoError(t, f.store.Ledger().Open(ctx, []models.DispatchAppHistory{{
		ApplicationID: 10, BomberID: early, EntryAt: f.today.AddDate(0, 0, -4),
	}}))

	f.store.AddApplication(models.Application{
		ID:             20,
		Cycle:          models.CycleC2,
		Status:         models.StatusManualManaged,
		LatestBomberID: &late,
		PtpBomberID:    &late,
		PromisedDate:   &lapsed,
		OverdueDays:    40,
		OriginDueAt:    f.today.AddDate(0, 0, -40),
	})

	// A promise lapsing today is not expired yet
	todayPromise := f.today
	keep := int64(3)
	f.store.AddApplication(models.Application{
		ID:             30,
		Cycle:          models.CycleC1A,
		Status:         models.StatusProcessing,
		LatestBomberID: &keep,
		PtpBomberID:    &keep,
		PromisedDate:   &todayPromise,
	})

	require.NoError(t, f.orch.SweepPromiseExpiry(ctx))

	// Early cycle: full release
	got, err := f.store.Cases().Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnclaimed, got.Status)
	assert.Nil(t, got.LatestBomberID)
	assert.Nil(t, got.PromisedDate)
	open, err := f.store.Ledger().OpenByApplication(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Later cycle: collector keeps the case, promise and automation drop
	got, err = f.store.Cases().Get(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, models.StatusManualManaged, got.Status)
	require.NotNil(t, got.LatestBomberID)
	assert.Equal(t, late, *got.LatestBomberID)
	assert.Nil(t, got.PtpBomberID)
	assert.Nil(t, got.PromisedDate)

	// Still-live promise untouched
	got, err = f.store.Cases().Get(ctx, 30)
	require.NoError(t, err)
	require.NotNil(t, got.PromisedDate)

	assert.ElementsMatch(t, []int64{10, 20}, f.queue.removed)
}
