package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoujialefanjiayuan/bomber-sub000/billing"
	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// stubBilling serves canned snapshots and records batch sizes.
type stubBilling struct {
	bills      map[int64]billing.Bill
	batchSizes []int
	err        error
	failIDs    map[int64]bool
}

func newStubBilling() *stubBilling {
	return &stubBilling{bills: make(map[int64]billing.Bill)}
}

func (s *stubBilling) put(applicationID int64, principal, lateFee int64) {
	s.bills[applicationID] = billing.Bill{
		ApplicationID: applicationID,
		Principal:     decimal.NewFromInt(principal),
		LateFee:       decimal.NewFromInt(lateFee),
	}
}

// failOn makes any lookup that touches the application fail
func (s *stubBilling) failOn(applicationID int64) {
	if s.failIDs == nil {
		s.failIDs = make(map[int64]bool)
	}
	s.failIDs[applicationID] = true
}

func (s *stubBilling) GetBill(ctx context.Context, applicationID int64) (*billing.Bill, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.failIDs[applicationID] {
		return nil, fmt.Errorf("billing lookup for application %d failed", applicationID)
	}
	if b, ok := s.bills[applicationID]; ok {
		return &b, nil
	}
	return nil, errors.New("bill not found")
}

func (s *stubBilling) GetBills(ctx context.Context, applicationIDs []int64) ([]billing.Bill, error) {
	s.batchSizes = append(s.batchSizes, len(applicationIDs))
	if s.err != nil {
		return nil, s.err
	}
	for _, id := range applicationIDs {
		if s.failIDs[id] {
			return nil, fmt.Errorf("billing lookup for application %d failed", id)
		}
	}
	out := make([]billing.Bill, 0, len(applicationIDs))
	for _, id := range applicationIDs {
		if b, ok := s.bills[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestEntryRowsSnapshotAndDeadline(t *testing.T) {
	clock := fixedDay(2024, 5, 10)
	today := Today(clock)
	svc := newStubBilling()
	svc.put(1, 4500, 90)
	ledger := NewLedger(NewMemoryStore(), svc, DefaultCycleTable(), clock)

	partnerID := int64(2)
	cases := []models.Application{{
		ID:          1,
		Cycle:       models.CycleC1A,
		OverdueDays: 4,
	}}

	rows, err := ledger.EntryRows(context.Background(), cases, 7, &partnerID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(1), row.ApplicationID)
	assert.Equal(t, int64(7), row.BomberID)
	require.NotNil(t, row.PartnerID)
	assert.Equal(t, partnerID, *row.PartnerID)
	assert.Equal(t, 4, row.EntryOverdueDays)
	assert.True(t, row.EntryPrincipalPending.Equal(decimal.NewFromInt(4500)))
	assert.True(t, row.EntryLateFeePending.Equal(decimal.NewFromInt(90)))

	// Band upper bound 10, already 4 days in: due out 6 days from today
	assert.True(t, row.ExpectedOutTime.Equal(today.AddDate(0, 0, 6)))
}

func TestEntryRowsDeadlineFloorsPastDue(t *testing.T) {
	clock := fixedDay(2024, 5, 10)
	today := Today(clock)
	svc := newStubBilling()
	svc.put(1, 100, 0)
	ledger := NewLedger(NewMemoryStore(), svc, DefaultCycleTable(), clock)

	// Already past the band upper bound: deadline is today, never in the past
	cases := []models.Application{{ID: 1, Cycle: models.CycleC1A, OverdueDays: 14}}
	rows, err := ledger.EntryRows(context.Background(), cases, 7, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].ExpectedOutTime.Equal(today))
}

func TestEntryRowsSkipsRepaidAndUnsnapshotted(t *testing.T) {
	clock := fixedDay(2024, 5, 10)
	svc := newStubBilling()
	svc.put(1, 100, 0)
	ledger := NewLedger(NewMemoryStore(), svc, DefaultCycleTable(), clock)

	cases := []models.Application{
		{ID: 1, Cycle: models.CycleC1A},
		{ID: 2, Cycle: models.CycleC1A, Status: models.StatusRepaid},
		{ID: 3, Cycle: models.CycleC1A}, // billing has no record
	}
	rows, err := ledger.EntryRows(context.Background(), cases, 7, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].ApplicationID)
}

func TestSnapshotBatching(t *testing.T) {
	clock := fixedDay(2024, 5, 10)
	svc := newStubBilling()
	cases := make([]models.Application, 2500)
	for i := range cases {
		id := int64(i + 1)
		cases[i] = models.Application{ID: id, Cycle: models.CycleC1A}
		svc.put(id, 100, 0)
	}
	ledger := NewLedger(NewMemoryStore(), svc, DefaultCycleTable(), clock)

	rows, err := ledger.EntryRows(context.Background(), cases, 7, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2500)
	assert.Equal(t, []int{1000, 1000, 500}, svc.batchSizes)
}

func TestSnapshotFailureFailsTheCall(t *testing.T) {
	clock := fixedDay(2024, 5, 10)
	svc := newStubBilling()
	svc.err = errors.New("billing down")
	ledger := NewLedger(NewMemoryStore(), svc, DefaultCycleTable(), clock)

	_, err := ledger.EntryRows(context.Background(), []models.Application{{ID: 1}}, 7, nil)
	assert.Error(t, err)

	_, err = ledger.ExitRows(context.Background(), []models.Application{{ID: 1}}, 7)
	assert.Error(t, err)
}

func TestExitRowsPreferSnapshotOverStoredAmounts(t *testing.T) {
	clock := fixedDay(2024, 5, 10)
	svc := newStubBilling()
	svc.bills[1] = billing.Bill{
		ApplicationID: 1,
		Principal:     decimal.NewFromInt(3000),
		PrincipalPaid: decimal.NewFromInt(1000),
		OverdueDays:   21,
	}
	ledger := NewLedger(NewMemoryStore(), svc, DefaultCycleTable(), clock)

	cases := []models.Application{
		{ID: 1, OverdueDays: 20, Principal: decimal.NewFromInt(3000)},
		{ID: 2, OverdueDays: 9, Principal: decimal.NewFromInt(500), LateFee: decimal.NewFromInt(50)},
	}
	exits, err := ledger.ExitRows(context.Background(), cases, 7)
	require.NoError(t, err)
	require.Len(t, exits, 2)

	// Snapshot wins where available
	assert.Equal(t, 21, exits[0].OutOverdueDays)
	assert.True(t, exits[0].PrincipalPending.Equal(decimal.NewFromInt(2000)))

	// Stored amounts are the fallback when billing has no record
	assert.Equal(t, 9, exits[1].OutOverdueDays)
	assert.True(t, exits[1].PrincipalPending.Equal(decimal.NewFromInt(500)))
	assert.True(t, exits[1].LateFeePending.Equal(decimal.NewFromInt(50)))
}

func TestExitRowsEmptyInput(t *testing.T) {
	ledger := NewLedger(NewMemoryStore(), newStubBilling(), DefaultCycleTable(), fixedDay(2024, 5, 10))
	exits, err := ledger.ExitRows(context.Background(), nil, 7)
	require.NoError(t, err)
	assert.Empty(t, exits)
}
