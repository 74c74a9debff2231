package dispatch

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

func newTestAllocator(seed int64) *Allocator {
	return NewAllocator(rand.New(rand.NewSource(seed)))
}

func makeCases(n int) []models.Application {
	cases := make([]models.Application, n)
	for i := range cases {
		cases[i] = models.Application{ID: int64(i + 1)}
	}
	return cases
}

func makeBombers(ids ...int64) []models.Bomber {
	bombers := make([]models.Bomber, len(ids))
	for i, id := range ids {
		bombers[i] = models.Bomber{ID: id}
	}
	return bombers
}

func promised(id int64, date time.Time) models.Application {
	return models.Application{ID: id, PromisedDate: &date}
}

func TestSplitByPartnerProportions(t *testing.T) {
	alloc := newTestAllocator(1)

	partners := []models.Partner{
		{ID: 1, AppPercentage: 0.3},
		{ID: 2, AppPercentage: 0.25},
	}
	shares, internal := alloc.SplitByPartner(makeCases(100), partners)

	require.Len(t, shares, 2)
	assert.Len(t, shares[0].Cases, 30)
	assert.Len(t, shares[1].Cases, 25)
	assert.Len(t, internal, 45)

	// Every case lands in exactly one slice
	seen := make(map[int64]int)
	for _, s := range shares {
		for _, c := range s.Cases {
			seen[c.ID]++
		}
	}
	for _, c := range internal {
		seen[c.ID]++
	}
	assert.Len(t, seen, 100)
	for id, n := range seen {
		assert.Equalf(t, 1, n, "case %d assigned %d times", id, n)
	}
}

func TestSplitByPartnerFloorsFractions(t *testing.T) {
	alloc := newTestAllocator(2)

	// 0.3 of 7 floors to 2, the fractional case stays internal
	shares, internal := alloc.SplitByPartner(makeCases(7), []models.Partner{{ID: 1, AppPercentage: 0.3}})
	require.Len(t, shares, 1)
	assert.Len(t, shares[0].Cases, 2)
	assert.Len(t, internal, 5)
}

func TestSplitByPartnerExactFloorOnAwkwardPercentages(t *testing.T) {
	alloc := newTestAllocator(13)

	// 100 * 0.29 and 100 * 0.57 are 28.999... and 56.999... in binary
	// floats; the slices must still be exactly 29 and 57
	partners := []models.Partner{
		{ID: 1, AppPercentage: 0.29},
		{ID: 2, AppPercentage: 0.57},
	}
	shares, internal := alloc.SplitByPartner(makeCases(100), partners)

	require.Len(t, shares, 2)
	assert.Len(t, shares[0].Cases, 29)
	assert.Len(t, shares[1].Cases, 57)
	assert.Len(t, internal, 14)
}

func TestSplitByPartnerNoPartners(t *testing.T) {
	alloc := newTestAllocator(3)

	cases := makeCases(10)
	shares, internal := alloc.SplitByPartner(cases, nil)
	assert.Nil(t, shares)
	assert.Len(t, internal, 10)
}

func TestSplitEvenBalanced(t *testing.T) {
	alloc := newTestAllocator(4)

	out, err := alloc.SplitEven(makeCases(17), makeBombers(10, 20, 30, 40, 50))
	require.NoError(t, err)
	require.Len(t, out, 5)

	total, min, max := 0, 17, 0
	for _, got := range out {
		total += len(got)
		if len(got) < min {
			min = len(got)
		}
		if len(got) > max {
			max = len(got)
		}
	}
	assert.Equal(t, 17, total)
	assert.LessOrEqual(t, max-min, 1)
}

func TestSplitEvenRemainderRotates(t *testing.T) {
	// With 11 cases over 5 collectors one collector gets 3. Across seeds the
	// extra case should not stick to the same collector.
	heavy := make(map[int64]bool)
	for seed := int64(0); seed < 20; seed++ {
		alloc := newTestAllocator(seed)
		out, err := alloc.SplitEven(makeCases(11), makeBombers(1, 2, 3, 4, 5))
		require.NoError(t, err)
		for id, got := range out {
			if len(got) == 3 {
				heavy[id] = true
			}
		}
	}
	assert.Greater(t, len(heavy), 1)
}

func TestSplitEvenEmptyRoster(t *testing.T) {
	alloc := newTestAllocator(5)

	_, err := alloc.SplitEven(makeCases(3), nil)
	assert.ErrorIs(t, err, ErrNoEligibleBombers)
}

func TestSplitEvenNoCases(t *testing.T) {
	alloc := newTestAllocator(6)

	out, err := alloc.SplitEven(nil, makeBombers(1, 2))
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Empty(t, out[1])
	assert.Empty(t, out[2])
}

func TestRebalanceKeepsPromisesPinned(t *testing.T) {
	alloc := newTestAllocator(7)
	today := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	tomorrow := today.AddDate(0, 0, 1)

	holdings := []Holding{
		{BomberID: 1, Cases: []models.Application{
			promised(100, tomorrow),
			promised(101, tomorrow),
			{ID: 102}, {ID: 103}, {ID: 104}, {ID: 105},
		}},
		{BomberID: 2, Cases: []models.Application{{ID: 200}}},
	}

	plan, err := alloc.Rebalance(holdings, []int64{1, 2}, nil, today)
	require.NoError(t, err)
	require.Len(t, plan.Plans, 2)

	byID := plansByID(plan)
	p1, p2 := byID[1], byID[2]

	// 7 cases over 2 collectors: targets 4 and 3 in some order. Collector 1
	// keeps both promises regardless of what else moves.
	keptIDs := appIDs(p1.Kept)
	assert.Contains(t, keptIDs, int64(100))
	assert.Contains(t, keptIDs, int64(101))
	assert.Empty(t, p1.OutP)

	load1 := len(p1.Kept) + len(p1.Incoming)
	load2 := len(p2.Kept) + len(p2.Incoming)
	assert.Equal(t, 7, load1+load2)
	assert.LessOrEqual(t, abs(load1-load2), 1)
	assert.Empty(t, plan.PinnedOrphans)
}

func TestRebalanceShedsOnlyExcessNonPromise(t *testing.T) {
	alloc := newTestAllocator(8)
	today := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	tomorrow := today.AddDate(0, 0, 1)

	// Collector 1 holds 1 promise + 7 plain cases, collector 2 holds 2.
	// Targets are 5 each; collector 1 sheds exactly 3 plain cases.
	h1 := []models.Application{promised(1, tomorrow)}
	for i := int64(2); i <= 8; i++ {
		h1 = append(h1, models.Application{ID: i})
	}
	holdings := []Holding{
		{BomberID: 1, Cases: h1},
		{BomberID: 2, Cases: []models.Application{{ID: 20}, {ID: 21}}},
	}

	plan, err := alloc.Rebalance(holdings, []int64{1, 2}, nil, today)
	require.NoError(t, err)

	byID := plansByID(plan)
	p1, p2 := byID[1], byID[2]

	assert.Len(t, p1.OutNP, 3)
	assert.Empty(t, p1.OutP)
	assert.Len(t, p1.Kept, 5)
	assert.Contains(t, appIDs(p1.Kept), int64(1))

	assert.Len(t, p2.Kept, 2)
	assert.Len(t, p2.Incoming, 3)
}

func TestRebalanceRemovedCollector(t *testing.T) {
	alloc := newTestAllocator(9)
	today := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	tomorrow := today.AddDate(0, 0, 1)

	holdings := []Holding{
		{BomberID: 1, Removed: true, Cases: []models.Application{
			promised(10, tomorrow),
			{ID: 11}, {ID: 12},
		}},
		{BomberID: 2, Cases: []models.Application{{ID: 20}}},
		{BomberID: 3, Cases: []models.Application{{ID: 30}}},
	}

	plan, err := alloc.Rebalance(holdings, []int64{2, 3}, map[int64]int64{1: 2}, today)
	require.NoError(t, err)

	byID := plansByID(plan)
	p1, p2, p3 := byID[1], byID[2], byID[3]

	// Leaver gives up everything
	assert.Len(t, p1.OutNP, 2)
	assert.Len(t, p1.OutP, 1)
	assert.Empty(t, p1.Kept)
	assert.Empty(t, p1.Incoming)

	// The promise routes to the group inheritor, not the shuffled surplus
	assert.Contains(t, appIDs(p2.Incoming), int64(10))
	assert.Empty(t, plan.PinnedOrphans)

	// The two plain cases spread over the remaining roster
	moved := len(p2.Incoming) + len(p3.Incoming)
	assert.Equal(t, 3, moved)
	load2 := len(p2.Kept) + len(p2.Incoming)
	load3 := len(p3.Kept) + len(p3.Incoming)
	assert.LessOrEqual(t, abs(load2-load3), 1)
}

func TestRebalanceOrphansWithoutInheritor(t *testing.T) {
	alloc := newTestAllocator(10)
	today := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	tomorrow := today.AddDate(0, 0, 1)

	holdings := []Holding{
		{BomberID: 1, Removed: true, Cases: []models.Application{promised(10, tomorrow)}},
		{BomberID: 2, Cases: []models.Application{{ID: 20}}},
	}

	plan, err := alloc.Rebalance(holdings, []int64{2}, nil, today)
	require.NoError(t, err)
	require.Len(t, plan.PinnedOrphans, 1)
	assert.Equal(t, int64(10), plan.PinnedOrphans[0].ID)
}

func TestRebalanceExpiredPromiseIsNotPinned(t *testing.T) {
	alloc := newTestAllocator(11)
	today := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	holdings := []Holding{
		{BomberID: 1, Cases: []models.Application{
			promised(10, yesterday),
			{ID: 11}, {ID: 12}, {ID: 13},
		}},
		{BomberID: 2, Cases: nil},
	}

	plan, err := alloc.Rebalance(holdings, []int64{1, 2}, nil, today)
	require.NoError(t, err)

	byID := plansByID(plan)
	// The lapsed promise is ordinary load and may move like any other case
	load1 := len(byID[1].Kept) + len(byID[1].Incoming)
	load2 := len(byID[2].Kept) + len(byID[2].Incoming)
	assert.Equal(t, 4, load1+load2)
	assert.LessOrEqual(t, abs(load1-load2), 1)
}

func TestRebalanceEmptyRoster(t *testing.T) {
	alloc := newTestAllocator(12)
	_, err := alloc.Rebalance(nil, nil, nil, time.Now())
	assert.ErrorIs(t, err, ErrNoEligibleBombers)
}

func plansByID(plan *RebalancePlan) map[int64]BomberPlan {
	out := make(map[int64]BomberPlan, len(plan.Plans))
	for _, p := range plan.Plans {
		out[p.BomberID] = p
	}
	return out
}

func appIDs(apps []models.Application) []int64 {
	ids := make([]int64, 0, len(apps))
	for _, a := range apps {
		ids = append(ids, a.ID)
	}
	return ids
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
