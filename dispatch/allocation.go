package dispatch

import (
	"math/rand"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// Allocator computes case-to-collector assignments. All methods are pure
// over their inputs except for the injected RNG, which supplies the
// fairness tie-breaking; tests seed it for reproducible runs.
type Allocator struct {
	rng *rand.Rand
}

// NewAllocator creates an allocator. A nil rng gets a time-seeded one.
func NewAllocator(rng *rand.Rand) *Allocator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Allocator{rng: rng}
}

func (a *Allocator) shuffle(cases []models.Application) []models.Application {
	shuffled := make([]models.Application, len(cases))
	copy(shuffled, cases)
	a.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

// PartnerShare is one outsourcing partner's slice of an allocation run.
type PartnerShare struct {
	Partner models.Partner
	Cases   []models.Application
}

// SplitByPartner slices a pool of unassigned cases across outsourcing
// partners by their app_percentage, shuffling first so that no partner
// systematically receives the oldest or largest cases. Partner i receives
// exactly floor(N * p_i) cases; whatever remains after all partner slices
// is the internal pool.
func (a *Allocator) SplitByPartner(cases []models.Application, partners []models.Partner) ([]PartnerShare, []models.Application) {
	if len(cases) == 0 || len(partners) == 0 {
		return nil, cases
	}

	pool := a.shuffle(cases)
	total := len(pool)

	shares := make([]PartnerShare, 0, len(partners))
	for _, p := range partners {
		// The binary float product of total and percentage can land just
		// below the integer (100 * 0.29 is 28.999...); decimal keeps the
		// floor exact
		take := int(decimal.NewFromInt(int64(total)).Mul(decimal.NewFromFloat(p.AppPercentage)).IntPart())
		if take > len(pool) {
			take = len(pool)
		}
		shares = append(shares, PartnerShare{Partner: p, Cases: pool[:take]})
		pool = pool[take:]
	}
	return shares, pool
}

// SplitEven distributes n cases over k bombers: n/k each, with the n%k
// remainder going one-each to a randomly chosen subset of bombers so that
// repeated runs do not keep overloading the same collectors.
// Returns ErrNoEligibleBombers when the pool is empty.
func (a *Allocator) SplitEven(cases []models.Application, bombers []models.Bomber) (map[int64][]models.Application, error) {
	if len(bombers) == 0 {
		return nil, ErrNoEligibleBombers
	}
	out := make(map[int64][]models.Application, len(bombers))
	for _, b := range bombers {
		out[b.ID] = nil
	}
	if len(cases) == 0 {
		return out, nil
	}

	pool := a.shuffle(cases)
	base := len(pool) / len(bombers)
	rem := len(pool) % len(bombers)

	// Random subset of bombers receives the remainder
	order := make([]models.Bomber, len(bombers))
	copy(order, bombers)
	a.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	idx := 0
	for i, b := range order {
		take := base
		if i < rem {
			take++
		}
		out[b.ID] = append(out[b.ID], pool[idx:idx+take]...)
		idx += take
	}
	return out, nil
}

// Holding is one collector's current open caseload going into a rebalance.
type Holding struct {
	BomberID int64
	Cases    []models.Application
	Removed  bool // collector left the roster; all cases are surplus
}

// BomberPlan is the per-collector outcome of a rebalance run.
type BomberPlan struct {
	BomberID int64

	// Kept cases stay with the collector (always includes pinned promises
	// for collectors still on the roster)
	Kept []models.Application

	// Incoming cases move in from the surplus pool
	Incoming []models.Application

	// Moved out, split by promise-to-pay state for the operation log
	OutNP []models.Application
	OutP  []models.Application
}

// Moved reports whether the plan changes anything for this collector
func (p BomberPlan) Moved() bool {
	return len(p.Incoming) > 0 || len(p.OutNP) > 0 || len(p.OutP) > 0
}

// RebalancePlan is the full outcome of a promise-aware redistribution.
type RebalancePlan struct {
	Plans []BomberPlan

	// PinnedOrphans are promise-to-pay cases whose collector left the
	// roster; they are not pushed through the shuffled surplus but handed
	// to whoever inherits the leaver's group, or flagged for manual
	// reattachment when nobody does.
	PinnedOrphans []models.Application
}

// Rebalance runs the promise-to-pay-aware redistribution used at month end
// and on staffing changes.
//
// Rules, in order:
//  1. Cases split per collector into P (active promise at `today`) and NP.
//  2. A removed collector's NP cases all become surplus; their P cases
//     become PinnedOrphans (or route to `inheritors[removedID]` when set).
//  3. A remaining collector whose P-count meets or exceeds the fair-share
//     target keeps only P and sheds the whole NP list; one below target but
//     above it on P+NP sheds just enough NP to land on target. P cases of a
//     rostered collector never move.
//  4. Remaining collectors are processed in descending order of need
//     (target minus current count) and top up from the shuffled surplus.
//
// Final loads differ by at most one case except where pinning makes exact
// balance impossible. Returns ErrNoEligibleBombers for an empty roster.
func (a *Allocator) Rebalance(holdings []Holding, roster []int64, inheritors map[int64]int64, today time.Time) (*RebalancePlan, error) {
	if len(roster) == 0 {
		return nil, ErrNoEligibleBombers
	}

	plans := make(map[int64]*BomberPlan, len(roster))
	for _, id := range roster {
		plans[id] = &BomberPlan{BomberID: id}
	}

	var surplus []models.Application
	var orphans []models.Application
	total := 0

	type kept struct {
		id int64
		p  []models.Application
		np []models.Application
	}
	var rostered []kept

	for _, h := range holdings {
		var p, np []models.Application
		for _, c := range h.Cases {
			if c.HasActivePromise(today) {
				p = append(p, c)
			} else {
				np = append(np, c)
			}
		}

		if h.Removed {
			plan := &BomberPlan{BomberID: h.BomberID, OutNP: np, OutP: p}
			surplus = append(surplus, np...)
			total += len(np)
			if heir, ok := inheritors[h.BomberID]; ok {
				if heirPlan, onRoster := plans[heir]; onRoster {
					heirPlan.Incoming = append(heirPlan.Incoming, p...)
				} else {
					orphans = append(orphans, p...)
				}
			} else {
				orphans = append(orphans, p...)
			}
			plans[h.BomberID] = plan
			continue
		}

		if _, onRoster := plans[h.BomberID]; !onRoster {
			// Holder not on the roster and not flagged removed: treat as
			// removed, their cases cannot stay where they are
			plan := &BomberPlan{BomberID: h.BomberID, OutNP: np, OutP: p}
			surplus = append(surplus, np...)
			orphans = append(orphans, p...)
			total += len(np)
			plans[h.BomberID] = plan
			continue
		}

		rostered = append(rostered, kept{id: h.BomberID, p: p, np: np})
		total += len(p) + len(np)
	}

	// Fair-share targets: base for everyone, +1 for the first `rem`
	// collectors in roster order
	k := len(roster)
	base := total / k
	rem := total % k

	// Shed NP down to target for over-loaded rostered collectors
	targets := make(map[int64]int, k)
	for i, id := range roster {
		t := base
		if i < rem {
			t++
		}
		targets[id] = t
	}

	current := make(map[int64]int, k)
	for _, kp := range rostered {
		plan := plans[kp.id]
		target := targets[kp.id]
		plan.Kept = append(plan.Kept, kp.p...)

		switch {
		case len(kp.p) >= target:
			// Promise pinning already fills (or overfills) the share
			plan.OutNP = append(plan.OutNP, kp.np...)
			surplus = append(surplus, kp.np...)
		case len(kp.p)+len(kp.np) > target:
			shed := len(kp.p) + len(kp.np) - target
			shuffledNP := a.shuffle(kp.np)
			plan.OutNP = append(plan.OutNP, shuffledNP[:shed]...)
			surplus = append(surplus, shuffledNP[:shed]...)
			plan.Kept = append(plan.Kept, shuffledNP[shed:]...)
		default:
			plan.Kept = append(plan.Kept, kp.np...)
		}
		current[kp.id] = len(plan.Kept)
	}

	// Top up from the shuffled surplus, most under-loaded collector first
	surplus = a.shuffle(surplus)
	order := make([]int64, len(roster))
	copy(order, roster)
	sort.SliceStable(order, func(i, j int) bool {
		return targets[order[i]]-current[order[i]] > targets[order[j]]-current[order[j]]
	})

	idx := 0
	for _, id := range order {
		need := targets[id] - current[id]
		if need <= 0 {
			continue
		}
		if need > len(surplus)-idx {
			need = len(surplus) - idx
		}
		if need <= 0 {
			break
		}
		plan := plans[id]
		plan.Incoming = append(plan.Incoming, surplus[idx:idx+need]...)
		current[id] += need
		idx += need
	}

	// Pinning can leave surplus when every collector is at target; hand the
	// leftovers out one each so nothing stays unowned
	for idx < len(surplus) {
		for _, id := range order {
			if idx >= len(surplus) {
				break
			}
			plans[id].Incoming = append(plans[id].Incoming, surplus[idx])
			idx++
		}
	}

	result := &RebalancePlan{PinnedOrphans: orphans}
	for _, h := range holdings {
		result.Plans = append(result.Plans, *plans[h.BomberID])
		delete(plans, h.BomberID)
	}
	for _, id := range roster {
		if plan, ok := plans[id]; ok {
			result.Plans = append(result.Plans, *plan)
			delete(plans, id)
		}
	}
	return result, nil
}
