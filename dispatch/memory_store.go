package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// MemoryStore is an in-memory Store used by the engine tests and local
// tooling. Atomically does not roll back: engine tests exercise logic, not
// the database; transactional behavior is covered by the gorm store.
type MemoryStore struct {
	mu sync.Mutex

	apps        map[int64]*models.Application
	bills       map[int64]*models.OverdueBill
	bombers     map[int64]*models.Bomber
	roles       map[int64]*models.BomberRole
	partners    map[int64]*models.Partner
	bomberLogs  []models.BomberLog
	ledger      []*models.DispatchAppHistory
	logs        []*models.DispatchAppLog
	escalations []*models.Escalation

	nextID int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:     make(map[int64]*models.Application),
		bills:    make(map[int64]*models.OverdueBill),
		bombers:  make(map[int64]*models.Bomber),
		roles:    make(map[int64]*models.BomberRole),
		partners: make(map[int64]*models.Partner),
		nextID:   1,
	}
}

func (s *MemoryStore) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// AddApplication seeds a case, assigning an id when missing
func (s *MemoryStore) AddApplication(app models.Application) *models.Application {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app.ID == 0 {
		app.ID = s.id()
	}
	if app.ExternalID == 0 {
		app.ExternalID = app.ID
	}
	cp := app
	s.apps[cp.ID] = &cp
	return &cp
}

// AddBomber seeds a collector
func (s *MemoryStore) AddBomber(b models.Bomber) *models.Bomber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		b.ID = s.id()
	}
	cp := b
	s.bombers[cp.ID] = &cp
	return &cp
}

// AddRole seeds a bomber role
func (s *MemoryStore) AddRole(r models.BomberRole) *models.BomberRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	cp := r
	s.roles[cp.ID] = &cp
	return &cp
}

// AddPartner seeds a partner
func (s *MemoryStore) AddPartner(p models.Partner) *models.Partner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	cp := p
	s.partners[cp.ID] = &cp
	return &cp
}

// AddBill seeds a sub-bill
func (s *MemoryStore) AddBill(b models.OverdueBill) *models.OverdueBill {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		b.ID = s.id()
	}
	cp := b
	s.bills[cp.ID] = &cp
	return &cp
}

// AddBomberLog seeds a roster audit row
func (s *MemoryStore) AddBomberLog(l models.BomberLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == 0 {
		l.ID = s.id()
	}
	s.bomberLogs = append(s.bomberLogs, l)
}

// LedgerRows returns a copy of all ledger rows
func (s *MemoryStore) LedgerRows() []models.DispatchAppHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DispatchAppHistory, 0, len(s.ledger))
	for _, r := range s.ledger {
		out = append(out, *r)
	}
	return out
}

// LogRows returns a copy of all operation-log rows
func (s *MemoryStore) LogRows() []models.DispatchAppLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DispatchAppLog, 0, len(s.logs))
	for _, r := range s.logs {
		out = append(out, *r)
	}
	return out
}

// EscalationRows returns a copy of all escalation audit rows
func (s *MemoryStore) EscalationRows() []models.Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Escalation, 0, len(s.escalations))
	for _, r := range s.escalations {
		out = append(out, *r)
	}
	return out
}

func (s *MemoryStore) Cases() CaseRepo             { return &memCaseRepo{s: s} }
func (s *MemoryStore) Bills() BillRepo             { return &memBillRepo{s: s} }
func (s *MemoryStore) Bombers() BomberRepo         { return &memBomberRepo{s: s} }
func (s *MemoryStore) Ledger() LedgerRepo          { return &memLedgerRepo{s: s} }
func (s *MemoryStore) Logs() LogRepo               { return &memLogRepo{s: s} }
func (s *MemoryStore) Escalations() EscalationRepo { return &memEscalationRepo{s: s} }

func (s *MemoryStore) Atomically(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

// ---- cases ----

type memCaseRepo struct {
	s *MemoryStore
}

func (r *memCaseRepo) Get(ctx context.Context, id int64) (*models.Application, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	app, ok := r.s.apps[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	cp := *app
	return &cp, nil
}

func (r *memCaseRepo) GetByExternalID(ctx context.Context, externalID int64) (*models.Application, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, app := range r.s.apps {
		if app.ExternalID == externalID {
			cp := *app
			return &cp, nil
		}
	}
	return nil, ErrCaseNotFound
}

func (r *memCaseRepo) Create(ctx context.Context, app *models.Application) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if app.ID == 0 {
		app.ID = r.s.id()
	}
	cp := *app
	r.s.apps[cp.ID] = &cp
	return nil
}

func (r *memCaseRepo) Update(ctx context.Context, upd CaseUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	app, ok := r.s.apps[upd.ID]
	if !ok {
		return ErrCaseNotFound
	}
	if app.Version != upd.Version {
		return ErrStaleVersion
	}
	applyCaseFields(app, upd.Fields)
	app.Version++
	return nil
}

func (r *memCaseRepo) ListNonRepaid(ctx context.Context, fresh bool) ([]models.Application, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Application
	for _, app := range r.s.apps {
		if app.Status == models.StatusRepaid || app.Status == models.StatusBadDebt {
			continue
		}
		if fresh != (app.OverdueDays <= StaleOverdueDays) {
			continue
		}
		out = append(out, *app)
	}
	sortApps(out)
	return out, nil
}

func (r *memCaseRepo) ListUnclaimedByCycle(ctx context.Context, cycle models.Cycle, appType models.ApplicationType) ([]models.Application, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Application
	for _, app := range r.s.apps {
		if app.Status == models.StatusUnclaimed && app.Cycle == cycle && app.Type == appType {
			out = append(out, *app)
		}
	}
	sortApps(out)
	return out, nil
}

func (r *memCaseRepo) ListOwnedByCycle(ctx context.Context, cycle models.Cycle) ([]models.Application, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Application
	for _, app := range r.s.apps {
		if app.Cycle == cycle && app.Owned() {
			out = append(out, *app)
		}
	}
	sortApps(out)
	return out, nil
}

func (r *memCaseRepo) ListOwnedByBomber(ctx context.Context, bomberID int64) ([]models.Application, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Application
	for _, app := range r.s.apps {
		if app.Owned() && app.LatestBomberID != nil && *app.LatestBomberID == bomberID {
			out = append(out, *app)
		}
	}
	sortApps(out)
	return out, nil
}

func (r *memCaseRepo) ListPromiseExpired(ctx context.Context, before time.Time) ([]models.Application, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Application
	for _, app := range r.s.apps {
		if app.Owned() && app.PromisedDate != nil && app.PromisedDate.Before(before) {
			out = append(out, *app)
		}
	}
	sortApps(out)
	return out, nil
}

// ---- sub-bills ----

type memBillRepo struct {
	s *MemoryStore
}

func (r *memBillRepo) ListByApplication(ctx context.Context, applicationID int64) ([]models.OverdueBill, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.OverdueBill
	for _, b := range r.s.bills {
		if b.ApplicationID == applicationID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *memBillRepo) ListNonRepaid(ctx context.Context, fresh bool) ([]models.OverdueBill, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.OverdueBill
	for _, b := range r.s.bills {
		if b.Status == models.StatusRepaid {
			continue
		}
		if fresh != (b.OverdueDays <= StaleOverdueDays) {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (r *memBillRepo) Upsert(ctx context.Context, bill *models.OverdueBill) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.bills {
		if b.SubBillID == bill.SubBillID {
			b.Status = bill.Status
			b.OverdueDays = bill.OverdueDays
			b.PrincipalPending = bill.PrincipalPending
			b.LateFeePending = bill.LateFeePending
			return nil
		}
	}
	if bill.ID == 0 {
		bill.ID = r.s.id()
	}
	cp := *bill
	r.s.bills[cp.ID] = &cp
	return nil
}

func (r *memBillRepo) UpdateOverdueDays(ctx context.Context, id int64, days int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b, ok := r.s.bills[id]; ok {
		b.OverdueDays = days
	}
	return nil
}

func (r *memBillRepo) MarkRepaid(ctx context.Context, subBillID int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.bills {
		if b.SubBillID == subBillID {
			b.Status = models.StatusRepaid
			t := at
			b.FinishedAt = &t
		}
	}
	return nil
}

// ---- bombers ----

type memBomberRepo struct {
	s *MemoryStore
}

func (r *memBomberRepo) Get(ctx context.Context, id int64) (*models.Bomber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bombers[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *memBomberRepo) ListActiveByCycle(ctx context.Context, cycle models.Cycle, instalment models.Cycle) ([]models.Bomber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Bomber
	for _, b := range r.s.bombers {
		if b.IsDel != 0 || b.PartnerID != nil || b.Instalment != instalment {
			continue
		}
		role, ok := r.s.roles[b.RoleID]
		if !ok || role.Cycle != cycle {
			continue
		}
		out = append(out, *b)
	}
	sortBombers(out)
	return out, nil
}

func (r *memBomberRepo) ListActiveByPartner(ctx context.Context, partnerID int64) ([]models.Bomber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Bomber
	for _, b := range r.s.bombers {
		if b.IsDel == 0 && b.PartnerID != nil && *b.PartnerID == partnerID {
			out = append(out, *b)
		}
	}
	sortBombers(out)
	return out, nil
}

func (r *memBomberRepo) ListPartners(ctx context.Context, cycle models.Cycle) ([]models.Partner, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Partner
	for _, p := range r.s.partners {
		if p.Cycle == cycle && p.Status == 1 {
			out = append(out, *p)
		}
	}
	sortPartners(out)
	return out, nil
}

func (r *memBomberRepo) ListChangedOn(ctx context.Context, day time.Time) ([]models.BomberLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	end := day.AddDate(0, 0, 1)
	var out []models.BomberLog
	for _, l := range r.s.bomberLogs {
		if !l.CreatedAt.Before(day) && l.CreatedAt.Before(end) {
			out = append(out, l)
		}
	}
	return out, nil
}

// ---- ledger ----

type memLedgerRepo struct {
	s *MemoryStore
}

func (r *memLedgerRepo) Open(ctx context.Context, rows []models.DispatchAppHistory) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, row := range rows {
		cp := row
		if cp.ID == 0 {
			cp.ID = r.s.id()
		}
		r.s.ledger = append(r.s.ledger, &cp)
	}
	return nil
}

func (r *memLedgerRepo) Close(ctx context.Context, exits []Exit) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	closed := 0
	for _, e := range exits {
		for _, row := range r.s.ledger {
			if row.ApplicationID == e.ApplicationID && row.BomberID == e.BomberID && row.OutAt == nil {
				outAt := e.OutAt
				days := e.OutOverdueDays
				pp := e.PrincipalPending
				lp := e.LateFeePending
				row.OutAt = &outAt
				row.OutOverdueDays = &days
				row.OutPrincipalPending = &pp
				row.OutLateFeePending = &lp
				closed++
			}
		}
	}
	return closed, nil
}

func (r *memLedgerRepo) OpenByApplication(ctx context.Context, applicationID int64) ([]models.DispatchAppHistory, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.DispatchAppHistory
	for _, row := range r.s.ledger {
		if row.ApplicationID == applicationID && row.OutAt == nil {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *memLedgerRepo) HasOpen(ctx context.Context, applicationID, bomberID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, row := range r.s.ledger {
		if row.ApplicationID == applicationID && row.BomberID == bomberID && row.OutAt == nil {
			return true, nil
		}
	}
	return false, nil
}

// ---- logs / escalations ----

type memLogRepo struct {
	s *MemoryStore
}

func (r *memLogRepo) Create(ctx context.Context, logRow *models.DispatchAppLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *logRow
	if cp.ID == 0 {
		cp.ID = r.s.id()
	}
	r.s.logs = append(r.s.logs, &cp)
	return nil
}

type memEscalationRepo struct {
	s *MemoryStore
}

func (r *memEscalationRepo) Create(ctx context.Context, row *models.Escalation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *row
	if cp.ID == 0 {
		cp.ID = r.s.id()
	}
	r.s.escalations = append(r.s.escalations, &cp)
	return nil
}
