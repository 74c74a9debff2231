package dispatch

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a gorm handle
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Cases() CaseRepo             { return &gormCaseRepo{db: s.db} }
func (s *GormStore) Bills() BillRepo             { return &gormBillRepo{db: s.db} }
func (s *GormStore) Bombers() BomberRepo         { return &gormBomberRepo{db: s.db} }
func (s *GormStore) Ledger() LedgerRepo          { return &gormLedgerRepo{db: s.db} }
func (s *GormStore) Logs() LogRepo               { return &gormLogRepo{db: s.db} }
func (s *GormStore) Escalations() EscalationRepo { return &gormEscalationRepo{db: s.db} }

// Atomically runs fn inside one database transaction
func (s *GormStore) Atomically(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// ---- cases ----

type gormCaseRepo struct {
	db *gorm.DB
}

func (r *gormCaseRepo) Get(ctx context.Context, id int64) (*models.Application, error) {
	var app models.Application
	if err := r.db.WithContext(ctx).First(&app, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}
	return &app, nil
}

func (r *gormCaseRepo) GetByExternalID(ctx context.Context, externalID int64) (*models.Application, error) {
	var app models.Application
	if err := r.db.WithContext(ctx).First(&app, "external_id = ?", externalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}
	return &app, nil
}

func (r *gormCaseRepo) Create(ctx context.Context, app *models.Application) error {
	return r.db.WithContext(ctx).Create(app).Error
}

func (r *gormCaseRepo) Update(ctx context.Context, upd CaseUpdate) error {
	fields := make(map[string]interface{}, len(upd.Fields)+1)
	for k, v := range upd.Fields {
		fields[k] = v
	}
	fields["version"] = upd.Version + 1

	res := r.db.WithContext(ctx).Model(&models.Application{}).
		Where("id = ? AND version = ?", upd.ID, upd.Version).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		r.db.WithContext(ctx).Model(&models.Application{}).Where("id = ?", upd.ID).Count(&count)
		if count == 0 {
			return ErrCaseNotFound
		}
		return ErrStaleVersion
	}
	return nil
}

func (r *gormCaseRepo) ListNonRepaid(ctx context.Context, fresh bool) ([]models.Application, error) {
	q := r.db.WithContext(ctx).
		Where("status NOT IN ?", []models.ApplicationStatus{models.StatusRepaid, models.StatusBadDebt})
	if fresh {
		q = q.Where("overdue_days <= ?", StaleOverdueDays)
	} else {
		q = q.Where("overdue_days > ?", StaleOverdueDays)
	}
	var apps []models.Application
	return apps, q.Order("id").Find(&apps).Error
}

func (r *gormCaseRepo) ListUnclaimedByCycle(ctx context.Context, cycle models.Cycle, appType models.ApplicationType) ([]models.Application, error) {
	var apps []models.Application
	err := r.db.WithContext(ctx).
		Where("status = ? AND cycle = ? AND type = ?", models.StatusUnclaimed, cycle, appType).
		Order("id").Find(&apps).Error
	return apps, err
}

func (r *gormCaseRepo) ListOwnedByCycle(ctx context.Context, cycle models.Cycle) ([]models.Application, error) {
	var apps []models.Application
	err := r.db.WithContext(ctx).
		Where("cycle = ? AND status IN ?", cycle,
			[]models.ApplicationStatus{models.StatusProcessing, models.StatusManualManaged}).
		Order("id").Find(&apps).Error
	return apps, err
}

func (r *gormCaseRepo) ListOwnedByBomber(ctx context.Context, bomberID int64) ([]models.Application, error) {
	var apps []models.Application
	err := r.db.WithContext(ctx).
		Where("latest_bomber_id = ? AND status IN ?", bomberID,
			[]models.ApplicationStatus{models.StatusProcessing, models.StatusManualManaged}).
		Order("id").Find(&apps).Error
	return apps, err
}

func (r *gormCaseRepo) ListPromiseExpired(ctx context.Context, before time.Time) ([]models.Application, error) {
	var apps []models.Application
	err := r.db.WithContext(ctx).
		Where("promised_date IS NOT NULL AND promised_date < ? AND status IN ?", before,
			[]models.ApplicationStatus{models.StatusProcessing, models.StatusManualManaged}).
		Order("id").Find(&apps).Error
	return apps, err
}

// ---- sub-bills ----

type gormBillRepo struct {
	db *gorm.DB
}

func (r *gormBillRepo) ListByApplication(ctx context.Context, applicationID int64) ([]models.OverdueBill, error) {
	var bills []models.OverdueBill
	err := r.db.WithContext(ctx).Where("application_id = ?", applicationID).Order("period_no").Find(&bills).Error
	return bills, err
}

func (r *gormBillRepo) ListNonRepaid(ctx context.Context, fresh bool) ([]models.OverdueBill, error) {
	q := r.db.WithContext(ctx).Where("status <> ?", models.StatusRepaid)
	if fresh {
		q = q.Where("overdue_days <= ?", StaleOverdueDays)
	} else {
		q = q.Where("overdue_days > ?", StaleOverdueDays)
	}
	var bills []models.OverdueBill
	return bills, q.Order("id").Find(&bills).Error
}

func (r *gormBillRepo) Upsert(ctx context.Context, bill *models.OverdueBill) error {
	var existing models.OverdueBill
	err := r.db.WithContext(ctx).First(&existing, "sub_bill_id = ?", bill.SubBillID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(bill).Error
	}
	if err != nil {
		return err
	}
	bill.ID = existing.ID
	return r.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"status":            bill.Status,
		"overdue_days":      bill.OverdueDays,
		"principal_pending": bill.PrincipalPending,
		"late_fee_pending":  bill.LateFeePending,
	}).Error
}

func (r *gormBillRepo) UpdateOverdueDays(ctx context.Context, id int64, days int) error {
	return r.db.WithContext(ctx).Model(&models.OverdueBill{}).
		Where("id = ?", id).Update("overdue_days", days).Error
}

func (r *gormBillRepo) MarkRepaid(ctx context.Context, subBillID int64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.OverdueBill{}).
		Where("sub_bill_id = ?", subBillID).
		Updates(map[string]interface{}{"status": models.StatusRepaid, "finished_at": at}).Error
}

// ---- bombers ----

type gormBomberRepo struct {
	db *gorm.DB
}

func (r *gormBomberRepo) Get(ctx context.Context, id int64) (*models.Bomber, error) {
	var b models.Bomber
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *gormBomberRepo) ListActiveByCycle(ctx context.Context, cycle models.Cycle, instalment models.Cycle) ([]models.Bomber, error) {
	var bombers []models.Bomber
	err := r.db.WithContext(ctx).
		Joins("JOIN bomber_roles ON bomber_roles.id = bombers.role_id").
		Where("bombers.is_del = 0 AND bombers.partner_id IS NULL").
		Where("bomber_roles.cycle = ?", cycle).
		Where("bombers.instalment = ?", instalment).
		Find(&bombers).Error
	return bombers, err
}

func (r *gormBomberRepo) ListActiveByPartner(ctx context.Context, partnerID int64) ([]models.Bomber, error) {
	var bombers []models.Bomber
	err := r.db.WithContext(ctx).
		Where("is_del = 0 AND partner_id = ?", partnerID).
		Find(&bombers).Error
	return bombers, err
}

func (r *gormBomberRepo) ListPartners(ctx context.Context, cycle models.Cycle) ([]models.Partner, error) {
	var partners []models.Partner
	err := r.db.WithContext(ctx).
		Where("cycle = ? AND status = 1", cycle).
		Order("id").Find(&partners).Error
	return partners, err
}

func (r *gormBomberRepo) ListChangedOn(ctx context.Context, day time.Time) ([]models.BomberLog, error) {
	var logs []models.BomberLog
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", day, day.AddDate(0, 0, 1)).
		Find(&logs).Error
	return logs, err
}

// ---- ledger ----

type gormLedgerRepo struct {
	db *gorm.DB
}

func (r *gormLedgerRepo) Open(ctx context.Context, rows []models.DispatchAppHistory) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *gormLedgerRepo) Close(ctx context.Context, exits []Exit) (int, error) {
	closed := 0
	for _, e := range exits {
		res := r.db.WithContext(ctx).Model(&models.DispatchAppHistory{}).
			Where("application_id = ? AND bomber_id = ? AND out_at IS NULL", e.ApplicationID, e.BomberID).
			Updates(map[string]interface{}{
				"out_at":                e.OutAt,
				"out_overdue_days":      e.OutOverdueDays,
				"out_principal_pending": e.PrincipalPending,
				"out_late_fee_pending":  e.LateFeePending,
			})
		if res.Error != nil {
			return closed, res.Error
		}
		closed += int(res.RowsAffected)
	}
	return closed, nil
}

func (r *gormLedgerRepo) OpenByApplication(ctx context.Context, applicationID int64) ([]models.DispatchAppHistory, error) {
	var rows []models.DispatchAppHistory
	err := r.db.WithContext(ctx).
		Where("application_id = ? AND out_at IS NULL", applicationID).
		Find(&rows).Error
	return rows, err
}

func (r *gormLedgerRepo) HasOpen(ctx context.Context, applicationID, bomberID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.DispatchAppHistory{}).
		Where("application_id = ? AND bomber_id = ? AND out_at IS NULL", applicationID, bomberID).
		Count(&count).Error
	return count > 0, err
}

// ---- operation logs ----

type gormLogRepo struct {
	db *gorm.DB
}

func (r *gormLogRepo) Create(ctx context.Context, logRow *models.DispatchAppLog) error {
	return r.db.WithContext(ctx).Create(logRow).Error
}

// ---- escalations ----

type gormEscalationRepo struct {
	db *gorm.DB
}

func (r *gormEscalationRepo) Create(ctx context.Context, row *models.Escalation) error {
	return r.db.WithContext(ctx).Create(row).Error
}
