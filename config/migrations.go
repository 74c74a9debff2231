package config

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

func Migrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "10032026_create_collection_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Application{}, &models.OverdueBill{},
					&models.Bomber{}, &models.BomberRole{}, &models.Partner{}, &models.BomberLog{})
			},
		},
		{
			ID: "10032026_create_dispatch_audit_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.DispatchAppHistory{}, &models.DispatchAppLog{},
					&models.Escalation{})
			},
		},
		{
			ID: "12032026_create_cycle_config",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.CycleConfig{})
			},
		},
		{
			ID: "19042026_index_open_ledger_rows",
			Migrate: func(tx *gorm.DB) error {
				// Entry/exit queries always filter on the open side
				return tx.Exec("CREATE INDEX IF NOT EXISTS idx_dispatch_app_histories_open " +
					"ON dispatch_app_histories (application_id, bomber_id) WHERE out_at IS NULL").Error
			},
		},
	})
	return m.Migrate()
}
