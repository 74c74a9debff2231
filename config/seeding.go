package config

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/zhoujialefanjiayuan/bomber-sub000/models"
)

// RunAllSeeding runs all seeding operations in the correct order
func RunAllSeeding() error {
	log.Println("=== Starting Database Seeding ===")

	log.Println("[1/3] Seeding Cycle Bands...")
	if err := SeedCycleConfigs(); err != nil {
		return fmt.Errorf("seed cycle configs: %w", err)
	}

	log.Println("[2/3] Seeding Collector Roles...")
	if err := SeedBomberRoles(); err != nil {
		return fmt.Errorf("seed bomber roles: %w", err)
	}

	log.Println("[3/3] Seeding Admin Account...")
	if err := SeedAdmin(); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	log.Println("=== Database Seeding Complete ===")
	return nil
}

// SeedCycleConfigs writes the fixed day-band table. Existing rows win so
// an operator can retune a band without the seeder undoing it.
func SeedCycleConfigs() error {
	for _, cfg := range models.DefaultCycleConfigs() {
		err := DB.Where(models.CycleConfig{Cycle: cfg.Cycle}).
			FirstOrCreate(&cfg).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// SeedBomberRoles creates one role per collection cycle plus the admin role
func SeedBomberRoles() error {
	roles := []models.BomberRole{
		{Name: "admin", Cycle: 0, Weight: 100},
		{Name: "collector-c1a", Cycle: models.CycleC1A, Weight: 10},
		{Name: "collector-c1b", Cycle: models.CycleC1B, Weight: 10},
		{Name: "collector-c2", Cycle: models.CycleC2, Weight: 10},
		{Name: "collector-c3", Cycle: models.CycleC3, Weight: 10},
		{Name: "collector-m3", Cycle: models.CycleM3, Weight: 10},
	}
	for _, role := range roles {
		err := DB.Where(models.BomberRole{Name: role.Name}).
			FirstOrCreate(&role).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// SeedAdmin creates the bootstrap admin account when no bombers exist yet.
// Password comes from ADMIN_PASSWORD, with an obvious dev default.
func SeedAdmin() error {
	var count int64
	if err := DB.Model(&models.Bomber{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	var adminRole models.BomberRole
	if err := DB.Where("name = ?", "admin").First(&adminRole).Error; err != nil {
		return err
	}

	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		password = "changeme"
		log.Println("ADMIN_PASSWORD not set, admin seeded with default password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	admin := models.Bomber{
		Name:         "Administrator",
		Username:     "admin",
		PasswordHash: string(hash),
		RoleID:       adminRole.ID,
	}
	if err := DB.Create(&admin).Error; err != nil {
		return err
	}
	return DB.Create(&models.BomberLog{
		BomberID:  admin.ID,
		Operation: models.BomberOpCreate,
	}).Error
}
