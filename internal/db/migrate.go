package db

import (
	"fmt"

	"github.com/zulandar/labyard/internal/config"
	"github.com/zulandar/labyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model Labyard persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Site{},
		&models.Machine{},
		&models.MachineProp{},
		&models.Job{},
		&models.Event{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedSites upserts Site rows from configuration. Status is left alone on
// existing rows so an operator's manual change survives a re-seed.
func SeedSites(db *gorm.DB, sites []config.SiteConfig) error {
	for _, sc := range sites {
		site := models.Site{
			Name:            sc.Name,
			Status:          "active",
			Flags:           sc.Flags,
			Descr:           sc.Descr,
			MaxJobs:         sc.MaxJobs,
			SharedResources: sc.SharedResources,
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"flags", "descr", "max_jobs", "shared_resources", "updated_at"}),
		}).Create(&site)
		if result.Error != nil {
			return fmt.Errorf("db: seed site %q: %w", sc.Name, result.Error)
		}
	}
	return nil
}
