package database

import (
	"log"

	"mediaforge-backend/internal/database/versions/migration_0"
	"mediaforge-backend/internal/database/versions/migration_1"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID:      "0",
			Migrate: migration_0.Migration,
		},
		{
			ID:       "1",
			Migrate:  migration_1.Migration,
			Rollback: migration_1.Rollback,
		},
	}
}

func GetMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(db, gormigrate.DefaultOptions, migrations())

	migrator.InitSchema(func(txn *gorm.DB) error {
		// Run by the migrator when no previous migration is detected, creating
		// the latest schema directly.
		log.Println("clean database detected, running full schema initialization")

		return txn.AutoMigrate(&Brand{}, &Illustration{}, &TrainingRun{})
	})

	return migrator
}
