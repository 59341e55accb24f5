package migration_1

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Illustration struct {
	FailedAt sql.NullTime
}

type TrainingRun struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId    string    `gorm:"size:128;index:idx_training_run_brand"`
	BrandId   string    `gorm:"size:128;index:idx_training_run_brand"`
	Variant   string    `gorm:"size:20"`
	ModelPath string
	Metadata  datatypes.JSON
	CreatedAt time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Illustration{}, "FailedAt"); err != nil {
		return fmt.Errorf("error adding FailedAt column: %w", err)
	}

	if err := db.Migrator().CreateTable(&TrainingRun{}); err != nil {
		return fmt.Errorf("error creating training_runs table: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&TrainingRun{}); err != nil {
		return fmt.Errorf("error dropping training_runs table: %w", err)
	}

	if err := db.Migrator().DropColumn(&Illustration{}, "FailedAt"); err != nil {
		return fmt.Errorf("error dropping FailedAt column: %w", err)
	}

	return nil
}
