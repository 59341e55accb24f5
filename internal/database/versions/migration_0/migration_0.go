package migration_0

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Brand struct {
	UserId  string `gorm:"primaryKey;size:128"`
	BrandId string `gorm:"primaryKey;size:128"`

	Name   string
	Colors datatypes.JSON
	Style  string

	Status           string `gorm:"size:20;not null"`
	ImageCount       int
	TrainingJobId    string
	TrainingDataPath string
	LoraModelPath    sql.NullString
	Error            sql.NullString

	TrainingStartedAt   sql.NullTime
	TrainingCompletedAt sql.NullTime
	FailedAt            sql.NullTime
	CreatedAt           time.Time
}

type Illustration struct {
	Id      string `gorm:"primaryKey;size:128"`
	UserId  string `gorm:"size:128;index"`
	BrandId string `gorm:"size:128"`

	Prompt      string
	FinalPrompt string
	Width       int
	Height      int

	Status         string `gorm:"size:20;not null"`
	ImageURL       string
	ThumbnailURL   string
	Error          sql.NullString
	GenerationTime int

	CreatedAt   time.Time
	CompletedAt sql.NullTime
}

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&Brand{}, &Illustration{})
}
